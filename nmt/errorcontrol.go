package nmt

import (
	"encoding/binary"
	"log/slog"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/samsamfire/gocanopen-core/emergency"
	"github.com/samsamfire/gocanopen-core/od"
)

// Monitoring mode of a single remote node: CiA 301 makes heartbeat
// consumption and node guarding mutually exclusive per monitored node (the
// teacher only implements the former; node guarding is supplemented here
// per CiA 301 §7.2.13).
type monitorMode uint8

const (
	modeHeartbeat monitorMode = iota
	modeGuarding
)

// Per-node monitoring state (CiA 301 §7.2.14.3, Table 12).
const (
	HeartbeatUnconfigured uint8 = 0x00
	HeartbeatUnknown      uint8 = 0x01
	HeartbeatActive       uint8 = 0x02
	HeartbeatTimeout      uint8 = 0x03
)

// Events reported through ErrorControl.OnEvent.
const (
	EventNone    uint8 = 0
	EventStarted uint8 = 1
	EventTimeout uint8 = 2
	EventChanged uint8 = 3
	EventBoot    uint8 = 4
)

// EventCallback is invoked on every monitored-node state transition.
type EventCallback func(event uint8, index uint8, nodeId uint8, nmtState uint8)

// consumerEntry tracks one monitored remote node, either by passively
// consuming its heartbeat or by actively guarding it with RTR polls.
type consumerEntry struct {
	parent *ErrorControl

	index  uint8
	nodeId uint8
	mode   monitorMode

	period         time.Duration // heartbeat consumer timeout, or guard time
	lifeTimeFactor uint8         // guarding only: timeout = period * lifeTimeFactor

	nmtState     uint8
	nmtStatePrev uint8
	state        uint8

	timer     dispatch.TimerHandle
	haveTimer bool

	guardTimer     dispatch.TimerHandle
	haveGuardTimer bool

	receiver     dispatch.ReceiverHandle
	haveReceiver bool
}

// ErrorControl is the consumer half of NMT error control (CiA 301 §7.2.13/
// §7.2.14.3): it monitors a configured set of remote nodes, each either via
// heartbeat consumption or node guarding, and reports EMCY plus an event
// callback when a node starts, changes NMT state, or times out.
type ErrorControl struct {
	d      *dispatch.Dispatcher
	logger *slog.Logger
	emcy   *emergency.Producer

	entries []*consumerEntry

	isOperational bool
	callback      EventCallback
	heartbeatCallback func(nodeId uint8)
}

// NewErrorControl builds a consumer from entry1016 (consumer heartbeat
// time, CiA 301 §7.5.2.13): each sub-entry's UNSIGNED32 packs the monitored
// node-id in bits 16-23 and the heartbeat timeout in milliseconds in bits
// 0-15.
func NewErrorControl(d *dispatch.Dispatcher, logger *slog.Logger, emcy *emergency.Producer, entry1016 *od.Entry) (*ErrorControl, error) {
	if d == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	ec := &ErrorControl{d: d, logger: logger.With("service", "nmt-errorcontrol"), emcy: emcy}

	if entry1016 != nil {
		count := entry1016.SubCount()
		for i := 1; i < count; i++ {
			raw, err := entry1016.Uint32(uint8(i))
			if err != nil {
				continue
			}
			nodeId := uint8(raw >> 16)
			periodMs := uint16(raw)
			ec.addHeartbeatEntry(uint8(i), nodeId, periodMs)
		}
		entry1016.AddExtension(ec, od.ReadEntryDefault, writeEntry1016)
	}
	return ec, nil
}

func (ec *ErrorControl) addHeartbeatEntry(index uint8, nodeId uint8, periodMs uint16) *consumerEntry {
	entry := &consumerEntry{
		parent: ec,
		index:  index,
		nodeId: nodeId,
		mode:   modeHeartbeat,
		period: time.Duration(periodMs) * time.Millisecond,
		state:  HeartbeatUnconfigured,
	}
	if nodeId != 0 && periodMs != 0 {
		entry.state = HeartbeatUnknown
	}
	ec.entries = append(ec.entries, entry)
	return entry
}

// AddNodeGuardingEntry configures active node guarding for nodeId: an RTR
// remote-transmission request is sent on 0x700+nodeId every guardTime, and
// the node is considered lost if no response arrives within
// guardTime*lifeTimeFactor (CiA 301 §7.2.13, "life guarding").
func (ec *ErrorControl) AddNodeGuardingEntry(nodeId uint8, guardTime time.Duration, lifeTimeFactor uint8) {
	ec.entries = append(ec.entries, &consumerEntry{
		parent:         ec,
		nodeId:         nodeId,
		mode:           modeGuarding,
		period:         guardTime,
		lifeTimeFactor: lifeTimeFactor,
		state:          HeartbeatUnknown,
	})
}

// OnEvent installs the callback invoked on monitored-node transitions.
func (ec *ErrorControl) OnEvent(callback EventCallback) { ec.callback = callback }

// OnHeartbeat installs a callback invoked on every valid heartbeat frame
// received from a monitored node, regardless of whether its NMT state
// changed (unlike OnEvent's EventChanged, which only fires on transitions).
// Consumers that must know a node is merely still alive, such as
// redundancy.Manager.OnMasterHeartbeat, use this instead of OnEvent.
func (ec *ErrorControl) OnHeartbeat(fn func(nodeId uint8)) { ec.heartbeatCallback = fn }

// Start begins monitoring every configured entry (heartbeat reception and/or
// guard-time RTR polling).
func (ec *ErrorControl) Start() {
	for _, e := range ec.entries {
		ec.startEntry(e)
	}
}

// Stop halts monitoring and clears all timers/receivers, without discarding
// configuration.
func (ec *ErrorControl) Stop() {
	for _, e := range ec.entries {
		ec.stopEntry(e)
	}
}

// OnStateChange starts or stops monitoring as the local NMT state enters or
// leaves Operational/PreOperational (CiA 301 monitors only while not
// Stopped).
func (ec *ErrorControl) OnStateChange(state State) {
	operational := state == StateOperational || state == StatePreOperational
	if operational == ec.isOperational {
		return
	}
	ec.isOperational = operational
	if operational {
		ec.Start()
	} else {
		ec.Stop()
	}
}

func (ec *ErrorControl) startEntry(e *consumerEntry) {
	if e.nodeId == 0 || e.state == HeartbeatUnconfigured {
		return
	}
	switch e.mode {
	case modeHeartbeat:
		ec.registerHeartbeatReceiver(e)
	case modeGuarding:
		ec.armGuardPoll(e)
	}
}

func (ec *ErrorControl) registerHeartbeatReceiver(e *consumerEntry) {
	cobId := hbBaseCobId + uint32(e.nodeId)
	e.receiver = ec.d.RegisterReceiver(cobId, 0x7FF, false, 0, func(frame canopen.Frame) { ec.handleHeartbeat(e, frame) })
	e.haveReceiver = true
	ec.restartTimeout(e)
}

func (ec *ErrorControl) stopEntry(e *consumerEntry) {
	if e.haveReceiver {
		ec.d.DeregisterReceiver(e.receiver)
		e.haveReceiver = false
	}
	if e.haveTimer {
		ec.d.DeregisterTimer(e.timer)
		e.haveTimer = false
	}
	if e.haveGuardTimer {
		ec.d.DeregisterTimer(e.guardTimer)
		e.haveGuardTimer = false
	}
}

func (ec *ErrorControl) restartTimeout(e *consumerEntry) {
	if e.period <= 0 {
		return
	}
	if e.haveTimer {
		ec.d.DeregisterTimer(e.timer)
	}
	e.timer = ec.d.RegisterTimer(ec.d.Now().Add(e.period), nil, func(canopen.Timestamp) { ec.onTimeout(e) })
	e.haveTimer = true
}

func (ec *ErrorControl) handleHeartbeat(e *consumerEntry, frame canopen.Frame) {
	if frame.Length < 1 {
		return
	}
	nmtState := frame.Data[0]

	if ec.heartbeatCallback != nil {
		ec.heartbeatCallback(e.nodeId)
	}

	wasTimedOut := e.state == HeartbeatTimeout
	rebooted := e.nmtStatePrev == uint8(StateInitializing) && e.state == HeartbeatActive
	e.nmtStatePrev = e.nmtState
	e.nmtState = nmtState

	if e.state != HeartbeatActive {
		e.state = HeartbeatActive
		if ec.callback != nil {
			ec.callback(EventStarted, e.index, e.nodeId, nmtState)
		}
	} else if e.nmtStatePrev != nmtState && ec.callback != nil {
		ec.callback(EventChanged, e.index, e.nodeId, nmtState)
	}

	if rebooted && ec.emcy != nil {
		ec.emcy.ErrorReport(emergency.EmHBConsumerRemoteReset, emergency.ErrHeartbeat, uint32(e.nodeId))
		if ec.callback != nil {
			ec.callback(EventBoot, e.index, e.nodeId, nmtState)
		}
	}
	if wasTimedOut && ec.emcy != nil {
		ec.emcy.ErrorReset(emergency.EmHeartbeatConsumer, uint32(e.nodeId))
	}
	ec.checkAllMonitored()
	ec.restartTimeout(e)
}

func (ec *ErrorControl) onTimeout(e *consumerEntry) {
	if e.mode == modeGuarding {
		e.haveGuardTimer = false
	} else {
		e.haveTimer = false
	}
	if e.state == HeartbeatTimeout {
		return
	}
	e.state = HeartbeatTimeout
	ec.logger.Warn("remote node monitoring timeout", "nodeId", e.nodeId)
	if ec.emcy != nil {
		ec.emcy.ErrorReport(emergency.EmHeartbeatConsumer, emergency.ErrHeartbeat, uint32(e.nodeId))
	}
	if ec.callback != nil {
		ec.callback(EventTimeout, e.index, e.nodeId, e.nmtState)
	}
}

// armGuardPoll schedules the periodic RTR poll and the lifetime timeout for
// a node-guarded entry.
func (ec *ErrorControl) armGuardPoll(e *consumerEntry) {
	if e.period <= 0 {
		return
	}
	period := e.period
	e.timer = ec.d.RegisterTimer(ec.d.Now().Add(period), &period, func(canopen.Timestamp) { ec.sendGuardRTR(e) })
	e.haveTimer = true
	e.receiver = ec.d.RegisterReceiver(hbBaseCobId+uint32(e.nodeId), 0x7FF, false, 0, func(frame canopen.Frame) { ec.handleGuardResponse(e, frame) })
	e.haveReceiver = true
}

func (ec *ErrorControl) sendGuardRTR(e *consumerEntry) {
	frame := canopen.New(hbBaseCobId+uint32(e.nodeId), canopen.FlagRTR, 1)
	if err := ec.d.Send(frame); err != nil {
		ec.logger.Warn("failed to send guarding RTR", "nodeId", e.nodeId, "error", err)
		return
	}
	lifetime := e.period * time.Duration(e.lifeTimeFactor)
	if lifetime <= 0 || e.haveGuardTimer {
		return
	}
	ec.rearmLifetime(e, lifetime)
}

func (ec *ErrorControl) rearmLifetime(e *consumerEntry, lifetime time.Duration) {
	if e.haveGuardTimer {
		ec.d.DeregisterTimer(e.guardTimer)
	}
	e.guardTimer = ec.d.RegisterTimer(ec.d.Now().Add(lifetime), nil, func(canopen.Timestamp) { ec.onTimeout(e) })
	e.haveGuardTimer = true
}

func (ec *ErrorControl) handleGuardResponse(e *consumerEntry, frame canopen.Frame) {
	if frame.Length < 1 {
		return
	}
	if e.haveGuardTimer {
		ec.d.DeregisterTimer(e.guardTimer)
		e.haveGuardTimer = false
	}
	e.nmtStatePrev = e.nmtState
	e.nmtState = frame.Data[0] & 0x7F
	wasTimedOut := e.state == HeartbeatTimeout
	if e.state != HeartbeatActive {
		e.state = HeartbeatActive
		if ec.callback != nil {
			ec.callback(EventStarted, e.index, e.nodeId, e.nmtState)
		}
	}
	if wasTimedOut && ec.emcy != nil {
		ec.emcy.ErrorReset(emergency.EmHeartbeatConsumer, uint32(e.nodeId))
	}
}

// checkAllMonitored clears the heartbeat-consumer emergency once every
// configured entry is active again (teacher's all-monitored-active
// bookkeeping, CiA 301 §7.2.14.3).
func (ec *ErrorControl) checkAllMonitored() {
	for _, e := range ec.entries {
		if e.state != HeartbeatUnconfigured && e.state != HeartbeatActive {
			return
		}
	}
	if ec.emcy != nil {
		ec.emcy.ErrorReset(emergency.EmHeartbeatConsumer, 0)
	}
}

// updateConsumerEntry reconfigures (or removes, if nodeId==0 or
// periodMs==0) the heartbeat-consumer entry at index, rejecting a nodeId
// already monitored by a different entry.
func (ec *ErrorControl) updateConsumerEntry(index uint8, nodeId uint8, periodMs uint16) error {
	for _, other := range ec.entries {
		if other.index != index && other.mode == modeHeartbeat && other.nodeId == nodeId && nodeId != 0 {
			return od.ErrInvalidValue
		}
	}
	for _, e := range ec.entries {
		if e.index != index {
			continue
		}
		ec.stopEntry(e)
		e.nodeId = nodeId
		e.period = time.Duration(periodMs) * time.Millisecond
		if nodeId != 0 && periodMs != 0 {
			e.state = HeartbeatUnknown
		} else {
			e.state = HeartbeatUnconfigured
		}
		if ec.isOperational {
			ec.startEntry(e)
		}
		return nil
	}
	return od.ErrSubNotExist
}

func writeEntry1016(stream *od.Stream, data []byte, countWritten *uint16) error {
	ec, ok := stream.Object.(*ErrorControl)
	if !ok {
		return od.ErrDevIncompat
	}
	if len(data) != 4 {
		return od.ErrTypeMismatch
	}
	raw := binary.LittleEndian.Uint32(data)
	nodeId := uint8(raw >> 16)
	periodMs := uint16(raw)
	if err := ec.updateConsumerEntry(stream.Subindex, nodeId, periodMs); err != nil {
		return err
	}
	return od.WriteEntryDefault(stream, data, countWritten)
}
