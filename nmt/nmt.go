// Package nmt implements the CANopen Network Management service (CiA 301
// §7.3): the device state machine and heartbeat producer (nmt.go), the
// heartbeat/node-guarding consumer (errorcontrol.go), and a master-side
// boot-up sequencer (boot.go). Grounded on the teacher's pkg/nmt (state
// machine) and pkg/heartbeat (consumer), redriven by a dispatch.Dispatcher
// instead of time.AfterFunc/goroutines.
package nmt

import (
	"log/slog"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/samsamfire/gocanopen-core/emergency"
	"github.com/samsamfire/gocanopen-core/od"
)

// State is a device's current NMT state (CiA 301 §7.3.2.2, Table 9).
type State = uint8

const (
	StateInitializing   State = 0
	StatePreOperational State = 127
	StateOperational     State = 5
	StateStopped         State = 4
	StateUnknown         State = 255
)

// Command is a value accepted as the first byte of an NMT service frame
// (CiA 301 §7.3.2.3, Table 10).
type Command uint8

const (
	CommandEmpty                Command = 0
	CommandEnterOperational     Command = 1
	CommandEnterStopped         Command = 2
	CommandEnterPreOperational  Command = 128
	CommandResetNode            Command = 129
	CommandResetCommunication   Command = 130
)

// ResetKind is propagated to the host/device layer to distinguish the two
// reset commands, which differ in scope (CiA 301 §7.3.2.2).
type ResetKind uint8

const (
	ResetNot  ResetKind = 0
	ResetComm ResetKind = 1
	ResetApp  ResetKind = 2
	ResetQuit ResetKind = 3
)

// Control bits (0x1017-adjacent behavior flags; the teacher's "control"
// bitmask carried alongside startup configuration, CiA 302-2 boot
// behavior).
const (
	StartupToOperational   uint16 = 0x0100
	ErrOnBusOffHb          uint16 = 0x1000
	ErrOnErrReg            uint16 = 0x2000
	ErrToStopped           uint16 = 0x4000
	ErrFreeToOperational   uint16 = 0x8000
)

const (
	serviceCobId uint32 = 0x000
	hbBaseCobId  uint32 = 0x700
)

// StateChangeCallback is invoked after every confirmed state transition.
type StateChangeCallback func(state State)

// NMT is a single device's NMT slave: it consumes network commands
// addressed to it or broadcast, and produces heartbeat messages on its own
// CiA 301 §7.2.14 cadence.
type NMT struct {
	d      *dispatch.Dispatcher
	logger *slog.Logger
	emcy   *emergency.Producer

	nodeId  uint8
	control uint16

	state State

	producerTime       time.Duration
	firstHeartbeatTime time.Duration
	usedFirstHeartbeat bool
	producerTimer      dispatch.TimerHandle
	haveTimer          bool

	canIdRx uint32
	canIdTx uint32
	hbTx    uint32

	receiver     dispatch.ReceiverHandle
	haveReceiver bool

	callbacks []StateChangeCallback

	// resetCallback, if set, is invoked instead of just transitioning state
	// when a reset command is received, so the device layer can tear down
	// and rebuild services (SPEC_FULL.md §4.11).
	resetCallback func(kind ResetKind)
}

// New builds an NMT slave. firstHeartbeatTime, if non-zero, overrides
// entry1017's stored period for the very first heartbeat only (CiA 301
// §7.2.14.2, "first heartbeat may use a shorter period at startup").
func New(
	d *dispatch.Dispatcher,
	logger *slog.Logger,
	emcy *emergency.Producer,
	nodeId uint8,
	control uint16,
	firstHeartbeatTime time.Duration,
	canIdNmtRx uint32,
	canIdNmtTx uint32,
	canIdHbTx uint32,
	entry1017 *od.Entry,
) (*NMT, error) {
	if d == nil || nodeId < 1 || nodeId > 127 {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	nmt := &NMT{
		d:       d,
		logger:  logger.With("service", "nmt", "nodeId", nodeId),
		emcy:    emcy,
		nodeId:  nodeId,
		control: control,
		state:   StateInitializing,
		canIdRx: canIdNmtRx,
		canIdTx: canIdNmtTx,
		hbTx:    canIdHbTx,
	}
	if nmt.canIdRx == 0 {
		nmt.canIdRx = serviceCobId
	}
	if nmt.hbTx == 0 {
		nmt.hbTx = hbBaseCobId + uint32(nodeId)
	}

	if entry1017 != nil {
		periodMs, err := entry1017.Uint16(0)
		if err != nil {
			return nil, canopen.ErrOdParameters
		}
		nmt.producerTime = time.Duration(periodMs) * time.Millisecond
		entry1017.AddExtension(nmt, od.ReadEntryDefault, writeEntry1017)
	}
	nmt.firstHeartbeatTime = firstHeartbeatTime

	return nmt, nil
}

// AddStateChangeCallback registers fn to run after every confirmed state
// transition, returning a function that cancels the registration.
func (nmt *NMT) AddStateChangeCallback(fn StateChangeCallback) (cancel func()) {
	nmt.callbacks = append(nmt.callbacks, fn)
	idx := len(nmt.callbacks) - 1
	return func() {
		if idx < len(nmt.callbacks) {
			nmt.callbacks[idx] = nil
		}
	}
}

// SetResetCallback installs the handler invoked on CommandResetNode/
// CommandResetCommunication, in place of a plain state transition.
func (nmt *NMT) SetResetCallback(fn func(kind ResetKind)) {
	nmt.resetCallback = fn
}

// State returns the device's current NMT state.
func (nmt *NMT) State() State { return nmt.state }

// Start subscribes to NMT command frames and arms the heartbeat producer.
func (nmt *NMT) Start() {
	if !nmt.haveReceiver {
		nmt.receiver = nmt.d.RegisterReceiver(nmt.canIdRx, 0x7FF, false, 0, nmt.handle)
		nmt.haveReceiver = true
	}
	nmt.sendHeartbeat()
	nmt.armHeartbeat()
}

// Stop deregisters the command receiver and cancels the heartbeat timer.
func (nmt *NMT) Stop() {
	if nmt.haveReceiver {
		nmt.d.DeregisterReceiver(nmt.receiver)
		nmt.haveReceiver = false
	}
	if nmt.haveTimer {
		nmt.d.DeregisterTimer(nmt.producerTimer)
		nmt.haveTimer = false
	}
}

// armHeartbeat (re)arms the producer timer. The very first call after
// construction uses firstHeartbeatTime as the initial deadline if one was
// configured (CiA 301 §7.2.14.2); the recurrence itself is always driven by
// nmt.producerTime (passed by address, so a live 0x1017 write takes effect
// on the next firing without needing to rearm), so a shorter startup
// heartbeat never lingers past its one firing.
func (nmt *NMT) armHeartbeat() {
	deadline := nmt.producerTime
	if !nmt.usedFirstHeartbeat && nmt.firstHeartbeatTime > 0 {
		deadline = nmt.firstHeartbeatTime
	}
	nmt.usedFirstHeartbeat = true
	if deadline <= 0 {
		return
	}
	if nmt.haveTimer {
		nmt.d.DeregisterTimer(nmt.producerTimer)
	}
	var period *time.Duration
	if nmt.producerTime > 0 {
		period = &nmt.producerTime
	}
	nmt.producerTimer = nmt.d.RegisterTimer(nmt.d.Now().Add(deadline), period, nmt.onHeartbeatDue)
	nmt.haveTimer = true
}

func (nmt *NMT) onHeartbeatDue(canopen.Timestamp) {
	nmt.sendHeartbeat()
}

func (nmt *NMT) sendHeartbeat() {
	frame := canopen.New(nmt.hbTx, 0, 1)
	frame.Data[0] = nmt.state
	if err := nmt.d.Send(frame); err != nil {
		nmt.logger.Warn("failed to send heartbeat", "error", err)
	}
}

// handle is the dispatch.FrameHandler for NMT command frames: byte 0 is the
// command, byte 1 is the target node-id (0 broadcasts to all nodes).
func (nmt *NMT) handle(frame canopen.Frame) {
	if frame.Length < 2 {
		return
	}
	target := frame.Data[1]
	if target != 0 && target != nmt.nodeId {
		return
	}
	nmt.processCommand(Command(frame.Data[0]))
}

func (nmt *NMT) processCommand(cmd Command) {
	switch cmd {
	case CommandEnterOperational:
		nmt.setState(StateOperational)
	case CommandEnterStopped:
		nmt.setState(StateStopped)
	case CommandEnterPreOperational:
		nmt.setState(StatePreOperational)
	case CommandResetNode:
		nmt.reset(ResetApp)
	case CommandResetCommunication:
		nmt.reset(ResetComm)
	default:
		nmt.logger.Warn("unsupported NMT command", "command", cmd)
		if nmt.emcy != nil {
			nmt.emcy.ErrorReport(emergency.EmNMTWrongCommand, emergency.ErrSoftwareInternal, uint32(cmd))
		}
	}
}

func (nmt *NMT) reset(kind ResetKind) {
	nmt.logger.Info("nmt reset requested", "kind", kind)
	if nmt.resetCallback != nil {
		nmt.resetCallback(kind)
		return
	}
	nmt.setState(StateInitializing)
}

func (nmt *NMT) setState(state State) {
	if nmt.state == state {
		return
	}
	nmt.state = state
	nmt.logger.Debug("nmt state changed", "state", state)
	nmt.sendHeartbeat()
	nmt.armHeartbeat()
	for _, cb := range nmt.callbacks {
		if cb != nil {
			cb(state)
		}
	}
}

// EnterBoot drives the startup transition out of Initializing: to
// Operational directly if StartupToOperational is set in control, otherwise
// to PreOperational (CiA 301 §7.3.2.2's default boot state).
func (nmt *NMT) EnterBoot() {
	if nmt.control&StartupToOperational != 0 {
		nmt.setState(StateOperational)
	} else {
		nmt.setState(StatePreOperational)
	}
}
