// Package sync implements the CANopen SYNC service (CiA 301 §7.2.5):
// periodic production of the synchronization frame, consumption with
// timeout/window monitoring, and a counter distributed to PDO consumers via
// OnSync. Grounded on the teacher's pkg/sync, redriven by a
// dispatch.Dispatcher timer instead of a host-polled elapsed-time
// accumulator.
package sync

import (
	"encoding/binary"
	"log/slog"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/samsamfire/gocanopen-core/emergency"
	"github.com/samsamfire/gocanopen-core/od"
)

// SyncCounterField is implemented by every service that needs to act on
// each SYNC tick (the pdo package's TPDO/RPDO satisfy this).
type SyncCounterField interface {
	OnSync(counter uint8)
}

// SYNC is the producer or consumer for one node's SYNC object: a node whose
// 0x1005 has bit 30 set produces and ignores received SYNC frames; any other
// node consumes.
type SYNC struct {
	d      *dispatch.Dispatcher
	logger *slog.Logger
	emcy   *emergency.Producer

	entry1005 *od.Entry
	entry1006 *od.Entry
	entry1007 *od.Entry
	entry1019 *od.Entry

	cobId         uint32
	isProducer    bool
	cyclePeriod   time.Duration
	windowLength  time.Duration
	counterOverflow uint8
	counter       uint8

	consumers []SyncCounterField

	producerTimer dispatch.TimerHandle
	haveProducer  bool
	timeoutTimer  dispatch.TimerHandle
	haveTimeout   bool
	windowTimer   dispatch.TimerHandle
	haveWindow    bool

	receiver     dispatch.ReceiverHandle
	haveReceiver bool

	operational bool
}

// New builds a SYNC service from the 0x1005/0x1006/0x1007/0x1019 entries
// created by od.ObjectDictionary.AddSYNC.
func New(
	d *dispatch.Dispatcher,
	logger *slog.Logger,
	emcy *emergency.Producer,
	entry1005 *od.Entry,
	entry1006 *od.Entry,
	entry1007 *od.Entry,
	entry1019 *od.Entry,
) (*SYNC, error) {
	if d == nil || entry1005 == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &SYNC{d: d, logger: logger.With("service", "sync"), emcy: emcy,
		entry1005: entry1005, entry1006: entry1006, entry1007: entry1007, entry1019: entry1019}

	if err := s.loadCobId(); err != nil {
		return nil, err
	}
	if entry1006 != nil {
		periodUs, err := entry1006.Uint32(0)
		if err != nil {
			return nil, canopen.ErrOdParameters
		}
		s.cyclePeriod = time.Duration(periodUs) * time.Microsecond
		entry1006.AddExtension(s, od.ReadEntryDefault, writeEntry1006)
	}
	if entry1007 != nil {
		windowUs, err := entry1007.Uint32(0)
		if err == nil {
			s.windowLength = time.Duration(windowUs) * time.Microsecond
		}
		entry1007.AddExtension(s, od.ReadEntryDefault, writeEntry1007)
	}
	if entry1019 != nil {
		overflow, err := entry1019.Uint8(0)
		if err == nil && (overflow == 0 || overflow >= 2) {
			s.counterOverflow = overflow
		}
		entry1019.AddExtension(s, od.ReadEntryDefault, writeEntry1019)
	}
	entry1005.AddExtension(s, od.ReadEntryDefault, writeEntry1005)

	return s, nil
}

func (s *SYNC) loadCobId() error {
	raw, err := s.entry1005.Uint32(0)
	if err != nil {
		return canopen.ErrOdParameters
	}
	s.cobId = raw & 0x7FF
	s.isProducer = raw&0x40000000 != 0
	return nil
}

// AddConsumer registers a service to be notified via OnSync on every SYNC
// tick, in registration order.
func (s *SYNC) AddConsumer(c SyncCounterField) {
	s.consumers = append(s.consumers, c)
}

// SetOperational starts or stops production/consumption as NMT transitions
// in or out of Operational (SYNC runs in Operational and PreOperational
// per CiA 301 §7.2.5; callers pass true for either).
func (s *SYNC) SetOperational(operational bool) {
	s.operational = operational
	if operational {
		s.start()
	} else {
		s.stop()
	}
}

func (s *SYNC) start() {
	if !s.haveReceiver {
		s.receiver = s.d.RegisterReceiver(s.cobId, 0x7FF, false, 0, s.handle)
		s.haveReceiver = true
	}
	if s.isProducer {
		s.armProducer()
	} else {
		s.armTimeout()
	}
}

func (s *SYNC) stop() {
	if s.haveReceiver {
		s.d.DeregisterReceiver(s.receiver)
		s.haveReceiver = false
	}
	if s.haveProducer {
		s.d.DeregisterTimer(s.producerTimer)
		s.haveProducer = false
	}
	if s.haveTimeout {
		s.d.DeregisterTimer(s.timeoutTimer)
		s.haveTimeout = false
	}
	if s.haveWindow {
		s.d.DeregisterTimer(s.windowTimer)
		s.haveWindow = false
	}
}

func (s *SYNC) armProducer() {
	if s.cyclePeriod <= 0 {
		return
	}
	if s.haveProducer {
		s.d.DeregisterTimer(s.producerTimer)
	}
	period := s.cyclePeriod
	s.producerTimer = s.d.RegisterTimer(s.d.Now().Add(period), &period, s.onProducerDue)
	s.haveProducer = true
}

func (s *SYNC) onProducerDue(canopen.Timestamp) {
	s.send()
}

// armTimeout schedules the consumer-side SYNC-missing emergency, per CiA
// 301 §7.2.5.3.2 ("1.5x the expected cycle period").
func (s *SYNC) armTimeout() {
	if s.cyclePeriod <= 0 {
		return
	}
	if s.haveTimeout {
		s.d.DeregisterTimer(s.timeoutTimer)
	}
	timeout := s.cyclePeriod + s.cyclePeriod/2
	s.timeoutTimer = s.d.RegisterTimer(s.d.Now().Add(timeout), nil, s.onTimeout)
	s.haveTimeout = true
}

func (s *SYNC) onTimeout(canopen.Timestamp) {
	s.haveTimeout = false
	if s.emcy != nil {
		s.emcy.ErrorReport(emergency.EmSyncTimeOut, emergency.ErrCommunication, 0)
	}
}

func (s *SYNC) send() {
	length := uint8(0)
	if s.counterOverflow > 0 {
		length = 1
	}
	frame := canopen.New(s.cobId, 0, length)
	if length == 1 {
		frame.Data[0] = s.counter
	}
	if err := s.d.Send(frame); err != nil {
		s.logger.Warn("failed to send sync", "error", err)
		return
	}
	s.notifyConsumers(s.counter)
	s.advanceCounter()
}

func (s *SYNC) advanceCounter() {
	if s.counterOverflow > 0 {
		s.counter++
		if s.counter > s.counterOverflow {
			s.counter = 1
		}
	}
}

func (s *SYNC) notifyConsumers(counter uint8) {
	for _, c := range s.consumers {
		c.OnSync(counter)
	}
}

// handle is the dispatch.FrameHandler for received SYNC frames.
func (s *SYNC) handle(frame canopen.Frame) {
	if s.isProducer || !s.operational {
		return
	}
	expectedLen := uint8(0)
	if s.counterOverflow > 0 {
		expectedLen = 1
	}
	if frame.Length != expectedLen {
		if s.emcy != nil {
			s.emcy.ErrorReport(emergency.EmSyncLength, emergency.ErrSyncDataLength, uint32(frame.Length))
		}
		return
	}
	if s.emcy != nil {
		s.emcy.Error(false, emergency.EmSyncTimeOut, 0, 0)
	}

	counter := uint8(0)
	if expectedLen == 1 {
		counter = frame.Data[0]
	}
	s.notifyConsumers(counter)
	s.armTimeout()
	s.armWindow()
}

// armWindow starts the synchronous-window timer (CiA 301 §7.2.5.3.3). Its
// expiry only clears haveWindow: synchronous PDOs sent after the window are
// not suppressed and no error is raised.
func (s *SYNC) armWindow() {
	if s.windowLength <= 0 {
		return
	}
	if s.haveWindow {
		s.d.DeregisterTimer(s.windowTimer)
	}
	s.windowTimer = s.d.RegisterTimer(s.d.Now().Add(s.windowLength), nil, s.onWindowPassed)
	s.haveWindow = true
}

func (s *SYNC) onWindowPassed(canopen.Timestamp) {
	s.haveWindow = false
}

func writeEntry1005(stream *od.Stream, data []byte, countWritten *uint16) error {
	s, ok := stream.Object.(*SYNC)
	if !ok {
		return od.ErrDevIncompat
	}
	if len(data) != 4 {
		return od.ErrTypeMismatch
	}
	wasRunning := s.haveReceiver || s.haveProducer
	if wasRunning {
		s.stop()
	}
	raw := binary.LittleEndian.Uint32(data)
	s.cobId = raw & 0x7FF
	s.isProducer = raw&0x40000000 != 0
	if wasRunning {
		s.start()
	}
	return od.WriteEntryDefault(stream, data, countWritten)
}

func writeEntry1006(stream *od.Stream, data []byte, countWritten *uint16) error {
	s, ok := stream.Object.(*SYNC)
	if !ok {
		return od.ErrDevIncompat
	}
	if len(data) != 4 {
		return od.ErrTypeMismatch
	}
	periodUs := binary.LittleEndian.Uint32(data)
	s.cyclePeriod = time.Duration(periodUs) * time.Microsecond
	if s.operational {
		if s.isProducer {
			s.armProducer()
		} else {
			s.armTimeout()
		}
	}
	return od.WriteEntryDefault(stream, data, countWritten)
}

func writeEntry1007(stream *od.Stream, data []byte, countWritten *uint16) error {
	s, ok := stream.Object.(*SYNC)
	if !ok {
		return od.ErrDevIncompat
	}
	if len(data) != 4 {
		return od.ErrTypeMismatch
	}
	windowUs := binary.LittleEndian.Uint32(data)
	s.windowLength = time.Duration(windowUs) * time.Microsecond
	return od.WriteEntryDefault(stream, data, countWritten)
}

func writeEntry1019(stream *od.Stream, data []byte, countWritten *uint16) error {
	s, ok := stream.Object.(*SYNC)
	if !ok {
		return od.ErrDevIncompat
	}
	if len(data) != 1 {
		return od.ErrTypeMismatch
	}
	if s.cyclePeriod != 0 {
		return od.ErrDataDevState
	}
	overflow := data[0]
	if overflow == 1 || overflow > 240 {
		return od.ErrInvalidValue
	}
	s.counterOverflow = overflow
	return od.WriteEntryDefault(stream, data, countWritten)
}
