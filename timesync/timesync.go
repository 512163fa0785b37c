// Package timesync implements the CANopen TIME_OF_DAY service (CiA 301
// §7.2.6): a 6-byte wall-clock broadcast, produced periodically and/or
// consumed into the device's internal notion of time. Named timesync to
// avoid shadowing the standard library's time package. Grounded on the
// teacher's pkg/time, redriven by a dispatch.Dispatcher timer instead of
// time.AfterFunc.
package timesync

import (
	"encoding/binary"
	"log/slog"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/samsamfire/gocanopen-core/od"
)

// TimestampOrigin is the TIME_OF_DAY epoch (CiA 301 §7.2.6.1): days are
// counted from this date.
var TimestampOrigin = time.Date(1984, time.January, 1, 0, 0, 0, 0, time.UTC)

// TIME is the producer and consumer for one node's TIME_OF_DAY object.
type TIME struct {
	d      *dispatch.Dispatcher
	logger *slog.Logger

	entry1012 *od.Entry

	cobId      uint32
	isProducer bool
	isConsumer bool

	currentTime time.Time

	producerInterval time.Duration
	producerTimer    dispatch.TimerHandle
	haveTimer        bool

	receiver     dispatch.ReceiverHandle
	haveReceiver bool

	operational bool
}

// New builds a TIME service from entry1012 (CiA 301 §7.5.2.15: bit 31 clear
// means the COB-ID is valid, bit 30 set means this node produces).
// producerInterval sets the producer cadence; it has no corresponding
// standard OD entry (CiA 301 leaves the rate to the application).
func New(d *dispatch.Dispatcher, logger *slog.Logger, entry1012 *od.Entry, producerInterval time.Duration) (*TIME, error) {
	if d == nil || entry1012 == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &TIME{d: d, logger: logger.With("service", "time"), entry1012: entry1012, producerInterval: producerInterval, currentTime: TimestampOrigin}

	if err := t.loadConfig(); err != nil {
		return nil, err
	}
	entry1012.AddExtension(t, od.ReadEntryDefault, writeEntry1012)
	return t, nil
}

func (t *TIME) loadConfig() error {
	raw, err := t.entry1012.Uint32(0)
	if err != nil {
		return canopen.ErrOdParameters
	}
	valid := raw&0x80000000 == 0
	t.cobId = raw & 0x7FF
	t.isProducer = valid && raw&0x40000000 != 0
	t.isConsumer = valid
	return nil
}

// SetOperational starts or stops the producer timer and consumer reception
// as NMT transitions in or out of Operational/PreOperational.
func (t *TIME) SetOperational(operational bool) {
	t.operational = operational
	if operational {
		t.start()
	} else {
		t.stop()
	}
}

func (t *TIME) start() {
	if t.isConsumer && !t.haveReceiver {
		t.receiver = t.d.RegisterReceiver(t.cobId, 0x7FF, false, 0, t.handle)
		t.haveReceiver = true
	}
	if t.isProducer {
		t.armProducer()
	}
}

func (t *TIME) stop() {
	if t.haveReceiver {
		t.d.DeregisterReceiver(t.receiver)
		t.haveReceiver = false
	}
	if t.haveTimer {
		t.d.DeregisterTimer(t.producerTimer)
		t.haveTimer = false
	}
}

func (t *TIME) armProducer() {
	if t.producerInterval <= 0 {
		return
	}
	if t.haveTimer {
		t.d.DeregisterTimer(t.producerTimer)
	}
	period := t.producerInterval
	t.producerTimer = t.d.RegisterTimer(t.d.Now().Add(period), &period, t.onProducerDue)
	t.haveTimer = true
}

func (t *TIME) onProducerDue(canopen.Timestamp) {
	t.send()
}

func (t *TIME) send() {
	frame := canopen.New(t.cobId, 0, 6)
	encodeTimeOfDay(t.currentTime, frame.Data[:6])
	if err := t.d.Send(frame); err != nil {
		t.logger.Warn("failed to send time", "error", err)
	}
}

func (t *TIME) handle(frame canopen.Frame) {
	if !t.isConsumer || !t.operational || frame.Length != 6 {
		return
	}
	t.currentTime = decodeTimeOfDay(frame.Data[:6])
}

// SetTime overrides the device's internal notion of time, e.g. from a
// host-provided wall clock.
func (t *TIME) SetTime(now time.Time) { t.currentTime = now }

// Time returns the device's current internal notion of time.
func (t *TIME) Time() time.Time { return t.currentTime }

// SetProducerInterval changes the producer cadence, re-arming the timer if
// currently running.
func (t *TIME) SetProducerInterval(interval time.Duration) {
	t.producerInterval = interval
	if t.haveTimer {
		t.armProducer()
	}
}

// encodeTimeOfDay packs t into the 6-byte TIME_OF_DAY wire format (CiA 301
// §7.2.6.1): 4 bytes milliseconds-since-midnight (28 bits significant) then
// 2 bytes days-since-TimestampOrigin, both little-endian.
func encodeTimeOfDay(t time.Time, out []byte) {
	days := uint16(t.Sub(TimestampOrigin) / (24 * time.Hour))
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	ms := uint32(t.Sub(midnight).Milliseconds()) & 0x0FFFFFFF
	binary.LittleEndian.PutUint32(out[0:4], ms)
	binary.LittleEndian.PutUint16(out[4:6], days)
}

// decodeTimeOfDay reverses encodeTimeOfDay.
func decodeTimeOfDay(in []byte) time.Time {
	ms := binary.LittleEndian.Uint32(in[0:4]) & 0x0FFFFFFF
	days := binary.LittleEndian.Uint16(in[4:6])
	return TimestampOrigin.Add(time.Duration(days) * 24 * time.Hour).Add(time.Duration(ms) * time.Millisecond)
}

func writeEntry1012(stream *od.Stream, data []byte, countWritten *uint16) error {
	t, ok := stream.Object.(*TIME)
	if !ok {
		return od.ErrDevIncompat
	}
	if len(data) != 4 {
		return od.ErrTypeMismatch
	}
	wasRunning := t.haveReceiver || t.haveTimer
	if wasRunning {
		t.stop()
	}
	raw := binary.LittleEndian.Uint32(data)
	valid := raw&0x80000000 == 0
	t.cobId = raw & 0x7FF
	t.isProducer = valid && raw&0x40000000 != 0
	t.isConsumer = valid
	if wasRunning {
		t.start()
	}
	return od.WriteEntryDefault(stream, data, countWritten)
}
