package timesync

import (
	"testing"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/samsamfire/gocanopen-core/od"
	"github.com/stretchr/testify/require"
)

func newEntry1012(t *testing.T, raw uint32) *od.Entry {
	t.Helper()
	dict := od.New(nil)
	entry, err := dict.AddVariableType(0x1012, "COB-ID TIME", od.UNSIGNED32, od.AttributeSdoRw, "0x0")
	require.NoError(t, err)
	require.NoError(t, entry.PutUint32(0, raw, true))
	return entry
}

func TestEncodeDecodeTimeOfDayRoundTrips(t *testing.T) {
	original := TimestampOrigin.Add(3*24*time.Hour + 2*time.Hour + 30*time.Minute + 15*time.Second + 250*time.Millisecond)
	var buf [6]byte
	encodeTimeOfDay(original, buf[:])
	got := decodeTimeOfDay(buf[:])
	require.True(t, original.Equal(got), "expected %v, got %v", original, got)
}

func TestNewRejectsNilArguments(t *testing.T) {
	d := dispatch.New(nil)
	_, err := New(d, nil, nil, 0)
	require.ErrorIs(t, err, canopen.ErrIllegalArgument)

	entry := newEntry1012(t, 0x100)
	_, err = New(nil, nil, entry, 0)
	require.ErrorIs(t, err, canopen.ErrIllegalArgument)
}

func TestProducerSendsOnConfiguredInterval(t *testing.T) {
	d := dispatch.New(nil)
	var sent []canopen.Frame
	d.SetSendFunc(func(f canopen.Frame) error { sent = append(sent, f); return nil })

	entry := newEntry1012(t, 0x40000100) // bit30 set: producer, cob-id 0x100
	tm, err := New(d, nil, entry, 50*time.Millisecond)
	require.NoError(t, err)
	tm.SetOperational(true)

	d.SetTime(canopen.Timestamp(50 * time.Millisecond))
	require.Len(t, sent, 1)
	require.Equal(t, uint32(0x100), sent[0].ID)
	require.Equal(t, uint8(6), sent[0].Length)

	d.SetTime(canopen.Timestamp(100 * time.Millisecond))
	require.Len(t, sent, 2)
}

func TestConsumerUpdatesCurrentTimeFromReceivedFrame(t *testing.T) {
	d := dispatch.New(nil)
	d.SetSendFunc(func(canopen.Frame) error { return nil })

	entry := newEntry1012(t, 0x100) // bit30 clear: consumer only
	tm, err := New(d, nil, entry, 0)
	require.NoError(t, err)
	tm.SetOperational(true)

	wire := TimestampOrigin.Add(10*24*time.Hour + time.Hour)
	var buf [6]byte
	encodeTimeOfDay(wire, buf[:])
	frame := canopen.New(0x100, 0, 6)
	copy(frame.Data[:6], buf[:])
	d.SubmitFrame(frame)

	require.True(t, wire.Equal(tm.Time()))
}

func TestConsumerIgnoresFramesWhileNotOperational(t *testing.T) {
	d := dispatch.New(nil)
	d.SetSendFunc(func(canopen.Frame) error { return nil })

	entry := newEntry1012(t, 0x100)
	tm, err := New(d, nil, entry, 0)
	require.NoError(t, err)
	before := tm.Time()

	wire := TimestampOrigin.Add(24 * time.Hour)
	var buf [6]byte
	encodeTimeOfDay(wire, buf[:])
	frame := canopen.New(0x100, 0, 6)
	copy(frame.Data[:6], buf[:])
	d.SubmitFrame(frame)

	require.True(t, before.Equal(tm.Time()), "a consumer that was never started must not react to frames")
}

func TestSetTimeOverridesCurrentTime(t *testing.T) {
	d := dispatch.New(nil)
	entry := newEntry1012(t, 0x100)
	tm, err := New(d, nil, entry, 0)
	require.NoError(t, err)

	now := TimestampOrigin.Add(5 * 24 * time.Hour)
	tm.SetTime(now)
	require.True(t, now.Equal(tm.Time()))
}

func TestSetOperationalFalseStopsProducerTimer(t *testing.T) {
	d := dispatch.New(nil)
	var sent []canopen.Frame
	d.SetSendFunc(func(f canopen.Frame) error { sent = append(sent, f); return nil })

	entry := newEntry1012(t, 0x40000100)
	tm, err := New(d, nil, entry, 20*time.Millisecond)
	require.NoError(t, err)
	tm.SetOperational(true)
	tm.SetOperational(false)

	d.SetTime(canopen.Timestamp(100 * time.Millisecond))
	require.Empty(t, sent, "SetOperational(false) must stop the producer timer")
}

func TestSetProducerIntervalRearmsRunningTimer(t *testing.T) {
	d := dispatch.New(nil)
	var sent []canopen.Frame
	d.SetSendFunc(func(f canopen.Frame) error { sent = append(sent, f); return nil })

	entry := newEntry1012(t, 0x40000100)
	tm, err := New(d, nil, entry, 100*time.Millisecond)
	require.NoError(t, err)
	tm.SetOperational(true)

	tm.SetProducerInterval(10 * time.Millisecond)
	d.SetTime(canopen.Timestamp(10 * time.Millisecond))
	require.Len(t, sent, 1, "the shorter interval must apply immediately, not after the stale 100ms deadline")
}

func TestWriteEntry1012SwitchesRoleWhileRunning(t *testing.T) {
	d := dispatch.New(nil)
	var sent []canopen.Frame
	d.SetSendFunc(func(f canopen.Frame) error { sent = append(sent, f); return nil })

	entry := newEntry1012(t, 0x100) // starts as consumer only
	tm, err := New(d, nil, entry, 10*time.Millisecond)
	require.NoError(t, err)
	tm.SetOperational(true)

	d.SetTime(canopen.Timestamp(10 * time.Millisecond))
	require.Empty(t, sent, "consumer-only role must not produce")

	require.NoError(t, entry.PutUint32(0, 0x40000100, false)) // flip bit30 through the extension: now producer
	d.SetTime(canopen.Timestamp(20 * time.Millisecond))
	require.Len(t, sent, 1, "switching to producer role while running must re-arm the timer")
}

func TestWriteEntry1012RejectsWrongLength(t *testing.T) {
	d := dispatch.New(nil)
	entry := newEntry1012(t, 0x100)
	_, err := New(d, nil, entry, 0)
	require.NoError(t, err)

	err = entry.WriteExactly(0, []byte{0x01, 0x02}, false)
	require.ErrorIs(t, err, od.ErrTypeMismatch)
}
