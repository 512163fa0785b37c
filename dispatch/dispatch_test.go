package dispatch

import (
	"testing"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiverMatchByMask(t *testing.T) {
	d := New(nil)
	var got []uint32
	d.RegisterReceiver(0x180, 0x7FF, false, 0, func(f canopen.Frame) {
		got = append(got, f.ID)
	})

	d.SubmitFrame(canopen.New(0x180, 0, 0))
	d.SubmitFrame(canopen.New(0x181, 0, 0)) // no match
	d.SubmitFrame(canopen.New(0x180, 0, 0))

	assert.Equal(t, []uint32{0x180, 0x180}, got)
}

func TestReceiverExtendedFlagMustAgree(t *testing.T) {
	d := New(nil)
	var gotStd, gotExt int
	d.RegisterReceiver(0x100, 0x7FF, false, 0, func(f canopen.Frame) { gotStd++ })
	d.RegisterReceiver(0x100, canopen.ExtendedIDMask, true, 0, func(f canopen.Frame) { gotExt++ })

	d.SubmitFrame(canopen.New(0x100, 0, 0))
	d.SubmitFrame(canopen.New(0x100, canopen.FlagIDE, 0))

	assert.Equal(t, 1, gotStd)
	assert.Equal(t, 1, gotExt)
}

func TestReceiversFireInPriorityOrder(t *testing.T) {
	d := New(nil)
	var order []string
	d.RegisterReceiver(0x200, 0x7FF, false, 5, func(f canopen.Frame) { order = append(order, "low-priority-number-5") })
	d.RegisterReceiver(0x200, 0x7FF, false, 1, func(f canopen.Frame) { order = append(order, "high-priority-number-1") })
	d.RegisterReceiver(0x200, 0x7FF, false, 1, func(f canopen.Frame) { order = append(order, "same-priority-second-registered") })

	d.SubmitFrame(canopen.New(0x200, 0, 0))

	assert.Equal(t, []string{
		"high-priority-number-1",
		"same-priority-second-registered",
		"low-priority-number-5",
	}, order)
}

func TestDeregisterReceiverStopsDelivery(t *testing.T) {
	d := New(nil)
	count := 0
	h := d.RegisterReceiver(0x300, 0x7FF, false, 0, func(f canopen.Frame) { count++ })
	d.SubmitFrame(canopen.New(0x300, 0, 0))
	d.DeregisterReceiver(h)
	d.SubmitFrame(canopen.New(0x300, 0, 0))
	assert.Equal(t, 1, count)
}

func TestReentrantRegistrationIsDeferred(t *testing.T) {
	d := New(nil)
	var secondFired bool
	d.RegisterReceiver(0x400, 0x7FF, false, 0, func(f canopen.Frame) {
		// Registering here must not affect this SubmitFrame pass.
		d.RegisterReceiver(0x400, 0x7FF, false, 0, func(f canopen.Frame) { secondFired = true })
	})

	d.SubmitFrame(canopen.New(0x400, 0, 0))
	require.False(t, secondFired, "receiver registered mid-dispatch must not see the same frame")

	d.SubmitFrame(canopen.New(0x400, 0, 0))
	assert.True(t, secondFired, "receiver registered mid-dispatch must be active for the next frame")
}

func TestTimerFiresAtDeadline(t *testing.T) {
	d := New(nil)
	fired := false
	var firedAt canopen.Timestamp
	d.RegisterTimer(canopen.Timestamp(100), nil, func(now canopen.Timestamp) {
		fired = true
		firedAt = now
	})

	d.SetTime(canopen.Timestamp(50))
	assert.False(t, fired)

	d.SetTime(canopen.Timestamp(100))
	assert.True(t, fired)
	assert.Equal(t, canopen.Timestamp(100), firedAt)
}

func TestTimersFireInDeadlineThenInsertionOrder(t *testing.T) {
	d := New(nil)
	var order []string
	d.RegisterTimer(canopen.Timestamp(200), nil, func(now canopen.Timestamp) { order = append(order, "later") })
	d.RegisterTimer(canopen.Timestamp(100), nil, func(now canopen.Timestamp) { order = append(order, "first-at-100") })
	d.RegisterTimer(canopen.Timestamp(100), nil, func(now canopen.Timestamp) { order = append(order, "second-at-100") })

	d.SetTime(canopen.Timestamp(1000))

	assert.Equal(t, []string{"first-at-100", "second-at-100", "later"}, order)
}

func TestPeriodicTimerReinserts(t *testing.T) {
	d := New(nil)
	count := 0
	period := 10 * time.Nanosecond
	d.RegisterTimer(canopen.Timestamp(10), &period, func(now canopen.Timestamp) { count++ })

	d.SetTime(canopen.Timestamp(10))
	d.SetTime(canopen.Timestamp(20))
	d.SetTime(canopen.Timestamp(35)) // skips ahead more than one period

	assert.Equal(t, 3, count)
}

func TestDeregisterTimerCancelsFiring(t *testing.T) {
	d := New(nil)
	fired := false
	h := d.RegisterTimer(canopen.Timestamp(50), nil, func(now canopen.Timestamp) { fired = true })
	d.DeregisterTimer(h)
	d.SetTime(canopen.Timestamp(100))
	assert.False(t, fired)
}

func TestNextTimerChangedNotification(t *testing.T) {
	d := New(nil)
	var notified []canopen.Timestamp
	d.SetNextTimerChangedFunc(func(ts canopen.Timestamp) { notified = append(notified, ts) })

	d.RegisterTimer(canopen.Timestamp(100), nil, func(now canopen.Timestamp) {})
	d.RegisterTimer(canopen.Timestamp(200), nil, func(now canopen.Timestamp) {})

	require.Len(t, notified, 1, "registering a later timer should not notify again")
	assert.Equal(t, canopen.Timestamp(100), notified[0])
}

func TestSendPropagatesBusError(t *testing.T) {
	d := New(nil)
	boom := assert.AnError
	d.SetSendFunc(func(f canopen.Frame) error { return boom })

	err := d.Send(canopen.New(0x1, 0, 0))
	require.Error(t, err)
	var busErr *canopen.BusError
	require.ErrorAs(t, err, &busErr)
	assert.Equal(t, boom, busErr.Unwrap())
}
