package nmt

import (
	"testing"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/samsamfire/gocanopen-core/emergency"
	"github.com/samsamfire/gocanopen-core/od"
	"github.com/stretchr/testify/require"
)

func newEntry1016(t *testing.T, entries ...[2]uint32) (*od.ObjectDictionary, *od.Entry) {
	t.Helper()
	dict := od.New(nil)
	list := od.NewRecord()
	_, err := list.AddSubObject(0, "Number of entries", od.UNSIGNED8, od.AttributeSdoR, "0")
	require.NoError(t, err)
	for i := range entries {
		_, err := list.AddSubObject(uint8(i+1), "Consumer heartbeat time", od.UNSIGNED32, od.AttributeSdoRw, "0x0")
		require.NoError(t, err)
	}
	entry := dict.AddVariableList(od.EntryConsumerHeartbeatTime, "Consumer heartbeat time", list)
	require.NoError(t, entry.PutUint8(0, uint8(len(entries)+1), true))
	for i, e := range entries {
		nodeId, periodMs := e[0], e[1]
		value := nodeId<<16 | periodMs
		require.NoError(t, entry.PutUint32(uint8(i+1), value, true))
	}
	return dict, entry
}

func heartbeatFrame(nodeId uint8, state uint8) canopen.Frame {
	frame := canopen.New(0x700+uint32(nodeId), 0, 1)
	frame.Data[0] = state
	return frame
}

func TestErrorControlRegistersOnlyConfiguredEntries(t *testing.T) {
	d := dispatch.New(nil)
	_, entry1016 := newEntry1016(t, [2]uint32{7, 200})
	ec, err := NewErrorControl(d, nil, emergency.NewForLogging(nil), entry1016)
	require.NoError(t, err)
	ec.Start()

	var events []uint8
	ec.OnEvent(func(event uint8, index, nodeId, nmtState uint8) { events = append(events, event) })

	d.SubmitFrame(heartbeatFrame(7, StateOperational))
	require.Equal(t, []uint8{EventStarted}, events)

	// A frame from an unmonitored node must not be picked up.
	d.SubmitFrame(heartbeatFrame(8, StateOperational))
	require.Equal(t, []uint8{EventStarted}, events)
}

func TestErrorControlReportsTimeoutAfterMissedHeartbeat(t *testing.T) {
	d := dispatch.New(nil)
	_, entry1016 := newEntry1016(t, [2]uint32{7, 100})
	emcy := emergency.NewForLogging(nil)
	ec, err := NewErrorControl(d, nil, emcy, entry1016)
	require.NoError(t, err)
	ec.Start()

	var events []uint8
	ec.OnEvent(func(event uint8, index, nodeId, nmtState uint8) { events = append(events, event) })

	d.SubmitFrame(heartbeatFrame(7, StateOperational))
	d.SetTime(canopen.Timestamp(100 * time.Millisecond))
	require.Equal(t, []uint8{EventStarted, EventTimeout}, events)
}

func TestErrorControlHeartbeatResetsTimeoutWindow(t *testing.T) {
	d := dispatch.New(nil)
	_, entry1016 := newEntry1016(t, [2]uint32{7, 100})
	ec, err := NewErrorControl(d, nil, emergency.NewForLogging(nil), entry1016)
	require.NoError(t, err)
	ec.Start()

	var events []uint8
	ec.OnEvent(func(event uint8, index, nodeId, nmtState uint8) { events = append(events, event) })

	d.SubmitFrame(heartbeatFrame(7, StateOperational))
	d.SetTime(canopen.Timestamp(80 * time.Millisecond))
	d.SubmitFrame(heartbeatFrame(7, StateOperational))
	d.SetTime(canopen.Timestamp(160 * time.Millisecond))
	require.Equal(t, []uint8{EventStarted}, events, "a heartbeat before the deadline must push the timeout back")
}

func TestOnHeartbeatFiresOnEveryBeatRegardlessOfStateChange(t *testing.T) {
	d := dispatch.New(nil)
	_, entry1016 := newEntry1016(t, [2]uint32{7, 100})
	ec, err := NewErrorControl(d, nil, emergency.NewForLogging(nil), entry1016)
	require.NoError(t, err)
	ec.Start()

	var beats int
	ec.OnHeartbeat(func(nodeId uint8) {
		require.Equal(t, uint8(7), nodeId)
		beats++
	})

	d.SubmitFrame(heartbeatFrame(7, StateOperational))
	d.SubmitFrame(heartbeatFrame(7, StateOperational))
	require.Equal(t, 2, beats)
}

func TestStopHaltsMonitoringWithoutDiscardingConfiguration(t *testing.T) {
	d := dispatch.New(nil)
	_, entry1016 := newEntry1016(t, [2]uint32{7, 100})
	ec, err := NewErrorControl(d, nil, emergency.NewForLogging(nil), entry1016)
	require.NoError(t, err)
	ec.Start()
	ec.Stop()

	var events []uint8
	ec.OnEvent(func(event uint8, index, nodeId, nmtState uint8) { events = append(events, event) })

	d.SubmitFrame(heartbeatFrame(7, StateOperational))
	require.Empty(t, events, "Stop must deregister the heartbeat receiver")

	ec.Start()
	d.SubmitFrame(heartbeatFrame(7, StateOperational))
	require.Equal(t, []uint8{EventStarted}, events, "Start must reinstate monitoring using the same configuration")
}

func TestOnStateChangeStartsAndStopsOnlyOnTransitionIntoOrOutOfMonitoredStates(t *testing.T) {
	d := dispatch.New(nil)
	_, entry1016 := newEntry1016(t, [2]uint32{7, 100})
	ec, err := NewErrorControl(d, nil, emergency.NewForLogging(nil), entry1016)
	require.NoError(t, err)

	var events []uint8
	ec.OnEvent(func(event uint8, index, nodeId, nmtState uint8) { events = append(events, event) })

	ec.OnStateChange(StatePreOperational)
	d.SubmitFrame(heartbeatFrame(7, StateOperational))
	require.Equal(t, []uint8{EventStarted}, events, "PreOperational must already be monitored")

	ec.OnStateChange(StateStopped)
	d.SubmitFrame(heartbeatFrame(7, StateOperational))
	require.Len(t, events, 1, "Stopped must halt monitoring")
}

func TestUpdateConsumerEntryRejectsDuplicateNodeId(t *testing.T) {
	d := dispatch.New(nil)
	_, entry1016 := newEntry1016(t, [2]uint32{7, 100}, [2]uint32{9, 100})
	ec, err := NewErrorControl(d, nil, emergency.NewForLogging(nil), entry1016)
	require.NoError(t, err)

	err = ec.updateConsumerEntry(2, 7, 100)
	require.ErrorIs(t, err, od.ErrInvalidValue)
}

func TestNodeGuardingTimesOutWithoutResponse(t *testing.T) {
	d := dispatch.New(nil)
	var sent []canopen.Frame
	d.SetSendFunc(func(f canopen.Frame) error { sent = append(sent, f); return nil })

	ec, err := NewErrorControl(d, nil, emergency.NewForLogging(nil), nil)
	require.NoError(t, err)
	ec.AddNodeGuardingEntry(7, 50*time.Millisecond, 2)
	ec.Start()

	var events []uint8
	ec.OnEvent(func(event uint8, index, nodeId, nmtState uint8) { events = append(events, event) })

	d.SetTime(canopen.Timestamp(50 * time.Millisecond))
	require.Len(t, sent, 1, "guard poll must send an RTR frame")
	require.Equal(t, canopen.FlagRTR, sent[0].Flags)

	d.SetTime(canopen.Timestamp(150 * time.Millisecond))
	require.Equal(t, []uint8{EventTimeout}, events)
}

func TestNodeGuardingResponseStartsMonitoring(t *testing.T) {
	d := dispatch.New(nil)
	d.SetSendFunc(func(canopen.Frame) error { return nil })

	ec, err := NewErrorControl(d, nil, emergency.NewForLogging(nil), nil)
	require.NoError(t, err)
	ec.AddNodeGuardingEntry(7, 50*time.Millisecond, 2)
	ec.Start()

	var events []uint8
	ec.OnEvent(func(event uint8, index, nodeId, nmtState uint8) { events = append(events, event) })

	d.SetTime(canopen.Timestamp(50 * time.Millisecond))
	d.SubmitFrame(heartbeatFrame(7, StateOperational))
	require.Equal(t, []uint8{EventStarted}, events)

	d.SetTime(canopen.Timestamp(150 * time.Millisecond))
	require.Equal(t, []uint8{EventStarted}, events, "an answered guard poll must cancel its lifetime timeout")
}
