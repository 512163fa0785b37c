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

func newEntry1017(t *testing.T, periodMs uint16) *od.Entry {
	t.Helper()
	dict := od.New(nil)
	entry, err := dict.AddVariableType(0x1017, "Producer heartbeat time", od.UNSIGNED16, od.AttributeSdoRw, "0")
	require.NoError(t, err)
	require.NoError(t, entry.PutUint16(0, periodMs, true))
	return entry
}

func commandFrame(cmd Command, target uint8) canopen.Frame {
	frame := canopen.New(0, 0, 2)
	frame.Data[0] = byte(cmd)
	frame.Data[1] = target
	return frame
}

func TestEnterBootGoesPreOperationalByDefault(t *testing.T) {
	d := dispatch.New(nil)
	d.SetSendFunc(func(canopen.Frame) error { return nil })
	n, err := New(d, nil, emergency.NewForLogging(nil), 5, 0, 0, 0, 0, 0, nil)
	require.NoError(t, err)
	n.Start()
	n.EnterBoot()
	require.Equal(t, StatePreOperational, n.State())
}

func TestEnterBootGoesOperationalWhenStartupFlagSet(t *testing.T) {
	d := dispatch.New(nil)
	d.SetSendFunc(func(canopen.Frame) error { return nil })
	n, err := New(d, nil, emergency.NewForLogging(nil), 5, StartupToOperational, 0, 0, 0, 0, nil)
	require.NoError(t, err)
	n.Start()
	n.EnterBoot()
	require.Equal(t, StateOperational, n.State())
}

func TestProcessCommandIgnoresFrameAddressedToAnotherNode(t *testing.T) {
	d := dispatch.New(nil)
	d.SetSendFunc(func(canopen.Frame) error { return nil })
	n, err := New(d, nil, emergency.NewForLogging(nil), 5, 0, 0, 0, 0, 0, nil)
	require.NoError(t, err)
	n.Start()
	n.EnterBoot()

	d.SubmitFrame(commandFrame(CommandEnterOperational, 9))
	require.Equal(t, StatePreOperational, n.State())

	d.SubmitFrame(commandFrame(CommandEnterOperational, 5))
	require.Equal(t, StateOperational, n.State())
}

func TestProcessCommandAcceptsBroadcast(t *testing.T) {
	d := dispatch.New(nil)
	d.SetSendFunc(func(canopen.Frame) error { return nil })
	n, err := New(d, nil, emergency.NewForLogging(nil), 5, 0, 0, 0, 0, 0, nil)
	require.NoError(t, err)
	n.Start()
	n.EnterBoot()

	d.SubmitFrame(commandFrame(CommandEnterStopped, 0))
	require.Equal(t, StateStopped, n.State())
}

func TestResetNodeInvokesResetCallbackInsteadOfTransitioning(t *testing.T) {
	d := dispatch.New(nil)
	d.SetSendFunc(func(canopen.Frame) error { return nil })
	n, err := New(d, nil, emergency.NewForLogging(nil), 5, 0, 0, 0, 0, 0, nil)
	require.NoError(t, err)
	n.Start()
	n.EnterBoot()

	var gotKind ResetKind
	n.SetResetCallback(func(kind ResetKind) { gotKind = kind })

	d.SubmitFrame(commandFrame(CommandResetCommunication, 5))
	require.Equal(t, ResetComm, gotKind)
	require.Equal(t, StateOperational, n.State(), "the callback owns the transition, state must be untouched")
}

func TestStateChangeCallbackFiresOnEveryTransition(t *testing.T) {
	d := dispatch.New(nil)
	d.SetSendFunc(func(canopen.Frame) error { return nil })
	n, err := New(d, nil, emergency.NewForLogging(nil), 5, 0, 0, 0, 0, 0, nil)
	require.NoError(t, err)
	n.Start()

	var seen []State
	n.AddStateChangeCallback(func(s State) { seen = append(seen, s) })

	n.EnterBoot()
	d.SubmitFrame(commandFrame(CommandEnterStopped, 5))
	require.Equal(t, []State{StatePreOperational, StateStopped}, seen)
}

func TestHeartbeatProducerFiresOnConfiguredPeriod(t *testing.T) {
	d := dispatch.New(nil)
	var sent []canopen.Frame
	d.SetSendFunc(func(f canopen.Frame) error { sent = append(sent, f); return nil })

	entry1017 := newEntry1017(t, 100)
	n, err := New(d, nil, emergency.NewForLogging(nil), 5, 0, 0, 0, 0, 0, entry1017)
	require.NoError(t, err)
	n.Start()
	require.Len(t, sent, 1, "Start sends the initial heartbeat immediately")

	d.SetTime(canopen.Timestamp(100 * time.Millisecond))
	require.Len(t, sent, 2)
	require.Equal(t, uint32(0x705), sent[1].ID&0x7FF)
	require.Equal(t, StateInitializing, State(sent[1].Data[0]))
}

func TestFirstHeartbeatTimeOverridesOnlyTheInitialPeriod(t *testing.T) {
	d := dispatch.New(nil)
	var sent []canopen.Frame
	d.SetSendFunc(func(f canopen.Frame) error { sent = append(sent, f); return nil })

	entry1017 := newEntry1017(t, 1000)
	n, err := New(d, nil, emergency.NewForLogging(nil), 5, 0, 20*time.Millisecond, 0, 0, 0, entry1017)
	require.NoError(t, err)
	n.Start()
	require.Len(t, sent, 1)

	d.SetTime(canopen.Timestamp(20 * time.Millisecond))
	require.Len(t, sent, 2, "first heartbeat period override must apply")
}

func TestStopDeregistersReceiverAndTimer(t *testing.T) {
	d := dispatch.New(nil)
	var sent []canopen.Frame
	d.SetSendFunc(func(f canopen.Frame) error { sent = append(sent, f); return nil })

	entry1017 := newEntry1017(t, 100)
	n, err := New(d, nil, emergency.NewForLogging(nil), 5, 0, 0, 0, 0, 0, entry1017)
	require.NoError(t, err)
	n.Start()
	n.Stop()

	d.SubmitFrame(commandFrame(CommandEnterOperational, 5))
	require.Equal(t, StateInitializing, n.State(), "a stopped NMT must not react to command frames")

	d.SetTime(canopen.Timestamp(time.Second))
	require.Len(t, sent, 1, "a stopped NMT must not keep producing heartbeats")
}

func TestUnsupportedCommandReportsEmergency(t *testing.T) {
	d := dispatch.New(nil)
	d.SetSendFunc(func(canopen.Frame) error { return nil })
	n, err := New(d, nil, emergency.NewForLogging(nil), 5, 0, 0, 0, 0, 0, nil)
	require.NoError(t, err)
	n.Start()

	require.NotPanics(t, func() {
		d.SubmitFrame(commandFrame(Command(0x55), 5))
	})
	require.Equal(t, StateInitializing, n.State())
}
