package emergency

import (
	"testing"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/samsamfire/gocanopen-core/od"
	"github.com/stretchr/testify/require"
)

func newEmcyDict(t *testing.T) (entry1001, entry1014, entry1015, entry1003 *od.Entry) {
	t.Helper()
	dict := od.New(nil)

	var err error
	entry1001, err = dict.AddVariableType(od.EntryErrorRegister, "Error register", od.UNSIGNED8, od.AttributeSdoR, "0x0")
	require.NoError(t, err)
	entry1014, err = dict.AddVariableType(od.EntryCobIdEMCY, "COB-ID EMCY", od.UNSIGNED32, od.AttributeSdoRw, "0x80")
	require.NoError(t, err)
	entry1015, err = dict.AddVariableType(od.EntryInhibitTimeEMCY, "Inhibit time EMCY", od.UNSIGNED16, od.AttributeSdoRw, "0x0")
	require.NoError(t, err)

	list := od.NewRecord()
	_, err = list.AddSubObject(0, "Number of errors", od.UNSIGNED8, od.AttributeSdoR, "0")
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		_, err = list.AddSubObject(uint8(i), "Standard error field", od.UNSIGNED32, od.AttributeSdoR, "0")
		require.NoError(t, err)
	}
	entry1003 = dict.AddVariableList(od.EntryPredefinedErrorField, "Pre-defined error field", list)

	return entry1001, entry1014, entry1015, entry1003
}

func TestNewRejectsNodeIdOutOfRange(t *testing.T) {
	d := dispatch.New(nil)
	entry1001, entry1014, entry1015, entry1003 := newEmcyDict(t)
	_, err := New(d, nil, 0, entry1001, entry1014, entry1015, entry1003, nil)
	require.ErrorIs(t, err, canopen.ErrIllegalArgument)
}

func TestErrorReportSendsFrameAndSetsErrorRegister(t *testing.T) {
	d := dispatch.New(nil)
	var sent []canopen.Frame
	d.SetSendFunc(func(f canopen.Frame) error { sent = append(sent, f); return nil })

	entry1001, entry1014, entry1015, entry1003 := newEmcyDict(t)
	em, err := New(d, nil, 5, entry1001, entry1014, entry1015, entry1003, nil)
	require.NoError(t, err)

	em.ErrorReport(EmHeartbeatConsumer, ErrHeartbeat, 7)
	require.Len(t, sent, 1)
	require.Equal(t, uint32(0x80)+5, sent[0].ID)
	require.True(t, em.IsError(EmHeartbeatConsumer))
	require.NotEqual(t, byte(0), em.GetErrorRegister())
}

func TestErrorReportIsIdempotentWhileBitAlreadySet(t *testing.T) {
	d := dispatch.New(nil)
	var sent []canopen.Frame
	d.SetSendFunc(func(f canopen.Frame) error { sent = append(sent, f); return nil })

	entry1001, entry1014, entry1015, entry1003 := newEmcyDict(t)
	em, err := New(d, nil, 5, entry1001, entry1014, entry1015, entry1003, nil)
	require.NoError(t, err)

	em.ErrorReport(EmHeartbeatConsumer, ErrHeartbeat, 7)
	em.ErrorReport(EmHeartbeatConsumer, ErrHeartbeat, 7)
	require.Len(t, sent, 1, "reporting an already-set bit must not enqueue a second frame")
}

func TestErrorResetClearsTheBit(t *testing.T) {
	d := dispatch.New(nil)
	d.SetSendFunc(func(canopen.Frame) error { return nil })

	entry1001, entry1014, entry1015, entry1003 := newEmcyDict(t)
	em, err := New(d, nil, 5, entry1001, entry1014, entry1015, entry1003, nil)
	require.NoError(t, err)

	em.ErrorReport(EmHeartbeatConsumer, ErrHeartbeat, 7)
	em.ErrorReset(EmHeartbeatConsumer, 7)
	require.False(t, em.IsError(EmHeartbeatConsumer))
}

func TestInhibitTimePacesConsecutiveSends(t *testing.T) {
	d := dispatch.New(nil)
	var sent []canopen.Frame
	d.SetSendFunc(func(f canopen.Frame) error { sent = append(sent, f); return nil })

	entry1001, entry1014, entry1015, entry1003 := newEmcyDict(t)
	require.NoError(t, entry1015.PutUint16(0, 1000, true)) // 1000 * 100us = 100ms
	em, err := New(d, nil, 5, entry1001, entry1014, entry1015, entry1003, nil)
	require.NoError(t, err)

	em.ErrorReport(EmHeartbeatConsumer, ErrHeartbeat, 1)
	require.Len(t, sent, 1)

	em.ErrorReport(EmRPDOTimeOut, ErrRpdoTimeout, 2)
	require.Len(t, sent, 1, "a second report while the inhibit timer is running must queue, not send immediately")

	d.SetTime(canopen.Timestamp(100 * time.Millisecond))
	require.Len(t, sent, 2)
}

func TestHandleInvokesCallbackOnlyForFullLengthFrames(t *testing.T) {
	d := dispatch.New(nil)
	d.SetSendFunc(func(canopen.Frame) error { return nil })

	entry1001, entry1014, entry1015, entry1003 := newEmcyDict(t)
	em, err := New(d, nil, 5, entry1001, entry1014, entry1015, entry1003, nil)
	require.NoError(t, err)

	var gotIdent uint16
	var gotCode uint16
	em.SetCallback(func(ident uint16, errorCode uint16, errorRegister uint8, errorBit uint8, infoCode uint32) {
		gotIdent, gotCode = ident, errorCode
	})

	frame := canopen.New(0x88, 0, 8)
	frame.Data[0], frame.Data[1] = 0x30, 0x81 // ErrHeartbeat little-endian
	em.Handle(frame)
	require.Equal(t, uint16(0x88), gotIdent)
	require.Equal(t, ErrHeartbeat, gotCode)

	gotIdent = 0
	short := canopen.New(0x88, 0, 4)
	em.Handle(short)
	require.Equal(t, uint16(0), gotIdent, "a short frame must be ignored")
}

func TestLoggingOnlyProducerDoesNotPanicOnErrorReport(t *testing.T) {
	em := NewForLogging(nil)
	require.NotPanics(t, func() {
		em.ErrorReport(EmHeartbeatConsumer, ErrHeartbeat, 1)
		em.ErrorReset(EmHeartbeatConsumer, 1)
	})
	require.False(t, em.IsError(EmHeartbeatConsumer), "a bit reported and then reset reads back as clear")
}
