package pdo

import (
	"testing"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/samsamfire/gocanopen-core/od"
	"github.com/stretchr/testify/require"
)

// noopEmergency satisfies EmergencyReporter without asserting anything,
// for tests that don't exercise emergency reporting directly.
type noopEmergency struct {
	reported []reportedError
}

type reportedError struct {
	set  bool
	bit  uint8
	code uint16
	info uint32
}

func (e *noopEmergency) Error(setError bool, errorBit uint8, errorCode uint16, infoCode uint32) {
	e.reported = append(e.reported, reportedError{setError, errorBit, errorCode, infoCode})
}
func (e *noopEmergency) ErrorReport(errorBit uint8, errorCode uint16, infoCode uint32) {
	e.reported = append(e.reported, reportedError{true, errorBit, errorCode, infoCode})
}
func (e *noopEmergency) ErrorReset(errorBit uint8, infoCode uint32) {
	e.reported = append(e.reported, reportedError{false, errorBit, 0, infoCode})
}

func newTestDict(t *testing.T) *od.ObjectDictionary {
	t.Helper()
	dict := od.New(nil)
	_, err := dict.AddVariableType(0x2000, "producer value", od.UNSIGNED32, od.AttributeTrpdo, "0")
	require.NoError(t, err)
	require.NoError(t, dict.AddTPDO(1))
	require.NoError(t, dict.AddRPDO(1))
	return dict
}

func configureMapping(t *testing.T, dict *od.ObjectDictionary, mappingIndex uint16, nbMapped uint8, index uint16, subIndex uint8, lengthBits uint8) {
	t.Helper()
	entry := dict.Index(mappingIndex)
	require.NotNil(t, entry)
	for i := uint8(0); i < nbMapped; i++ {
		mapParam := uint32(index)<<16 | uint32(subIndex)<<8 | uint32(lengthBits)
		require.NoError(t, entry.PutUint32(i+1, mapParam, true))
	}
	require.NoError(t, entry.PutUint8(0, nbMapped, true))
}

func TestTPDOTransmitsOnSync(t *testing.T) {
	d := dispatch.New(nil)
	var sent []canopen.Frame
	d.SetSendFunc(func(f canopen.Frame) error {
		sent = append(sent, f)
		return nil
	})

	dict := newTestDict(t)
	configureMapping(t, dict, 0x1A00, 1, 0x2000, 0, 32)

	comm := dict.Index(0x1800)
	require.NoError(t, comm.PutUint32(od.SubPdoCobId, 0x180+5, true))
	require.NoError(t, comm.PutUint8(od.SubPdoTransmissionType, TransmissionTypeSync1, true))

	emcy := &noopEmergency{}
	tpdo, err := NewTPDO(d, nil, dict, emcy, comm, dict.Index(0x1A00), 0x180+5)
	require.NoError(t, err)
	require.True(t, tpdo.pdo.Valid)

	require.NoError(t, dict.Index(0x2000).PutUint32(0, 0xCAFEBABE, false))

	tpdo.OnSync(1)
	require.Len(t, sent, 1)
	require.Equal(t, uint32(0x185), sent[0].ID)
	require.Equal(t, []byte{0xBE, 0xBA, 0xFE, 0xCA}, sent[0].Payload())
}

func TestRPDOReceivesAsynchronously(t *testing.T) {
	d := dispatch.New(nil)
	dict := newTestDict(t)
	configureMapping(t, dict, 0x1600, 1, 0x2000, 0, 32)

	comm := dict.Index(0x1400)
	require.NoError(t, comm.PutUint32(od.SubPdoCobId, 0x200+5, true))
	require.NoError(t, comm.PutUint8(od.SubPdoTransmissionType, TransmissionTypeSyncEventHi, true))

	emcy := &noopEmergency{}
	rpdo, err := NewRPDO(d, nil, dict, emcy, comm, dict.Index(0x1600), 0x200+5)
	require.NoError(t, err)
	require.True(t, rpdo.pdo.Valid)
	require.False(t, rpdo.synchronous)
	rpdo.SetOperational(true)

	frame := canopen.New(0x205, 0, 4)
	frame.Data[0], frame.Data[1], frame.Data[2], frame.Data[3] = 0x78, 0x56, 0x34, 0x12
	d.SubmitFrame(frame)

	value, err := dict.Index(0x2000).Uint32(0)
	require.NoError(t, err)
	require.Equal(t, uint32(0x12345678), value)
}

func TestRPDOBuffersUntilSyncWhenSynchronous(t *testing.T) {
	d := dispatch.New(nil)
	dict := newTestDict(t)
	configureMapping(t, dict, 0x1600, 1, 0x2000, 0, 32)

	comm := dict.Index(0x1400)
	require.NoError(t, comm.PutUint32(od.SubPdoCobId, 0x200+5, true))
	require.NoError(t, comm.PutUint8(od.SubPdoTransmissionType, TransmissionTypeSync1, true))

	emcy := &noopEmergency{}
	rpdo, err := NewRPDO(d, nil, dict, emcy, comm, dict.Index(0x1600), 0x200+5)
	require.NoError(t, err)
	require.True(t, rpdo.synchronous)
	rpdo.SetOperational(true)

	frame := canopen.New(0x205, 0, 4)
	frame.Data[0], frame.Data[1], frame.Data[2], frame.Data[3] = 0x11, 0x22, 0x33, 0x44
	d.SubmitFrame(frame)

	value, err := dict.Index(0x2000).Uint32(0)
	require.NoError(t, err)
	require.Equal(t, uint32(0), value, "synchronous RPDO must not apply data before the next SYNC")

	rpdo.OnSync(0)
	value, err = dict.Index(0x2000).Uint32(0)
	require.NoError(t, err)
	require.Equal(t, uint32(0x44332211), value)
}

func TestConfigureMapRejectsOversizedMapping(t *testing.T) {
	dict := newTestDict(t)
	erroneous := uint32(0)
	pdo, err := NewPDO(dict, nil, dict.Index(0x1A00), false, &noopEmergency{}, &erroneous)
	require.NoError(t, err)
	err = pdo.configureMap(uint32(0x2000)<<16|0<<8|72, 0, false) // 9 bytes, exceeds MaxPDOLength
	require.ErrorIs(t, err, od.ErrMapLen)
}
