package device

import (
	"testing"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/config"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/samsamfire/gocanopen-core/lss"
	"github.com/samsamfire/gocanopen-core/nmt"
	"github.com/samsamfire/gocanopen-core/od"
	"github.com/samsamfire/gocanopen-core/redundancy"
	"github.com/stretchr/testify/require"
)

// addConsumerHeartbeatEntry installs a 0x1016 record monitoring nodeId every
// periodMs, the layout nmt.NewErrorControl expects (nodeId in bits 16-23,
// period in bits 0-15 of each UNSIGNED32 sub-entry).
func addConsumerHeartbeatEntry(t *testing.T, dict *od.ObjectDictionary, nodeId uint8, periodMs uint16) {
	t.Helper()
	list := od.NewRecord()
	_, err := list.AddSubObject(0, "Number of entries", od.UNSIGNED8, od.AttributeSdoR, "1")
	require.NoError(t, err)
	_, err = list.AddSubObject(1, "Consumer heartbeat time", od.UNSIGNED32, od.AttributeSdoRw, "0x0")
	require.NoError(t, err)
	entry := dict.AddVariableList(od.EntryConsumerHeartbeatTime, "Consumer heartbeat time", list)
	value := uint32(nodeId)<<16 | uint32(periodMs)
	require.NoError(t, entry.PutUint32(1, value, true))
}

func enterOperational(t *testing.T, d *dispatch.Dispatcher, nodeId uint8) {
	t.Helper()
	frame := canopen.New(0, 0, 2)
	frame.Data[0] = byte(nmt.CommandEnterOperational)
	frame.Data[1] = nodeId
	d.SubmitFrame(frame)
}

func TestNewBringsDeviceToPreOperationalByDefault(t *testing.T) {
	d := dispatch.New(nil)
	d.SetSendFunc(func(canopen.Frame) error { return nil })
	dict := od.New(nil)

	dev, err := New(d, nil, dict, 5, config.Identity{}, Options{})
	require.NoError(t, err)
	require.Equal(t, nmt.StatePreOperational, dev.NMT().State())
}

func TestRPDOOnlyReceivesOnceOperational(t *testing.T) {
	d := dispatch.New(nil)
	d.SetSendFunc(func(canopen.Frame) error { return nil })
	dict := od.New(nil)

	_, err := dict.AddVariableType(0x2000, "mapped value", od.UNSIGNED32, od.AttributeTrpdo, "0")
	require.NoError(t, err)
	require.NoError(t, dict.AddRPDO(1))

	comm := dict.Index(0x1400)
	require.NoError(t, comm.PutUint32(od.SubPdoCobId, 0x205, true))
	require.NoError(t, comm.PutUint8(od.SubPdoTransmissionType, 0xFF, true))

	mapping := dict.Index(0x1600)
	require.NoError(t, mapping.PutUint32(1, uint32(0x2000)<<16|0<<8|32, true))
	require.NoError(t, mapping.PutUint8(0, 1, true))

	dev, err := New(d, nil, dict, 5, config.Identity{}, Options{})
	require.NoError(t, err)
	require.Len(t, dev.rpdos, 1)

	frame := canopen.New(0x205, 0, 4)
	frame.Data[0], frame.Data[1], frame.Data[2], frame.Data[3] = 0x78, 0x56, 0x34, 0x12
	d.SubmitFrame(frame)

	value, err := dict.Index(0x2000).Uint32(0)
	require.NoError(t, err)
	require.Equal(t, uint32(0), value, "RPDO must stay inactive before the node enters Operational")

	enterOperational(t, d, 5)
	require.Equal(t, nmt.StateOperational, dev.NMT().State())

	d.SubmitFrame(frame)
	value, err = dict.Index(0x2000).Uint32(0)
	require.NoError(t, err)
	require.Equal(t, uint32(0x12345678), value)
}

func TestResetRebuildsServicesAndPicksUpPendingNodeId(t *testing.T) {
	d := dispatch.New(nil)
	d.SetSendFunc(func(canopen.Frame) error { return nil })
	dict := od.New(nil)

	dev, err := New(d, nil, dict, 5, config.Identity{}, Options{})
	require.NoError(t, err)

	firstNMT := dev.NMT()

	global := canopen.New(lss.ServiceMasterId, 0, 8)
	global.Data[0] = byte(lss.CmdSwitchStateGlobal)
	global.Data[1] = byte(lss.ModeConfiguration)
	d.SubmitFrame(global)

	configure := canopen.New(lss.ServiceMasterId, 0, 8)
	configure.Data[0] = byte(lss.CmdConfigureNodeId)
	configure.Data[1] = 9
	d.SubmitFrame(configure)

	require.Equal(t, uint8(9), dev.lssSlave.PendingNodeId())

	dev.Reset(nmt.ResetComm)

	require.NotSame(t, firstNMT, dev.NMT(), "reset must rebuild the nmt instance")
	require.Equal(t, uint8(9), dev.NodeId())
	require.Equal(t, nmt.StatePreOperational, dev.NMT().State())
}

func TestCloseTearsDownEmptyDeviceWithoutPanicking(t *testing.T) {
	d := dispatch.New(nil)
	d.SetSendFunc(func(canopen.Frame) error { return nil })
	dict := od.New(nil)

	dev, err := New(d, nil, dict, 1, config.Identity{}, Options{})
	require.NoError(t, err)
	require.NotPanics(t, dev.Close)
}

func TestRedundancyManagerDoesNotToggleOnMasterHeartbeat(t *testing.T) {
	d := dispatch.New(nil)
	d.SetSendFunc(func(canopen.Frame) error { return nil })
	dict := od.New(nil)

	_, err := redundancy.AddConfigEntry(dict, redundancy.BusA, 2, 3)
	require.NoError(t, err)

	const masterId = 10
	addConsumerHeartbeatEntry(t, dict, masterId, 200)

	opts := Options{RedundancyMasterNodeId: masterId, RedundancyMasterHbPeriod: 100}
	dev, err := New(d, nil, dict, 5, config.Identity{}, opts)
	require.NoError(t, err)
	require.NotNil(t, dev.Redundancy())

	var switched []redundancy.Bus
	dev.Redundancy().OnSwitch(func(b redundancy.Bus) { switched = append(switched, b) })

	enterOperational(t, d, 5)

	beat := canopen.New(0x700+masterId, 0, 1)
	beat.Data[0] = nmt.StateOperational
	d.SubmitFrame(beat)

	require.Empty(t, switched, "a heard heartbeat must not trigger a bus toggle")
	require.Equal(t, redundancy.BusA, dev.Redundancy().Active())
}
