package lss

import (
	"testing"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/config"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/stretchr/testify/require"
)

// newLoopback wires a single Dispatcher as its own bus, the same pattern
// sdo's own tests use to exchange frames synchronously within one call stack.
func newLoopback() *dispatch.Dispatcher {
	d := dispatch.New(nil)
	d.SetSendFunc(func(f canopen.Frame) error {
		d.SubmitFrame(f)
		return nil
	})
	return d
}

var testIdentity = config.Identity{
	VendorId:       0x11,
	ProductCode:    0x22,
	RevisionNumber: 0x33,
	SerialNumber:   0x44,
}

func TestSwitchStateSelectiveAddressesExactlyOneSlave(t *testing.T) {
	d := newLoopback()
	slave, err := NewSlave(d, nil, testIdentity, 5)
	require.NoError(t, err)
	defer slave.Close()

	master, err := NewMaster(d, nil, 0)
	require.NoError(t, err)
	defer master.Close()

	var switchErr error
	done := false
	require.NoError(t, master.SwitchStateSelective(LSSAddress{Identity: testIdentity}, func(err error) {
		done, switchErr = true, err
	}))

	require.True(t, done)
	require.NoError(t, switchErr)
	require.Equal(t, StateConfiguration, slave.State())
}

func TestSwitchStateSelectiveIgnoresNonMatchingSlave(t *testing.T) {
	d := newLoopback()
	other := testIdentity
	other.SerialNumber = 0xFF
	slave, err := NewSlave(d, nil, other, 5)
	require.NoError(t, err)
	defer slave.Close()

	master, err := NewMaster(d, nil, 10*time.Millisecond)
	require.NoError(t, err)
	defer master.Close()

	var switchErr error
	done := false
	require.NoError(t, master.SwitchStateSelective(LSSAddress{Identity: testIdentity}, func(err error) {
		done, switchErr = true, err
	}))

	require.False(t, done, "a non-matching slave must not answer")
	require.Equal(t, StateWaiting, slave.State())

	d.SetTime(d.Now().Add(20 * time.Millisecond))
	require.True(t, done)
	require.ErrorIs(t, switchErr, ErrTimeout)
}

func TestConfigureNodeIdRoundTripsThroughRealSlave(t *testing.T) {
	d := newLoopback()
	slave, err := NewSlave(d, nil, testIdentity, 5)
	require.NoError(t, err)
	defer slave.Close()

	var pending uint8
	slave.OnNodeIdConfigured(func(nodeId uint8) { pending = nodeId })

	master, err := NewMaster(d, nil, 0)
	require.NoError(t, err)
	defer master.Close()

	master.SwitchStateGlobal(ModeConfiguration)
	require.Equal(t, StateConfiguration, slave.State())

	var configureErr error
	require.NoError(t, master.ConfigureNodeId(9, func(err error) { configureErr = err }))
	require.NoError(t, configureErr)
	require.Equal(t, uint8(9), slave.PendingNodeId())
	require.Equal(t, uint8(9), pending)
}

func TestConfigureNodeIdRejectsInvalidNodeIdWithoutSending(t *testing.T) {
	d := newLoopback()
	slave, err := NewSlave(d, nil, testIdentity, 5)
	require.NoError(t, err)
	defer slave.Close()

	master, err := NewMaster(d, nil, 0)
	require.NoError(t, err)
	defer master.Close()

	master.SwitchStateGlobal(ModeConfiguration)

	err = master.ConfigureNodeId(0x80, nil)
	require.ErrorIs(t, err, ErrInvalidNodeId)
	require.Equal(t, uint8(5), slave.PendingNodeId(), "the rejected request must never reach the slave")
}

func TestInquireIdentityComponentsReadSlaveAddress(t *testing.T) {
	d := newLoopback()
	slave, err := NewSlave(d, nil, testIdentity, 5)
	require.NoError(t, err)
	defer slave.Close()

	master, err := NewMaster(d, nil, 0)
	require.NoError(t, err)
	defer master.Close()

	master.SwitchStateGlobal(ModeConfiguration)

	var vendor uint32
	require.NoError(t, master.InquireVendor(func(v uint32, err error) {
		require.NoError(t, err)
		vendor = v
	}))
	require.Equal(t, testIdentity.VendorId, vendor)

	var nodeId uint8
	require.NoError(t, master.InquireNodeId(func(id uint8, err error) {
		require.NoError(t, err)
		nodeId = id
	}))
	require.Equal(t, uint8(5), nodeId)
}

func TestInquireBeforeConfigurationStateTimesOut(t *testing.T) {
	d := newLoopback()
	slave, err := NewSlave(d, nil, testIdentity, 5)
	require.NoError(t, err)
	defer slave.Close()

	master, err := NewMaster(d, nil, 10*time.Millisecond)
	require.NoError(t, err)
	defer master.Close()

	var inquireErr error
	require.NoError(t, master.InquireVendor(func(_ uint32, err error) { inquireErr = err }))
	require.NoError(t, err)
	require.Nil(t, inquireErr, "timer has not fired yet")

	d.SetTime(d.Now().Add(20 * time.Millisecond))
	require.ErrorIs(t, inquireErr, ErrTimeout)
}

func TestMasterRejectsOverlappingRequests(t *testing.T) {
	d := newLoopback()
	slave, err := NewSlave(d, nil, testIdentity, 5)
	require.NoError(t, err)
	defer slave.Close()

	master, err := NewMaster(d, nil, 10*time.Millisecond)
	require.NoError(t, err)
	defer master.Close()

	// Slave is left in StateWaiting, so it never answers this inquiry: the
	// request stays pending (no timer has fired yet) long enough to observe
	// a second call being rejected as busy.
	require.Equal(t, StateWaiting, slave.State())
	require.NoError(t, master.InquireVendor(func(uint32, error) {}))
	err = master.InquireProduct(func(uint32, error) {})
	require.ErrorIs(t, err, canopen.ErrBusy)
}

func TestFastscanIdentifiesSingleUnconfiguredSlave(t *testing.T) {
	d := newLoopback()
	slave, err := NewSlave(d, nil, testIdentity, NodeIdUnconfigured)
	require.NoError(t, err)
	defer slave.Close()

	master, err := NewMaster(d, nil, 0)
	require.NoError(t, err)
	defer master.Close()

	var result *FastscanResult
	var scanErr error
	require.NoError(t, master.Fastscan(func(r *FastscanResult, err error) {
		result, scanErr = r, err
	}))
	// An unanswered probe resolves only when its timeout elapses, so advance
	// the clock until the scan completes.
	for i := 0; i < 256 && result == nil && scanErr == nil; i++ {
		d.SetTime(d.Now().Add(DefaultTimeout))
	}

	require.NoError(t, scanErr)
	require.NotNil(t, result)
	require.Equal(t, testIdentity, result.Identity)
	require.Equal(t, StateConfiguration, slave.State())
}

func TestSlowscanIdentifiesSingleUnconfiguredSlave(t *testing.T) {
	d := newLoopback()
	slave, err := NewSlave(d, nil, testIdentity, NodeIdUnconfigured)
	require.NoError(t, err)
	defer slave.Close()

	master, err := NewMaster(d, nil, 0)
	require.NoError(t, err)
	defer master.Close()

	var result *FastscanResult
	var scanErr error
	require.NoError(t, master.Slowscan(func(r *FastscanResult, err error) {
		result, scanErr = r, err
	}))
	// An unanswered probe resolves only when its timeout elapses, so advance
	// the clock until the scan completes.
	for i := 0; i < 256 && result == nil && scanErr == nil; i++ {
		d.SetTime(d.Now().Add(DefaultTimeout))
	}

	require.NoError(t, scanErr)
	require.NotNil(t, result)
	require.Equal(t, testIdentity, result.Identity)
	require.Equal(t, StateConfiguration, slave.State(), "slowscan ends by switching the identified slave selectively")
}
