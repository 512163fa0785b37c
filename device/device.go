// Package device composes one CANopen node's service set (default SDO
// server/client, TPDO/RPDO, NMT, SYNC, TIME, emergency, LSS, redundancy)
// from object dictionary content and owns its reset-driven lifecycle.
// Grounded on the teacher's pkg/node.LocalNode/BaseNode (initEMCY/initNMT/
// initHBConsumer/initSDOServers/initSDOClients/initSYNC/initTIME/
// initLSSSlave/initPDO, all called from initAll on "reset communication")
// and pkg/network.Network's per-node construction, but without goroutines:
// there is no Device.Step — the host drives everything through
// Dispatcher.SubmitFrame/SetTime, and Device only owns construction,
// teardown, and the object dictionary.
package device

import (
	"log/slog"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/config"
	"github.com/samsamfire/gocanopen-core/dispatch"
	"github.com/samsamfire/gocanopen-core/emergency"
	"github.com/samsamfire/gocanopen-core/lss"
	"github.com/samsamfire/gocanopen-core/nmt"
	"github.com/samsamfire/gocanopen-core/od"
	"github.com/samsamfire/gocanopen-core/pdo"
	"github.com/samsamfire/gocanopen-core/redundancy"
	"github.com/samsamfire/gocanopen-core/sdo"
	"github.com/samsamfire/gocanopen-core/sync"
	"github.com/samsamfire/gocanopen-core/timesync"
)

// NMT's command COB-ID is fixed at 0 and the heartbeat producer's base COB-ID
// at 0x700 for every node (CiA 301 §7.2.8.3.1/§7.2.14.2); unlike SYNC/TIME/
// EMCY/PDO these never come from an OD entry, so Device hardcodes them the
// way the teacher's pkg/nmt does with its own unexported constants.
const (
	nmtCommandCobId  uint32 = 0x000
	heartbeatBaseCobId uint32 = 0x700
)

// Options configures the parts of service construction CiA 301 leaves to the
// application rather than the OD.
type Options struct {
	NMTControl             uint16
	FirstHeartbeatTime     time.Duration
	TimeProducerInterval   time.Duration
	PreferBlockTransfer    bool  // sdo.Client.PreferBlock on the built client
	RedundancyMasterNodeId uint8 // 0 disables bus-redundancy monitoring
	RedundancyMasterHbPeriod time.Duration
}

// Device owns one node's full service set, rebuilding it from the object
// dictionary whenever NMT signals a reset (CiA 301 §7.3.2.2). Reset-
// application and reset-communication are not distinguished: both tear down
// and rebuild the entire service set from current OD content, the way the
// teacher's initAll runs unconditionally on NODE_RESETING regardless of
// which of the two reset commands triggered it.
type Device struct {
	d      *dispatch.Dispatcher
	logger *slog.Logger
	dict   *od.ObjectDictionary
	identity config.Identity
	opts   Options

	nodeId uint8

	emcy          *emergency.Producer
	nmt           *nmt.NMT
	errorControl  *nmt.ErrorControl
	syncSvc       *sync.SYNC
	timeSvc       *timesync.TIME
	sdoServer     *sdo.Server
	sdoClient     *sdo.Client
	rpdos         []*pdo.RPDO
	tpdos         []*pdo.TPDO
	lssSlave      *lss.Slave
	redundancyMgr *redundancy.Manager
}

// New builds a Device for nodeId from dict's current content and brings its
// services up through NMT's boot transition (Initializing ->
// PreOperational/Operational, CiA 301 §7.3.2.2).
func New(d *dispatch.Dispatcher, logger *slog.Logger, dict *od.ObjectDictionary, nodeId uint8, identity config.Identity, opts Options) (*Device, error) {
	if d == nil || dict == nil || nodeId < 1 || nodeId > 127 {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	dev := &Device{
		d:        d,
		logger:   logger.With("component", "device", "nodeId", nodeId),
		dict:     dict,
		identity: identity,
		opts:     opts,
		nodeId:   nodeId,
	}
	if err := dev.build(); err != nil {
		return nil, err
	}
	dev.nmt.SetResetCallback(dev.Reset)
	dev.nmt.Start()
	dev.nmt.EnterBoot()
	return dev, nil
}

// NMT returns the device's NMT state machine.
func (dev *Device) NMT() *nmt.NMT { return dev.nmt }

// ErrorControl returns the device's heartbeat/node-guarding consumer.
func (dev *Device) ErrorControl() *nmt.ErrorControl { return dev.errorControl }

// SDOServer returns the device's default SDO server (CiA 301 §7.2.4.2.2,
// predefined connection set; always present).
func (dev *Device) SDOServer() *sdo.Server { return dev.sdoServer }

// SDOClient returns the device's SDO client, usable to drive transfers
// against other nodes (master-role operations, boot-up, configuration).
func (dev *Device) SDOClient() *sdo.Client { return dev.sdoClient }

// LSSSlave returns the device's LSS slave.
func (dev *Device) LSSSlave() *lss.Slave { return dev.lssSlave }

// Redundancy returns the device's bus-redundancy manager, or nil if the OD
// carries no redundancy.ConfigIndex record.
func (dev *Device) Redundancy() *redundancy.Manager { return dev.redundancyMgr }

// NodeId returns the node-ID currently in effect.
func (dev *Device) NodeId() uint8 { return dev.nodeId }

// Dictionary returns the object dictionary this device was built from.
func (dev *Device) Dictionary() *od.ObjectDictionary { return dev.dict }

// Reset tears down and rebuilds the entire service set from current OD
// content, reflecting any node-ID pending from LSS configuration. It is
// installed as NMT's reset callback, so it runs synchronously from within
// whatever SubmitFrame delivered the reset command; the dispatcher defers
// any register/deregister calls made here until that dispatch pass
// completes, so tearing down the very receiver invoking this callback is
// safe (spec's re-entrant mutation guarantee).
func (dev *Device) Reset(kind nmt.ResetKind) {
	dev.logger.Info("resetting device", "kind", kind)
	dev.teardown()
	if dev.lssSlave != nil {
		if pending := dev.lssSlave.PendingNodeId(); pending != lss.NodeIdUnconfigured && pending != 0 {
			dev.nodeId = pending
		}
	}
	if err := dev.build(); err != nil {
		dev.logger.Error("failed to rebuild services after reset", "error", err)
		return
	}
	dev.nmt.SetResetCallback(dev.Reset)
	dev.nmt.Start()
	dev.nmt.EnterBoot()
}

// Close tears down every service without rebuilding, for permanent shutdown.
func (dev *Device) Close() {
	dev.teardown()
}

func (dev *Device) teardown() {
	for _, r := range dev.rpdos {
		r.SetOperational(false)
	}
	for _, t := range dev.tpdos {
		t.SetOperational(false)
	}
	dev.rpdos = nil
	dev.tpdos = nil
	if dev.syncSvc != nil {
		dev.syncSvc.SetOperational(false)
	}
	if dev.timeSvc != nil {
		dev.timeSvc.SetOperational(false)
	}
	if dev.errorControl != nil {
		dev.errorControl.Stop()
	}
	if dev.redundancyMgr != nil {
		// Resolves the redundancy Open Question (device.md / spec.md §6.1):
		// the toggle timer has no defined teardown policy, so it is always
		// deregistered here before the service set rebuilds.
		dev.redundancyMgr.Close()
	}
	if dev.sdoServer != nil {
		dev.sdoServer.Close()
	}
	if dev.emcy != nil {
		dev.emcy.Close()
	}
	if dev.nmt != nil {
		dev.nmt.Stop()
	}
	if dev.lssSlave != nil {
		dev.lssSlave.Close()
	}
}

func (dev *Device) build() error {
	slave, err := lss.NewSlave(dev.d, dev.logger, dev.identity, dev.nodeId)
	if err != nil {
		return err
	}
	slave.OnNodeIdConfigured(func(pendingNodeId uint8) {
		dev.logger.Info("lss assigned pending node id", "pendingNodeId", pendingNodeId)
	})
	dev.lssSlave = slave

	if err := dev.buildEmergency(); err != nil {
		return err
	}
	if err := dev.buildNMT(); err != nil {
		return err
	}
	dev.buildErrorControl()
	dev.buildSync()
	dev.buildTime()
	dev.buildRedundancy()
	dev.sdoServer = sdo.NewServer(dev.d, dev.dict, dev.nodeId, dev.logger)
	dev.sdoClient = sdo.NewClient(dev.d, dev.logger)
	dev.sdoClient.PreferBlock = dev.opts.PreferBlockTransfer
	if err := dev.buildPDOs(); err != nil {
		return err
	}
	dev.wireOperationalState()
	return nil
}

func (dev *Device) buildEmergency() error {
	entry1014 := dev.dict.Index(od.EntryCobIdEMCY)
	entry1003 := dev.dict.Index(od.EntryPredefinedErrorField)
	if entry1014 == nil || entry1003 == nil {
		dev.emcy = emergency.NewForLogging(dev.logger)
		return nil
	}
	entry1001 := dev.dict.Index(od.EntryErrorRegister)
	entry1015 := dev.dict.Index(od.EntryInhibitTimeEMCY)
	em, err := emergency.New(dev.d, dev.logger, dev.nodeId, entry1001, entry1014, entry1015, entry1003, nil)
	if err != nil {
		return err
	}
	dev.emcy = em
	return nil
}

func (dev *Device) buildNMT() error {
	entry1017 := dev.dict.Index(od.EntryProducerHeartbeatTime)
	n, err := nmt.New(
		dev.d,
		dev.logger,
		dev.emcy,
		dev.nodeId,
		dev.opts.NMTControl,
		dev.opts.FirstHeartbeatTime,
		nmtCommandCobId,
		nmtCommandCobId,
		heartbeatBaseCobId+uint32(dev.nodeId),
		entry1017,
	)
	if err != nil {
		return err
	}
	dev.nmt = n
	return nil
}

func (dev *Device) buildErrorControl() {
	entry1016 := dev.dict.Index(od.EntryConsumerHeartbeatTime)
	ec, err := nmt.NewErrorControl(dev.d, dev.logger, dev.emcy, entry1016)
	if err != nil {
		dev.logger.Warn("error control not built", "error", err)
		return
	}
	dev.errorControl = ec
	if dev.opts.RedundancyMasterNodeId != 0 {
		ec.OnHeartbeat(func(nodeId uint8) {
			if nodeId == dev.opts.RedundancyMasterNodeId && dev.redundancyMgr != nil {
				dev.redundancyMgr.OnMasterHeartbeat()
			}
		})
	}
}

func (dev *Device) buildSync() {
	entry1005 := dev.dict.Index(od.EntryCobIdSYNC)
	if entry1005 == nil {
		dev.syncSvc = nil
		return
	}
	entry1006 := dev.dict.Index(od.EntryCommunicationCyclePeriod)
	entry1007 := dev.dict.Index(od.EntrySynchronousWindowLength)
	entry1019 := dev.dict.Index(od.EntrySynchronousCounterOverflow)
	s, err := sync.New(dev.d, dev.logger, dev.emcy, entry1005, entry1006, entry1007, entry1019)
	if err != nil {
		dev.logger.Warn("sync not built", "error", err)
		return
	}
	dev.syncSvc = s
}

func (dev *Device) buildTime() {
	entry1012 := dev.dict.Index(od.EntryCobIdTIME)
	if entry1012 == nil {
		dev.timeSvc = nil
		return
	}
	t, err := timesync.New(dev.d, dev.logger, entry1012, dev.opts.TimeProducerInterval)
	if err != nil {
		dev.logger.Warn("time not built", "error", err)
		return
	}
	dev.timeSvc = t
}

func (dev *Device) buildRedundancy() {
	entry := dev.dict.Index(redundancy.ConfigIndex)
	if entry == nil {
		dev.redundancyMgr = nil
		return
	}
	mgr, err := redundancy.New(dev.d, dev.logger, entry)
	if err != nil {
		dev.logger.Warn("redundancy not built", "error", err)
		return
	}
	dev.redundancyMgr = mgr
	if dev.opts.RedundancyMasterHbPeriod > 0 {
		mgr.Start(dev.opts.RedundancyMasterHbPeriod)
	}
}

// buildPDOs walks every possible RPDO/TPDO slot in order, stopping at the
// first missing communication-parameter entry (no holes in mapping, per the
// teacher's initPDO).
func (dev *Device) buildPDOs() error {
	for i := uint16(0); i < pdo.MaxPDONumber; i++ {
		entry14xx := dev.dict.Index(od.EntryRPDOCommunicationStart + i)
		if entry14xx == nil {
			break
		}
		entry16xx := dev.dict.Index(od.EntryRPDOMappingStart + i)
		predefinedId := 0x200 + (i%4)*0x100 + uint16(dev.nodeId) + i/4
		r, err := pdo.NewRPDO(dev.d, dev.logger, dev.dict, dev.emcy, entry14xx, entry16xx, predefinedId)
		if err != nil {
			dev.logger.Warn("rpdo not built", "nb", i, "error", err)
			break
		}
		dev.rpdos = append(dev.rpdos, r)
	}
	for i := uint16(0); i < pdo.MaxPDONumber; i++ {
		entry18xx := dev.dict.Index(od.EntryTPDOCommunicationStart + i)
		if entry18xx == nil {
			break
		}
		entry1Axx := dev.dict.Index(od.EntryTPDOMappingStart + i)
		predefinedId := 0x180 + (i%4)*0x100 + uint16(dev.nodeId) + i/4
		t, err := pdo.NewTPDO(dev.d, dev.logger, dev.dict, dev.emcy, entry18xx, entry1Axx, predefinedId)
		if err != nil {
			dev.logger.Warn("tpdo not built", "nb", i, "error", err)
			break
		}
		dev.tpdos = append(dev.tpdos, t)
	}
	return nil
}

// wireOperationalState propagates NMT state transitions to every service
// whose activity depends on it (CiA 301 §7.3.3: PDOs only in Operational;
// SYNC/TIME/error control in Operational and PreOperational).
func (dev *Device) wireOperationalState() {
	dev.nmt.AddStateChangeCallback(func(state nmt.State) {
		operational := state == nmt.StateOperational
		preOrOperational := operational || state == nmt.StatePreOperational

		if dev.syncSvc != nil {
			dev.syncSvc.SetOperational(preOrOperational)
		}
		if dev.timeSvc != nil {
			dev.timeSvc.SetOperational(preOrOperational)
		}
		if dev.errorControl != nil {
			dev.errorControl.OnStateChange(state)
		}
		for _, r := range dev.rpdos {
			r.SetOperational(operational)
		}
		for _, t := range dev.tpdos {
			t.SetOperational(operational)
		}
	})
}
