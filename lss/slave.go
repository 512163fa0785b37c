package lss

import (
	"encoding/binary"
	"log/slog"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/config"
	"github.com/samsamfire/gocanopen-core/dispatch"
)

// NodeIdCallback is invoked when a master successfully configures a new
// pending node-ID (CmdConfigureNodeId); the new ID only takes effect after
// a subsequent reset (CiA 305 §4.2.3).
type NodeIdCallback func(pendingNodeId uint8)

// Slave answers LSS requests addressed to this node, direct-called from
// dispatch.Dispatcher.SubmitFrame instead of read from a channel by a
// goroutine.
type Slave struct {
	d      *dispatch.Dispatcher
	logger *slog.Logger

	address       LSSAddress
	addressSwitch LSSAddress

	activeNodeId  uint8
	pendingNodeId uint8
	state         LSSState

	onNodeId NodeIdCallback

	receiver     dispatch.ReceiverHandle
	haveReceiver bool
}

// NewSlave builds an LSS slave addressed by identity, starting in
// StateWaiting with activeNodeId as its current node-ID.
func NewSlave(d *dispatch.Dispatcher, logger *slog.Logger, identity config.Identity, nodeId uint8) (*Slave, error) {
	if d == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Slave{
		d:             d,
		logger:        logger.With("service", "lss-slave"),
		address:       LSSAddress{Identity: identity},
		state:         StateWaiting,
		activeNodeId:  nodeId,
		pendingNodeId: nodeId,
	}
	s.receiver = d.RegisterReceiver(ServiceMasterId, 0x7FF, false, 0, s.handle)
	s.haveReceiver = true
	return s, nil
}

// OnNodeIdConfigured registers a callback invoked whenever the master
// assigns a new pending node-ID.
func (s *Slave) OnNodeIdConfigured(fn NodeIdCallback) { s.onNodeId = fn }

// State returns the slave's current LSS addressing state.
func (s *Slave) State() LSSState { return s.state }

// PendingNodeId returns the node-ID that will become active after reset.
func (s *Slave) PendingNodeId() uint8 { return s.pendingNodeId }

// Close deregisters the slave's frame receiver.
func (s *Slave) Close() {
	if s.haveReceiver {
		s.d.DeregisterReceiver(s.receiver)
		s.haveReceiver = false
	}
}

func (s *Slave) handle(frame canopen.Frame) {
	if frame.Length != 8 {
		return
	}
	var msg LSSMessage
	copy(msg.raw[:], frame.Payload())
	prevState := s.state
	s.processRequest(msg)
	if prevState != s.state {
		s.logger.Debug("state changed", "from", prevState, "to", s.state)
	}
}

func (s *Slave) processRequest(rx LSSMessage) {
	cmd := rx.Command()
	switch {
	case (cmd >= CmdSwitchStateSelectiveVendor && cmd <= CmdSwitchStateSelectiveResult) || cmd == CmdSwitchStateGlobal:
		s.processSwitchStateService(rx)

	case cmd >= CmdConfigureNodeId && cmd <= CmdConfigureStoreParameters:
		if s.state != StateConfiguration {
			return
		}
		s.processConfigurationService(rx)

	case cmd >= CmdInquireVendor && cmd <= CmdInquireNodeId:
		if s.state != StateConfiguration {
			return
		}
		s.processInquiryService(cmd)

	case cmd == CmdIdentifyRemoteSlave:
		s.processIdentifyRemoteSlave(rx)

	case cmd == CmdIdentifyNonConfiguredSlave:
		if s.activeNodeId == NodeIdUnconfigured {
			s.send(LSSMessage{raw: [8]byte{byte(CmdIdentifyNonConfiguredSlave)}})
		}

	case cmd == fastscanCommand:
		s.processFastscan(rx)

	case cmd == CmdIdentifySlowscan:
		s.processSlowscanRequest(rx)
	}
}

func (s *Slave) processSwitchStateService(msg LSSMessage) {
	switch msg.Command() {
	case CmdSwitchStateGlobal:
		switch LSSMode(msg.raw[1]) {
		case ModeWaiting:
			s.state = StateWaiting
		case ModeConfiguration:
			s.state = StateConfiguration
		default:
			s.logger.Warn("switch mode unknown", "mode", msg.raw[1])
		}

	case CmdSwitchStateSelectiveVendor:
		s.addressSwitch.VendorId = binary.LittleEndian.Uint32(msg.raw[1:5])

	case CmdSwitchStateSelectiveProduct:
		s.addressSwitch.ProductCode = binary.LittleEndian.Uint32(msg.raw[1:5])

	case CmdSwitchStateSelectiveRevision:
		s.addressSwitch.RevisionNumber = binary.LittleEndian.Uint32(msg.raw[1:5])

	case CmdSwitchStateSelectiveSerialNb:
		s.addressSwitch.SerialNumber = binary.LittleEndian.Uint32(msg.raw[1:5])
		if s.addressSwitch == s.address {
			s.state = StateConfiguration
			s.send(LSSMessage{raw: [8]byte{byte(CmdSwitchStateSelectiveResult)}})
		}
	}
}

func (s *Slave) processInquiryService(cmd LSSCommand) {
	var data [8]byte
	data[0] = byte(cmd)
	switch cmd {
	case CmdInquireVendor:
		binary.LittleEndian.PutUint32(data[1:], s.address.VendorId)
	case CmdInquireProduct:
		binary.LittleEndian.PutUint32(data[1:], s.address.ProductCode)
	case CmdInquireRevision:
		binary.LittleEndian.PutUint32(data[1:], s.address.RevisionNumber)
	case CmdInquireSerial:
		binary.LittleEndian.PutUint32(data[1:], s.address.SerialNumber)
	case CmdInquireNodeId:
		data[1] = s.activeNodeId
	default:
		return
	}
	s.send(LSSMessage{raw: data})
}

func (s *Slave) processConfigurationService(msg LSSMessage) {
	switch msg.Command() {
	case CmdConfigureBitTiming, CmdConfigureActivateBitTiming:
		s.logger.Warn("unsupported configuration command", "cmd", msg.Command())

	case CmdConfigureStoreParameters:
		s.send(LSSMessage{raw: [8]byte{byte(msg.Command()), ConfigStoreUnsupported}})

	case CmdConfigureNodeId:
		nodeId := msg.raw[1]
		if !((nodeId >= NodeIdMin && nodeId <= NodeIdMax) || nodeId == NodeIdUnconfigured) {
			s.send(LSSMessage{raw: [8]byte{byte(msg.Command()), ConfigNodeIdOutOfRange}})
			return
		}
		s.pendingNodeId = nodeId
		s.send(LSSMessage{raw: [8]byte{byte(msg.Command()), ConfigNodeIdOk}})
		if s.onNodeId != nil {
			s.onNodeId(nodeId)
		}
	}
}

func (s *Slave) processIdentifyRemoteSlave(msg LSSMessage) {
	vendor := binary.LittleEndian.Uint32(msg.raw[1:5])
	if vendor != s.address.VendorId {
		return
	}
	s.send(LSSMessage{raw: [8]byte{byte(CmdIdentifyRemoteSlave)}})
}

func (s *Slave) send(msg LSSMessage) {
	frame := canopen.New(ServiceSlaveId, 0, 8)
	copy(frame.Data[:8], msg.raw[:])
	if err := s.d.Send(frame); err != nil {
		s.logger.Warn("failed to send lss response", "error", err)
	}
}
