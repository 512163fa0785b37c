// Package lss implements the CANopen Layer Setting Services (CiA 305): a
// master's ability to remotely inquire and configure a slave's node-ID and
// bit timing by addressing it through its identity object (0x1018) rather
// than a node-ID it may not have yet. Grounded on the teacher's pkg/lss;
// master and slave are both redriven around the dispatch.Dispatcher instead
// of a goroutine reading a channel.
package lss

import (
	"errors"

	"github.com/samsamfire/gocanopen-core/config"
)

// COB-IDs are fixed by CiA 305 §4.1: one pair of identifiers shared by
// every node, since LSS addressing happens before a node has a node-ID.
const (
	ServiceSlaveId  = 0x7E4
	ServiceMasterId = 0x7E5
)

const (
	NodeIdUnconfigured = 0xFF
	NodeIdMin          = 0x01
	NodeIdMax          = 0x7F
)

var (
	ErrTimeout       = errors.New("lss: no answer received")
	ErrInvalidNodeId = errors.New("lss: invalid node id")
)

// LSSMode selects whether addressed slaves answer LSS requests (CiA 305
// §4.2.1).
type LSSMode uint8

const (
	ModeWaiting       LSSMode = 0
	ModeConfiguration LSSMode = 1
)

// LSSCommand is the first byte of every LSS message (CiA 305 §4.2, Table
// 1).
type LSSCommand uint8

const (
	CmdSwitchStateGlobal            LSSCommand = 4
	CmdSwitchStateSelectiveVendor   LSSCommand = 64
	CmdSwitchStateSelectiveProduct  LSSCommand = 65
	CmdSwitchStateSelectiveRevision LSSCommand = 66
	CmdSwitchStateSelectiveSerialNb LSSCommand = 67
	CmdSwitchStateSelectiveResult   LSSCommand = 68

	CmdConfigureNodeId            LSSCommand = 17
	CmdConfigureBitTiming         LSSCommand = 19
	CmdConfigureActivateBitTiming LSSCommand = 21
	CmdConfigureStoreParameters   LSSCommand = 23

	CmdInquireVendor   LSSCommand = 90
	CmdInquireProduct  LSSCommand = 91
	CmdInquireRevision LSSCommand = 92
	CmdInquireSerial   LSSCommand = 93
	CmdInquireNodeId   LSSCommand = 94

	CmdIdentifyRemoteSlave        LSSCommand = 70
	CmdIdentifyNonConfiguredSlave LSSCommand = 76

	CmdFastscanRespond LSSCommand = 79
)

const (
	ConfigNodeIdOk           = 0
	ConfigNodeIdOutOfRange   = 1
	ConfigNodeIdManufacturer = 0xFF

	ConfigStoreOk          = 0
	ConfigStoreUnsupported = 1
)

// LSSAddress uniquely identifies a node on the network, independent of its
// node-ID: the concatenation of its identity object (0x1018).
type LSSAddress struct {
	config.Identity
}

// LSSMessage is one raw 8-byte LSS frame payload.
type LSSMessage struct {
	raw [8]byte
}

// Command returns the request/response type carried by the message.
func (m *LSSMessage) Command() LSSCommand { return LSSCommand(m.raw[0]) }

// LSSState is the slave-side addressing state machine (CiA 305 §6).
type LSSState uint8

const (
	StateWaiting       LSSState = 1
	StateConfiguration LSSState = 2
)

func (state LSSState) String() string {
	switch state {
	case StateWaiting:
		return "WAITING"
	case StateConfiguration:
		return "CONFIGURATION"
	default:
		return "UNKNOWN"
	}
}
