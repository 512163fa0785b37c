package nmt

import (
	"log/slog"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/sdo"
)

// Boot status letter codes (CiA 302-2 §7.3.1, Table 7: NMT master boot
// error codes for a single slave).
const (
	BootOk                   canopen.BootStatus = 'L'
	BootMandatoryMissing     canopen.BootStatus = 'B'
	BootUnexpectedDeviceType canopen.BootStatus = 'C'
	BootUnexpectedVendor     canopen.BootStatus = 'D'
	BootUnexpectedRevision   canopen.BootStatus = 'E'
	BootUnexpectedSerial     canopen.BootStatus = 'F'
	BootSDOTimeout           canopen.BootStatus = 'G'
)

// Expectation is what the master's own OD (0x1F84-0x1F88, CiA 302-2
// §7.3.2) records as the expected identity of one slave. A zero field means
// "don't care" and is not checked. ProductCode is never checked: the
// sequencer does not read 0x1018 sub 2.
type Expectation struct {
	DeviceType     uint32
	VendorId       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32
}

// BootCallback reports the terminal outcome of one slave's boot sequence.
type BootCallback func(nodeId uint8, status canopen.BootStatus, err error)

// Sequencer drives the identity-check steps of the CiA 302-2 §7.3 boot-up
// sequence for each slave the master is responsible for: read 0x1000 (device type) and
// 0x1018 (identity) from the slave via SDO upload, compare against the
// master's configured Expectation, and report pass/fail. Built fresh (the
// teacher has no master boot-up sequencer; only ad hoc code in its
// examples/master), around the sdo.Client's asynchronous, one-transfer-at-
// a-time API: each step is a nested Upload callback rather than a blocking
// call, since nothing in this stack may block on the network.
type Sequencer struct {
	client *sdo.Client
	logger *slog.Logger
}

// NewSequencer builds a boot sequencer driven by client. Only one slave may
// be booted at a time per Sequencer, since it shares client's single
// transfer slot; BootNode returns canopen.ErrBusy if called again before
// the previous boot completes.
func NewSequencer(client *sdo.Client, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{client: client, logger: logger.With("service", "nmt-boot")}
}

// BootNode runs the boot-up sequence for nodeId against expected, invoking
// done exactly once with the terminal status.
func (s *Sequencer) BootNode(nodeId uint8, expected Expectation, done BootCallback) error {
	return s.client.Upload(nodeId, 0x1000, 0, func(data []byte, err error) {
		if err != nil {
			s.fail(nodeId, BootSDOTimeout, err, done)
			return
		}
		if expected.DeviceType != 0 && len(data) >= 4 && leUint32(data) != expected.DeviceType {
			s.fail(nodeId, BootUnexpectedDeviceType, nil, done)
			return
		}
		s.readIdentity(nodeId, expected, done)
	})
}

func (s *Sequencer) readIdentity(nodeId uint8, expected Expectation, done BootCallback) {
	err := s.client.Upload(nodeId, 0x1018, 1, func(data []byte, err error) {
		if err != nil {
			s.fail(nodeId, BootSDOTimeout, err, done)
			return
		}
		if expected.VendorId != 0 && len(data) >= 4 && leUint32(data) != expected.VendorId {
			s.fail(nodeId, BootUnexpectedVendor, nil, done)
			return
		}
		s.readProductAndRevision(nodeId, expected, done)
	})
	if err != nil {
		s.fail(nodeId, BootSDOTimeout, err, done)
	}
}

// readProductAndRevision reads only 0x1018 sub 3 (revision number); the
// product code at sub 2 is not read.
func (s *Sequencer) readProductAndRevision(nodeId uint8, expected Expectation, done BootCallback) {
	err := s.client.Upload(nodeId, 0x1018, 3, func(data []byte, err error) {
		if err != nil {
			s.fail(nodeId, BootSDOTimeout, err, done)
			return
		}
		if expected.RevisionNumber != 0 && len(data) >= 4 && leUint32(data) != expected.RevisionNumber {
			s.fail(nodeId, BootUnexpectedRevision, nil, done)
			return
		}
		s.readSerial(nodeId, expected, done)
	})
	if err != nil {
		s.fail(nodeId, BootSDOTimeout, err, done)
	}
}

func (s *Sequencer) readSerial(nodeId uint8, expected Expectation, done BootCallback) {
	err := s.client.Upload(nodeId, 0x1018, 4, func(data []byte, err error) {
		if err != nil {
			s.fail(nodeId, BootSDOTimeout, err, done)
			return
		}
		if expected.SerialNumber != 0 && len(data) >= 4 && leUint32(data) != expected.SerialNumber {
			s.fail(nodeId, BootUnexpectedSerial, nil, done)
			return
		}
		s.logger.Info("slave booted successfully", "nodeId", nodeId)
		if done != nil {
			done(nodeId, BootOk, nil)
		}
	})
	if err != nil {
		s.fail(nodeId, BootSDOTimeout, err, done)
	}
}

func (s *Sequencer) fail(nodeId uint8, status canopen.BootStatus, err error, done BootCallback) {
	reason := string(rune(status))
	s.logger.Warn("slave boot failed", "nodeId", nodeId, "status", reason, "error", err)
	if done != nil {
		done(nodeId, status, &canopen.BootError{NodeID: nodeId, Status: status, Reason: reason})
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
