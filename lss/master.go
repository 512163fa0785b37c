package lss

import (
	"encoding/binary"
	"log/slog"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/dispatch"
)

// DefaultTimeout is how long Master waits for a slave's response before
// treating the request as failed (CiA 305 leaves this to the application).
var DefaultTimeout = 1000 * time.Millisecond

type pendingRequest struct {
	expect LSSCommand
	done   func(LSSMessage, error)
}

// Master drives LSS requests to slaves. Unlike the teacher's blocking
// WaitForResponse over a channel, it tracks at most one outstanding request
// and answers it (or times it out) from dispatch.Dispatcher callbacks,
// never blocking the caller.
type Master struct {
	d      *dispatch.Dispatcher
	logger *slog.Logger

	timeout time.Duration
	pending *pendingRequest

	timer    dispatch.TimerHandle
	haveTimer bool

	receiver     dispatch.ReceiverHandle
	haveReceiver bool
}

// NewMaster builds an LSS master with the given response timeout (0 uses
// DefaultTimeout).
func NewMaster(d *dispatch.Dispatcher, logger *slog.Logger, timeout time.Duration) (*Master, error) {
	if d == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := &Master{d: d, logger: logger.With("service", "lss-master"), timeout: timeout}
	m.receiver = d.RegisterReceiver(ServiceSlaveId, 0x7FF, false, 0, m.handle)
	m.haveReceiver = true
	return m, nil
}

// SetTimeout changes how long subsequent requests wait for a response.
func (m *Master) SetTimeout(timeout time.Duration) { m.timeout = timeout }

// Close deregisters the master's frame receiver and any pending timeout.
func (m *Master) Close() {
	if m.haveReceiver {
		m.d.DeregisterReceiver(m.receiver)
		m.haveReceiver = false
	}
	if m.haveTimer {
		m.d.DeregisterTimer(m.timer)
		m.haveTimer = false
	}
}

func (m *Master) busy() bool { return m.pending != nil }

func (m *Master) send(msg LSSMessage) {
	frame := canopen.New(ServiceMasterId, 0, 8)
	copy(frame.Data[:8], msg.raw[:])
	if err := m.d.Send(frame); err != nil {
		m.logger.Warn("failed to send lss request", "error", err)
	}
}

func (m *Master) handle(frame canopen.Frame) {
	if frame.Length != 8 {
		return
	}
	var msg LSSMessage
	copy(msg.raw[:], frame.Payload())

	if m.pending == nil || msg.Command() != m.pending.expect {
		m.logger.Debug("unexpected lss response, ignoring", "cmd", msg.Command())
		return
	}
	p := m.pending
	m.pending = nil
	if m.haveTimer {
		m.d.DeregisterTimer(m.timer)
		m.haveTimer = false
	}
	p.done(msg, nil)
}

// await arms a single outstanding request awaiting cmd, failing it with
// ErrTimeout if nothing arrives within m.timeout.
func (m *Master) await(cmd LSSCommand, done func(LSSMessage, error)) {
	m.pending = &pendingRequest{expect: cmd, done: done}
	m.timer = m.d.RegisterTimer(m.d.Now().Add(m.timeout), nil, func(canopen.Timestamp) {
		m.haveTimer = false
		if m.pending == nil {
			return
		}
		p := m.pending
		m.pending = nil
		p.done(LSSMessage{}, ErrTimeout)
	})
	m.haveTimer = true
}

// SwitchStateGlobal broadcasts a switch-mode command to every slave on the
// bus (CiA 305 §4.2.1); no answer is expected.
func (m *Master) SwitchStateGlobal(mode LSSMode) {
	m.send(LSSMessage{raw: [8]byte{byte(CmdSwitchStateGlobal), byte(mode)}})
}

// SwitchStateSelective addresses exactly the slave matching address,
// switching it into configuration mode. done reports whether the slave
// acknowledged.
func (m *Master) SwitchStateSelective(address LSSAddress, done func(error)) error {
	if m.busy() {
		return canopen.ErrBusy
	}
	// await must be armed before the last frame goes out: a matching slave
	// answers synchronously from within that send, and the response would
	// otherwise arrive with no pending request to deliver it to.
	m.await(CmdSwitchStateSelectiveResult, func(_ LSSMessage, err error) { done(err) })

	var data [8]byte
	data[0] = byte(CmdSwitchStateSelectiveVendor)
	binary.LittleEndian.PutUint32(data[1:], address.VendorId)
	m.send(LSSMessage{raw: data})

	data[0] = byte(CmdSwitchStateSelectiveProduct)
	binary.LittleEndian.PutUint32(data[1:], address.ProductCode)
	m.send(LSSMessage{raw: data})

	data[0] = byte(CmdSwitchStateSelectiveRevision)
	binary.LittleEndian.PutUint32(data[1:], address.RevisionNumber)
	m.send(LSSMessage{raw: data})

	data[0] = byte(CmdSwitchStateSelectiveSerialNb)
	binary.LittleEndian.PutUint32(data[1:], address.SerialNumber)
	m.send(LSSMessage{raw: data})

	return nil
}

func (m *Master) inquire(cmd LSSCommand, done func(LSSMessage, error)) error {
	if m.busy() {
		return canopen.ErrBusy
	}
	m.await(cmd, done)
	m.send(LSSMessage{raw: [8]byte{byte(cmd)}})
	return nil
}

// InquireVendor asks the currently selected slave for its vendor-ID.
func (m *Master) InquireVendor(done func(uint32, error)) error {
	return m.inquire(CmdInquireVendor, func(msg LSSMessage, err error) {
		if err != nil {
			done(0, err)
			return
		}
		done(binary.LittleEndian.Uint32(msg.raw[1:5]), nil)
	})
}

// InquireProduct asks the currently selected slave for its product code.
func (m *Master) InquireProduct(done func(uint32, error)) error {
	return m.inquire(CmdInquireProduct, func(msg LSSMessage, err error) {
		if err != nil {
			done(0, err)
			return
		}
		done(binary.LittleEndian.Uint32(msg.raw[1:5]), nil)
	})
}

// InquireRevision asks the currently selected slave for its revision number.
func (m *Master) InquireRevision(done func(uint32, error)) error {
	return m.inquire(CmdInquireRevision, func(msg LSSMessage, err error) {
		if err != nil {
			done(0, err)
			return
		}
		done(binary.LittleEndian.Uint32(msg.raw[1:5]), nil)
	})
}

// InquireSerial asks the currently selected slave for its serial number.
func (m *Master) InquireSerial(done func(uint32, error)) error {
	return m.inquire(CmdInquireSerial, func(msg LSSMessage, err error) {
		if err != nil {
			done(0, err)
			return
		}
		done(binary.LittleEndian.Uint32(msg.raw[1:5]), nil)
	})
}

// InquireNodeId asks the currently selected slave for its active node-ID.
func (m *Master) InquireNodeId(done func(uint8, error)) error {
	return m.inquire(CmdInquireNodeId, func(msg LSSMessage, err error) {
		if err != nil {
			done(0, err)
			return
		}
		done(msg.raw[1], nil)
	})
}

// ConfigureNodeId assigns nodeId to the currently selected slave. The new
// ID only takes effect after the slave resets.
func (m *Master) ConfigureNodeId(nodeId uint8, done func(error)) error {
	if m.busy() {
		return canopen.ErrBusy
	}
	if !((nodeId >= NodeIdMin && nodeId <= NodeIdMax) || nodeId == NodeIdUnconfigured) {
		return ErrInvalidNodeId
	}
	m.await(CmdConfigureNodeId, func(msg LSSMessage, err error) {
		if err != nil {
			done(err)
			return
		}
		if msg.raw[1] != ConfigNodeIdOk {
			done(ErrInvalidNodeId)
			return
		}
		done(nil)
	})
	m.send(LSSMessage{raw: [8]byte{byte(CmdConfigureNodeId), nodeId}})
	return nil
}

// ConfigureStoreParameters asks the currently selected slave to persist its
// LSS-configured parameters (CiA 305 §4.2.3).
func (m *Master) ConfigureStoreParameters(done func(error)) error {
	if m.busy() {
		return canopen.ErrBusy
	}
	m.await(CmdConfigureStoreParameters, func(msg LSSMessage, err error) {
		if err != nil {
			done(err)
			return
		}
		if msg.raw[1] != ConfigStoreOk {
			done(canopen.ErrProtocolViolation)
			return
		}
		done(nil)
	})
	m.send(LSSMessage{raw: [8]byte{byte(CmdConfigureStoreParameters)}})
	return nil
}
