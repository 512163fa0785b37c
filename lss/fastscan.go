package lss

import (
	"encoding/binary"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/config"
)

// Fastscan (CiA 305 §4.4) identifies a single unconfigured slave by
// iterative bit-wise binary search over its four identity components
// (vendor-ID, product-code, revision-number, serial-number), 32 bits each,
// most significant bit first. No teacher analogue; built fresh from the
// bit-check/lss-sub/lss-next wire fields CiA 305 defines for this service.
const (
	CmdIdentifyFastscan LSSCommand = 81

	fastscanCommand = CmdIdentifyFastscan
	fastscanConfirm = 128

	fastscanComponentCount = 4
)

// fastscanValue returns identity's component lssSub (0=vendor, 1=product,
// 2=revision, 3=serial).
func fastscanValue(identity config.Identity, lssSub uint8) uint32 {
	switch lssSub {
	case 0:
		return identity.VendorId
	case 1:
		return identity.ProductCode
	case 2:
		return identity.RevisionNumber
	case 3:
		return identity.SerialNumber
	default:
		return 0
	}
}

func fastscanSet(identity *config.Identity, lssSub uint8, value uint32) {
	switch lssSub {
	case 0:
		identity.VendorId = value
	case 1:
		identity.ProductCode = value
	case 2:
		identity.RevisionNumber = value
	case 3:
		identity.SerialNumber = value
	}
}

// processFastscan is the slave side: respond to identify-fastscan requests
// whose masked bits (or, for a bitCheck of 128, whose exact value) match
// this slave's corresponding identity component.
func (s *Slave) processFastscan(msg LSSMessage) {
	idNumber := binary.LittleEndian.Uint32(msg.raw[1:5])
	bitCheck := msg.raw[5]
	lssSub := msg.raw[6]
	lssNext := msg.raw[7]

	if lssSub >= fastscanComponentCount {
		return
	}
	own := fastscanValue(s.address.Identity, lssSub)

	if bitCheck == fastscanConfirm {
		if own != idNumber {
			return
		}
		s.send(LSSMessage{raw: [8]byte{byte(CmdFastscanRespond)}})
		if lssSub == lssNext {
			s.state = StateConfiguration
		}
		return
	}

	if bitCheck > 31 {
		return
	}
	mask := ^uint32(0) << bitCheck
	if own&mask != idNumber&mask {
		return
	}
	s.send(LSSMessage{raw: [8]byte{byte(CmdFastscanRespond)}})
}

// FastscanResult is the outcome of a successful Fastscan.
type FastscanResult struct {
	Identity config.Identity
}

type fastscanState struct {
	resolved config.Identity
	lssSub   uint8
	bitCheck int8
	done     func(*FastscanResult, error)
}

// Fastscan runs the CiA 305 binary search to completion, identifying
// exactly one unconfigured slave and leaving it in StateConfiguration.
// Assumes exactly one unconfigured slave is present, as CiA 305 requires.
func (m *Master) Fastscan(done func(*FastscanResult, error)) error {
	if m.busy() {
		return canopen.ErrBusy
	}
	st := &fastscanState{lssSub: 0, bitCheck: 31, done: done}
	m.fastscanProbe(st, 0, false)
	return nil
}

// fastscanProbe sends one probe at the current (lssSub, bitCheck) with the
// given trial bit, awaiting a response within the timeout.
func (m *Master) fastscanProbe(st *fastscanState, candidateBit uint32, triedHighBit bool) {
	candidate := fastscanValue(st.resolved, st.lssSub) | (candidateBit << uint(st.bitCheck))
	req := [8]byte{byte(CmdIdentifyFastscan)}
	binary.LittleEndian.PutUint32(req[1:5], candidate)
	req[5] = uint8(st.bitCheck)
	req[6] = st.lssSub
	req[7] = st.lssSub

	m.awaitFastscan(CmdFastscanRespond, func(ok bool) {
		if ok {
			fastscanSet(&st.resolved, st.lssSub, candidate)
			m.fastscanAdvanceBit(st)
			return
		}
		if !triedHighBit {
			m.fastscanProbe(st, 1, true)
			return
		}
		if st.done != nil {
			st.done(nil, ErrTimeout)
		}
	})
	m.send(LSSMessage{raw: req})
}

func (m *Master) fastscanAdvanceBit(st *fastscanState) {
	st.bitCheck--
	if st.bitCheck >= 0 {
		m.fastscanProbe(st, 0, false)
		return
	}
	m.fastscanConfirm(st)
}

// fastscanConfirm verifies the fully-resolved component with bitCheck=128
// and advances lssSub, or finishes once serial number (lssSub 3) confirms.
func (m *Master) fastscanConfirm(st *fastscanState) {
	value := fastscanValue(st.resolved, st.lssSub)
	next := st.lssSub
	if st.lssSub < fastscanComponentCount-1 {
		next = st.lssSub + 1
	}

	req := [8]byte{byte(CmdIdentifyFastscan)}
	binary.LittleEndian.PutUint32(req[1:5], value)
	req[5] = fastscanConfirm
	req[6] = st.lssSub
	req[7] = next

	m.awaitFastscan(CmdFastscanRespond, func(ok bool) {
		if !ok {
			if st.done != nil {
				st.done(nil, ErrTimeout)
			}
			return
		}
		if next == st.lssSub {
			if st.done != nil {
				st.done(&FastscanResult{Identity: st.resolved}, nil)
			}
			return
		}
		st.lssSub = next
		st.bitCheck = 31
		m.fastscanProbe(st, 0, false)
	})
	m.send(LSSMessage{raw: req})
}

// awaitFastscan waits up to m.timeout for cmd, invoking fn with whether one
// arrived. Distinct from the plain await helper because a missing response
// is the expected "bit guessed wrong" signal here, not an error.
func (m *Master) awaitFastscan(cmd LSSCommand, fn func(ok bool)) {
	m.await(cmd, func(_ LSSMessage, err error) { fn(err == nil) })
}
