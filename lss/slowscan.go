package lss

import (
	"encoding/binary"

	canopen "github.com/samsamfire/gocanopen-core"
	"github.com/samsamfire/gocanopen-core/config"
)

// Slowscan identifies an unconfigured slave via a per-component
// range-binary-search using identify-remote rather than Fastscan's
// bit-by-bit mask: for each identity component, the master asks "is your
// value <= candidate?" and narrows [lo, hi] accordingly, converging to the
// exact value in 32 steps per component. No teacher analogue; built per
// spec.md §4.8's "range-binary-search using identify-remote" supplement,
// using the same wire family as the rest of the package.
const (
	CmdIdentifySlowscan LSSCommand = 71
)

// processSlowscanRequest is the slave side: respond if our value for component is
// less than or equal to the candidate the master is probing.
func (s *Slave) processSlowscanRequest(msg LSSMessage) {
	component := msg.raw[1]
	candidate := binary.LittleEndian.Uint32(msg.raw[2:6])
	if component >= fastscanComponentCount {
		return
	}
	if fastscanValue(s.address.Identity, component) <= candidate {
		s.send(LSSMessage{raw: [8]byte{byte(CmdFastscanRespond)}})
	}
}

type slowscanState struct {
	resolved  config.Identity
	component uint8
	lo, hi    uint32
	done      func(*FastscanResult, error)
}

// Slowscan runs the range-binary-search to completion and, on success,
// switches the identified slave into configuration state.
func (m *Master) Slowscan(done func(*FastscanResult, error)) error {
	if m.busy() {
		return canopen.ErrBusy
	}
	st := &slowscanState{component: 0, lo: 0, hi: 0xFFFFFFFF, done: done}
	m.slowscanProbe(st)
	return nil
}

func (m *Master) slowscanProbe(st *slowscanState) {
	if st.lo >= st.hi {
		fastscanSet(&st.resolved, st.component, st.lo)
		m.slowscanNextComponent(st)
		return
	}
	mid := st.lo + (st.hi-st.lo)/2

	var req [8]byte
	req[0] = byte(CmdIdentifySlowscan)
	req[1] = st.component
	binary.LittleEndian.PutUint32(req[2:6], mid)

	m.awaitFastscan(CmdFastscanRespond, func(ok bool) {
		if ok {
			st.hi = mid
		} else {
			st.lo = mid + 1
		}
		m.slowscanProbe(st)
	})
	m.send(LSSMessage{raw: req})
}

func (m *Master) slowscanNextComponent(st *slowscanState) {
	if st.component == fastscanComponentCount-1 {
		if st.done != nil {
			result := &FastscanResult{Identity: st.resolved}
			m.SwitchStateSelective(LSSAddress{Identity: st.resolved}, func(err error) {
				st.done(result, err)
			})
		}
		return
	}
	st.component++
	st.lo, st.hi = 0, 0xFFFFFFFF
	m.slowscanProbe(st)
}
