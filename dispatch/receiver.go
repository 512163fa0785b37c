package dispatch

import (
	"sort"

	canopen "github.com/samsamfire/gocanopen-core"
)

// RegisterReceiver installs a frame handler for every submitted frame whose
// identifier matches (frame.ID^id)&mask == 0 and whose IDE flag agrees with
// extended. Receivers are invoked in ascending priority order (lower fires
// first); ties are broken by registration order, per spec §3/§4.1.
func (d *Dispatcher) RegisterReceiver(id, mask uint32, extended bool, priority int, handler FrameHandler) ReceiverHandle {
	d.nextReceiverID++
	handle := d.nextReceiverID
	d.seq++
	entry := &receiverEntry{
		handle:   handle,
		id:       id,
		mask:     mask,
		extended: extended,
		priority: priority,
		seq:      d.seq,
		handler:  handler,
	}
	d.mutate(func() {
		d.receivers = append(d.receivers, entry)
		sortReceivers(d.receivers)
	})
	return handle
}

// DeregisterReceiver removes a previously registered receiver. It is a no-op
// if the handle is unknown (already removed).
func (d *Dispatcher) DeregisterReceiver(handle ReceiverHandle) {
	d.mutate(func() {
		for i, r := range d.receivers {
			if r.handle == handle {
				d.receivers = append(d.receivers[:i], d.receivers[i+1:]...)
				return
			}
		}
	})
}

func sortReceivers(rs []*receiverEntry) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].priority != rs[j].priority {
			return rs[i].priority < rs[j].priority
		}
		return rs[i].seq < rs[j].seq
	})
}

func (r *receiverEntry) matches(f canopen.Frame) bool {
	if f.IsExtended() != r.extended {
		return false
	}
	return (f.ID^r.id)&r.mask == 0
}

// SubmitFrame delivers a received frame to every matching receiver in
// priority order. For any two frames A, B submitted in that order, every
// receiver sees A fully processed before B is dispatched (spec §5) because
// SubmitFrame runs to completion before returning. Handlers that need to
// surface a failure do so through Send, whose errors reach the caller that
// produced the frame via BusError (spec §4.1/§7); SubmitFrame itself has
// nothing to report back since delivery cannot fail.
func (d *Dispatcher) SubmitFrame(f canopen.Frame) {
	// Receivers registered/deregistered from within a handler invoked during
	// this pass are deferred by runExclusive until the pass completes, so
	// they do not affect this pass (spec §5).
	d.runExclusive(func() {
		for _, r := range d.receivers {
			if r.matches(f) {
				r.handler(f)
			}
		}
	})
}
