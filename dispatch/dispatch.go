// Package dispatch implements the CAN network dispatcher (spec §4.1): an
// identifier/mask receiver table and an absolute-time timer heap, both driven
// passively by a host that feeds in received frames and clock ticks. It owns
// no threads and reads no clock; grounded on the shape of the teacher's
// BusManager (struct layout, *slog.Logger field, Subscribe returning a cancel
// func) generalized to mask+priority matching and deadline-ordered timers per
// the DESIGN NOTES ("intrusive containers -> owned collections").
package dispatch

import (
	"container/heap"
	"log/slog"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
)

// FrameHandler is invoked for every frame matching a registered receiver.
type FrameHandler func(frame canopen.Frame)

// TimerFunc is invoked when a registered timer fires. now is the dispatcher's
// clock value at the instant of firing (always >= the timer's deadline).
type TimerFunc func(now canopen.Timestamp)

// ReceiverHandle identifies a registered receiver for later deregistration.
type ReceiverHandle uint64

// TimerHandle identifies a registered timer for later deregistration.
type TimerHandle uint64

type receiverEntry struct {
	handle   ReceiverHandle
	id       uint32
	mask     uint32
	extended bool
	priority int
	seq      uint64
	handler  FrameHandler
}

// Dispatcher routes inbound frames by identifier/mask to registered
// receivers, fires timers as the host advances the clock, and forwards
// outbound frames to a host-supplied send callback. It is single-threaded:
// every exported method must be called from the host's single logical
// thread, and callbacks may safely re-enter the dispatcher (mutations made
// from within a callback are deferred until the current dispatch pass
// completes, per spec §5).
type Dispatcher struct {
	logger *slog.Logger

	receivers []*receiverEntry
	timers    timerHeap
	byTimerID map[TimerHandle]*timerItem

	nextReceiverID ReceiverHandle
	nextTimerID    TimerHandle
	seq            uint64

	now                canopen.Timestamp
	sendFunc           func(canopen.Frame) error
	onNextTimerChanged func(canopen.Timestamp)
	lastNotified       canopen.Timestamp
	haveNotified       bool

	depth   int
	pending []func()
}

// New creates an idle Dispatcher. It performs no allocation beyond this call
// except inside Register*/Deregister* (spec §5 "allocator calls occur only
// during service create/destroy").
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		logger:    logger.With("component", "dispatcher"),
		byTimerID: make(map[TimerHandle]*timerItem),
	}
	heap.Init(&d.timers)
	return d
}

// SetSendFunc installs the callback used to emit outbound frames.
func (d *Dispatcher) SetSendFunc(fn func(canopen.Frame) error) {
	d.sendFunc = fn
}

// SetNextTimerChangedFunc installs a callback invoked whenever the earliest
// pending timer deadline changes, for power-aware host polling (spec §4.1).
func (d *Dispatcher) SetNextTimerChangedFunc(fn func(canopen.Timestamp)) {
	d.onNextTimerChanged = fn
}

// Now returns the dispatcher's current clock value, last set via SetTime.
func (d *Dispatcher) Now() canopen.Timestamp {
	return d.now
}

// Send forwards a frame to the host send callback. Errors are propagated to
// the caller that produced the frame, per spec §4.1/§7.
func (d *Dispatcher) Send(f canopen.Frame) error {
	if d.sendFunc == nil {
		return nil
	}
	if err := d.sendFunc(f); err != nil {
		return &canopen.BusError{Err: err}
	}
	return nil
}

// runExclusive executes fn with reentrancy tracked: mutations requested by
// Register*/Deregister* calls made from within fn (i.e. from a callback fn
// itself invokes) are queued and only applied once the outermost call
// returns.
func (d *Dispatcher) runExclusive(fn func()) {
	d.depth++
	fn()
	d.depth--
	if d.depth == 0 {
		pending := d.pending
		d.pending = nil
		for _, op := range pending {
			op()
		}
	}
}

// mutate applies op immediately if the dispatcher is idle, or defers it until
// the current dispatch pass completes if called reentrantly from a callback.
func (d *Dispatcher) mutate(op func()) {
	if d.depth > 0 {
		d.pending = append(d.pending, op)
		return
	}
	op()
}
