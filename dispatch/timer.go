package dispatch

import (
	"container/heap"
	"time"

	canopen "github.com/samsamfire/gocanopen-core"
)

type timerItem struct {
	handle   TimerHandle
	deadline canopen.Timestamp
	period   *time.Duration
	seq      uint64
	fn       TimerFunc
	index    int  // position in the heap, maintained by container/heap
	dead     bool // lazily removed
}

// timerHeap is a container/heap.Interface ordered by (deadline, seq), per
// spec §3 ("ties broken by insertion order").
type timerHeap []*timerItem

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline.Before(h[j].deadline)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// RegisterTimer schedules fn to run at deadline. If period is non-nil, the
// timer reinserts itself with deadline += *period (repeatedly, until
// strictly greater than the current clock) after each firing, per spec §3.
func (d *Dispatcher) RegisterTimer(deadline canopen.Timestamp, period *time.Duration, fn TimerFunc) TimerHandle {
	d.nextTimerID++
	handle := d.nextTimerID
	d.seq++
	item := &timerItem{
		handle:   handle,
		deadline: deadline,
		period:   period,
		seq:      d.seq,
		fn:       fn,
	}
	d.mutate(func() {
		d.byTimerID[handle] = item
		heap.Push(&d.timers, item)
		d.notifyNextTimer()
	})
	return handle
}

// DeregisterTimer cancels a previously registered timer. A no-op if the
// handle is unknown or already fired and non-periodic.
func (d *Dispatcher) DeregisterTimer(handle TimerHandle) {
	d.mutate(func() {
		item, ok := d.byTimerID[handle]
		if !ok {
			return
		}
		item.dead = true
		delete(d.byTimerID, handle)
		if item.index >= 0 && item.index < len(d.timers) {
			heap.Remove(&d.timers, item.index)
		}
		d.notifyNextTimer()
	})
}

// SetTime advances the dispatcher's clock and fires every timer whose
// deadline is now <= the new time, in (deadline, insertion-order) order
// (spec §3/§8: "all fired timers have deadline <= now at fire time").
// SetTime is the only way this package's clock advances; it never reads the
// system clock.
func (d *Dispatcher) SetTime(now canopen.Timestamp) {
	d.now = now

	d.runExclusive(func() {
		for {
			if d.timers.Len() == 0 {
				break
			}
			next := d.timers[0]
			if next.deadline.After(now) {
				break
			}
			heap.Pop(&d.timers)
			delete(d.byTimerID, next.handle)
			if next.dead {
				continue
			}
			next.fn(now)
			if next.period != nil && !next.dead {
				deadline := next.deadline
				for !deadline.After(now) {
					deadline = deadline.Add(*next.period)
				}
				next.deadline = deadline
				d.seq++
				next.seq = d.seq
				d.byTimerID[next.handle] = next
				heap.Push(&d.timers, next)
			}
		}
		d.notifyNextTimer()
	})
}

// notifyNextTimer invokes the next-timer-changed callback when the earliest
// pending deadline differs from the last value reported.
func (d *Dispatcher) notifyNextTimer() {
	if d.onNextTimerChanged == nil {
		return
	}
	if d.timers.Len() == 0 {
		return
	}
	next := d.timers[0].deadline
	if d.haveNotified && next == d.lastNotified {
		return
	}
	d.haveNotified = true
	d.lastNotified = next
	d.onNextTimerChanged(next)
}
