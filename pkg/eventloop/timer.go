package eventloop

import (
	"container/heap"
	"time"
)

// Timer is a single-shot deadline scheduled on a loop.
type Timer struct {
	when    time.Time
	fn      func()
	index   int
	stopped bool
	fired   bool
}

// AfterFunc schedules fn to run on the loop goroutine after d. Must be
// called on the loop goroutine.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{when: time.Now().Add(d), fn: fn}
	heap.Push(&l.timers, t)
	return t
}

// Stop cancels the timer. It reports whether the call prevented the callback
// from running; stopping an already-fired or already-stopped timer is a
// no-op returning false.
func (t *Timer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { t := x.(*Timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// next returns the earliest pending deadline. Stopped timers still bound the
// poll timeout; they are discarded when they come due.
func (h timerHeap) next() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	return h[0].when, true
}

// popDue removes and returns the earliest timer whose deadline has passed.
func (h *timerHeap) popDue(now time.Time) (*Timer, bool) {
	if len(*h) == 0 || (*h)[0].when.After(now) {
		return nil, false
	}
	return heap.Pop(h).(*Timer), true
}
