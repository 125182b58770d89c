// Package eventloop provides a single-goroutine poll loop with readiness
// watches and one-shot timers. All callbacks run on the loop goroutine, so
// state shared between them needs no locking.
package eventloop

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Events is a bitmask of I/O conditions a watch is interested in or a
// descriptor reported. Err, Hangup and Invalid are always reported,
// requested or not, matching poll(2) semantics.
type Events uint32

const (
	Readable Events = 1 << iota
	Writable
	Err
	Hangup
	Invalid
)

// Loop multiplexes descriptor readiness and timer expiry onto one goroutine.
// Watch, AfterFunc and Stop must be called from the loop goroutine (that is,
// from within a callback); Post is safe from any goroutine.
type Loop struct {
	wakeR, wakeW int

	watches map[int]*Watch
	timers  timerHeap

	mu      sync.Mutex
	posted  []func()
	stopped bool
}

// Watch is a registration of interest in readiness of one descriptor.
type Watch struct {
	loop   *Loop
	fd     int
	events Events
	fn     func(Events)
	closed bool
}

func New() (*Loop, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &Loop{
		wakeR:   p[0],
		wakeW:   p[1],
		watches: make(map[int]*Watch),
	}, nil
}

// Watch registers fn to be called whenever fd reports any of the requested
// events. One watch per descriptor; registering a second is an error.
func (l *Loop) Watch(fd int, events Events, fn func(Events)) (*Watch, error) {
	if _, ok := l.watches[fd]; ok {
		return nil, errors.New("eventloop: descriptor already watched")
	}
	w := &Watch{loop: l, fd: fd, events: events, fn: fn}
	l.watches[fd] = w
	return w, nil
}

// Modify replaces the event set the watch is interested in.
func (w *Watch) Modify(events Events) {
	w.events = events
}

// Close removes the watch. It does not close the descriptor. Safe to call
// more than once, including from within the watch's own callback.
func (w *Watch) Close() {
	if w.closed {
		return
	}
	w.closed = true
	delete(w.loop.watches, w.fd)
}

// Post schedules fn to run on the loop goroutine. It is the only entry point
// safe to use from other goroutines.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	wasEmpty := len(l.posted) == 0
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	if wasEmpty {
		var b [1]byte
		unix.Write(l.wakeW, b[:])
	}
}

// Stop makes Run return after the current iteration. Safe from any goroutine
// via Post; calling it directly is fine on the loop goroutine.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	var b [1]byte
	unix.Write(l.wakeW, b[:])
}

// Run drives the loop until Stop is called. It must be called from exactly
// one goroutine, which becomes the loop goroutine.
func (l *Loop) Run() error {
	for {
		l.mu.Lock()
		stopped := l.stopped
		posted := l.posted
		l.posted = nil
		l.mu.Unlock()

		for _, fn := range posted {
			fn()
		}
		if stopped {
			return nil
		}

		l.runExpiredTimers()

		pfds := make([]unix.PollFd, 0, len(l.watches)+1)
		pfds = append(pfds, unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})
		ws := make([]*Watch, 0, len(l.watches))
		for fd, w := range l.watches {
			pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: pollEvents(w.events)})
			ws = append(ws, w)
		}

		n, err := unix.Poll(pfds, l.pollTimeout())
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}

		if n > 0 && pfds[0].Revents != 0 {
			var b [16]byte
			for {
				if _, err := unix.Read(l.wakeR, b[:]); err != nil {
					break
				}
			}
		}

		for i, w := range ws {
			re := pfds[i+1].Revents
			if re == 0 {
				continue
			}
			// The watch may have been closed by an earlier callback in
			// this same iteration, and its descriptor number may already
			// back a new watch. Dispatch on the registration that was
			// polled, never a lookup by fd.
			if w.closed {
				continue
			}
			w.fn(loopEvents(re))
		}
	}
}

// Close releases the loop's internal descriptors. Call after Run returns.
func (l *Loop) Close() error {
	unix.Close(l.wakeR)
	return unix.Close(l.wakeW)
}

func (l *Loop) pollTimeout() int {
	next, ok := l.timers.next()
	if !ok {
		return -1
	}
	d := time.Until(next)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}

func (l *Loop) runExpiredTimers() {
	now := time.Now()
	for {
		t, ok := l.timers.popDue(now)
		if !ok {
			return
		}
		if t.stopped {
			continue
		}
		t.fired = true
		t.fn()
	}
}

func pollEvents(e Events) int16 {
	var p int16
	if e&Readable != 0 {
		p |= unix.POLLIN
	}
	if e&Writable != 0 {
		p |= unix.POLLOUT
	}
	return p
}

func loopEvents(re int16) Events {
	var e Events
	if re&unix.POLLIN != 0 {
		e |= Readable
	}
	if re&unix.POLLOUT != 0 {
		e |= Writable
	}
	if re&unix.POLLERR != 0 {
		e |= Err
	}
	if re&unix.POLLHUP != 0 {
		e |= Hangup
	}
	if re&unix.POLLNVAL != 0 {
		e |= Invalid
		zap.L().Warn("poll reported invalid descriptor")
	}
	return e
}
