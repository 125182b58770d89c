package audit

import (
	"time"

	"github.com/muxable/hostd/pkg/eventloop"
	"github.com/muxable/hostd/pkg/l2cap"
)

// loopTransport binds a raw L2CAP socket to an event loop, translating poll
// conditions into the session's IOCondition classification.
type loopTransport struct {
	conn  *l2cap.RawConn
	loop  *eventloop.Loop
	watch *eventloop.Watch
}

// NewLoopTransport wraps conn for use as a session Transport, polling it on
// loop.
func NewLoopTransport(loop *eventloop.Loop, conn *l2cap.RawConn) Transport {
	return &loopTransport{conn: conn, loop: loop}
}

func (t *loopTransport) WatchWritable(fn func(IOCondition)) error {
	return t.rewatch(eventloop.Writable, fn)
}

func (t *loopTransport) WatchReadable(fn func(IOCondition)) error {
	return t.rewatch(eventloop.Readable, fn)
}

func (t *loopTransport) rewatch(ev eventloop.Events, fn func(IOCondition)) error {
	if t.watch != nil {
		t.watch.Close()
		t.watch = nil
	}
	w, err := t.loop.Watch(t.conn.Fd(), ev, func(got eventloop.Events) {
		fn(classify(got))
	})
	if err != nil {
		return err
	}
	t.watch = w
	return nil
}

func (t *loopTransport) TakeSocketError() error {
	return t.conn.TakeSocketError()
}

func (t *loopTransport) SendFrame(b []byte) error {
	return t.conn.SendFrame(b)
}

func (t *loopTransport) ReceiveFrame(bufSize int) ([]byte, error) {
	return t.conn.ReceiveFrame(bufSize)
}

func (t *loopTransport) Close() error {
	if t.watch != nil {
		t.watch.Close()
		t.watch = nil
	}
	return t.conn.Close()
}

func classify(ev eventloop.Events) IOCondition {
	switch {
	case ev&eventloop.Invalid != 0:
		return CondInvalid
	case ev&(eventloop.Err|eventloop.Hangup) != 0:
		return CondError
	}
	return CondReady
}

// LoopTimers adapts an event loop to the TimerService seam.
type LoopTimers struct {
	Loop *eventloop.Loop
}

func (lt LoopTimers) AfterFunc(d time.Duration, fn func()) Timer {
	return lt.Loop.AfterFunc(d, fn)
}
