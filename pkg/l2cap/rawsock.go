package l2cap

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/muxable/hostd/pkg/bdaddr"
)

// RawConn is a non-blocking raw L2CAP socket speaking directly on the
// signalling channel of a remote device. Connect completion is signalled by
// the socket becoming writable; callers are expected to poll the descriptor
// through an event loop rather than block on it.
type RawConn struct {
	fd     int
	local  bdaddr.BDAddr
	remote bdaddr.BDAddr
	closed bool
}

// DialRaw opens a raw L2CAP socket bound to the local adapter address and
// starts a non-blocking connect to the target. A nil error does not mean the
// connection is established, only that the attempt is in flight; check
// TakeSocketError once the socket reports writable.
func DialRaw(local, target bdaddr.BDAddr) (*RawConn, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_L2CAP)
	if err != nil {
		return nil, fmt.Errorf("l2cap: create raw socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrL2{Addr: local}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("l2cap: bind %s: %w", local, err)
	}

	if err := unix.Connect(fd, &unix.SockaddrL2{Addr: target}); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("l2cap: connect %s: %w", target, err)
	}

	return &RawConn{fd: fd, local: local, remote: target}, nil
}

// Fd returns the underlying socket descriptor for readiness polling.
func (c *RawConn) Fd() int {
	return c.fd
}

// RemoteAddr returns the target device address.
func (c *RawConn) RemoteAddr() bdaddr.BDAddr {
	return c.remote
}

// SendFrame writes one signalling frame. The socket is non-blocking; a raw
// L2CAP socket accepts a whole frame or fails, so a short write is an error.
func (c *RawConn) SendFrame(b []byte) error {
	n, err := unix.Write(c.fd, b)
	if err != nil {
		return fmt.Errorf("l2cap: send frame: %w", err)
	}
	if n != len(b) {
		return fmt.Errorf("l2cap: short frame write: %d of %d", n, len(b))
	}
	return nil
}

// ReceiveFrame reads one frame into a buffer of the given capacity. Exactly
// one read is issued; the frame is assumed to arrive whole, no reassembly is
// attempted.
func (c *RawConn) ReceiveFrame(bufSize int) ([]byte, error) {
	buf := make([]byte, bufSize)
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		return nil, fmt.Errorf("l2cap: receive frame: %w", err)
	}
	return buf[:n], nil
}

// TakeSocketError reads and clears the pending socket error, returning nil
// when the connect completed cleanly.
func (c *RawConn) TakeSocketError() error {
	v, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("l2cap: get socket error: %w", err)
	}
	if v != 0 {
		return fmt.Errorf("l2cap: connect %s: %w", c.remote, unix.Errno(v))
	}
	return nil
}

func (c *RawConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}
