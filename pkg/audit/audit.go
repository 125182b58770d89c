// Package audit implements the on-demand remote device capability probe: a
// raw L2CAP control channel is connected to the target and queried for its
// connectionless MTU and extended feature mask. Each probe is an
// asynchronous session driven entirely by event-loop callbacks; the package
// mutates no state outside of them.
package audit

import (
	"errors"
	"time"

	"github.com/muxable/hostd/pkg/bdaddr"
)

// infoTimeout is the deadline for each outstanding info request, re-armed at
// every send.
const infoTimeout = 2000 * time.Millisecond

// recvBufSize is the capacity of the single receive issued per readiness
// notification. Frames are assumed to arrive whole; no reassembly is done.
const recvBufSize = 48

// requestIdentifier is the signalling identifier stamped on every info
// request the probe sends.
const requestIdentifier = 42

var (
	// ErrNotInProgress is returned by Cancel when no session exists for
	// the address.
	ErrNotInProgress = errors.New("audit: not in progress")
	// ErrNotAuthorized is returned by Cancel when the caller is not the
	// requestor that started the session.
	ErrNotAuthorized = errors.New("audit: caller did not request this audit")
	// ErrSubscribeRequestor is returned by Start when the requestor's
	// lifecycle cannot be tracked; the connection attempt itself was fine.
	ErrSubscribeRequestor = errors.New("audit: can't subscribe to requestor lifecycle")
)

// State is the position of a session in the probe exchange.
type State int

const (
	StateConnecting State = iota
	StateAwaitingMtuInfo
	StateAwaitingFeatureInfo
	StateDone
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingMtuInfo:
		return "awaiting-mtu-info"
	case StateAwaitingFeatureInfo:
		return "awaiting-feature-info"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Outcome classifies how a session reached StateDone.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeCancelled
	OutcomeRequestorGone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeRequestorGone:
		return "requestor-gone"
	}
	return "unknown"
}

// Result is what a finished session collected. MTU and FeatureMask are
// meaningful only when the corresponding Have flag is set; a remote that
// answers "not supported" leaves them unset without failing the probe.
type Result struct {
	Address         bdaddr.BDAddr
	Outcome         Outcome
	MTU             uint16
	HaveMTU         bool
	FeatureMask     uint32
	HaveFeatureMask bool
}

// IOCondition is the readiness classification a Transport reports to the
// session.
type IOCondition int

const (
	// CondReady means the descriptor is readable or writable as watched.
	CondReady IOCondition = iota
	// CondError covers socket error and hangup conditions.
	CondError
	// CondInvalid means the descriptor is no longer pollable.
	CondInvalid
)

// Transport is one exclusively owned, non-blocking control channel to the
// target. Watch registrations replace each other; at most one direction is
// watched at a time.
type Transport interface {
	// WatchWritable registers fn for the connect-completion notification.
	WatchWritable(fn func(IOCondition)) error
	// WatchReadable registers fn for incoming-frame notifications.
	WatchReadable(fn func(IOCondition)) error
	// TakeSocketError reads and clears the deferred connect error.
	TakeSocketError() error
	SendFrame(b []byte) error
	ReceiveFrame(bufSize int) ([]byte, error)
	Close() error
}

// Opener dials a Transport toward the target's control channel on behalf of
// the adapter the registry was configured with. It fails synchronously when
// the attempt cannot be started.
type Opener func(target bdaddr.BDAddr) (Transport, error)

// Timer is an armed single-shot deadline.
type Timer interface {
	// Stop cancels the deadline, reporting whether it was still pending.
	Stop() bool
}

// TimerService arms single-shot deadlines on the owning event loop.
type TimerService interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Subscription is a registered interest in a requestor's disappearance.
type Subscription interface {
	// Unsubscribe removes the registration; idempotent.
	Unsubscribe()
}

// LifecycleTracker watches control-channel client identities. The onGone
// callback fires at most once, on the event loop.
type LifecycleTracker interface {
	Subscribe(requestor string, onGone func()) (Subscription, error)
}
