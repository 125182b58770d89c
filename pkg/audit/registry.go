package audit

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/muxable/hostd/pkg/bdaddr"
)

// CompletionFunc receives the outcome of every destroyed session, keyed by
// the requestor that started it.
type CompletionFunc func(requestor string, res Result)

// Config wires a Registry to its collaborators. Open, Timers and Tracker are
// required; OnComplete is optional.
type Config struct {
	Open       Opener
	Timers     TimerService
	Tracker    LifecycleTracker
	OnComplete CompletionFunc
}

// Registry holds every outstanding session and enforces that at most one of
// them owns a live transport at a time. Sessions created while the slot is
// taken wait in FIFO order and are promoted as the active one is destroyed.
// All methods run on the event loop.
type Registry struct {
	open       Opener
	timers     TimerService
	tracker    LifecycleTracker
	onComplete CompletionFunc

	// sessions in creation order. No uniqueness by address: lookups return
	// the most recently created match.
	sessions []*Session
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		open:       cfg.Open,
		timers:     cfg.Timers,
		tracker:    cfg.Tracker,
		onComplete: cfg.OnComplete,
	}
}

// Start creates a session for target on behalf of requestor. When no other
// session holds the live transport the connection attempt begins
// immediately; otherwise the session queues until the slot frees up. A
// synchronous connect failure registers nothing.
func (r *Registry) Start(target bdaddr.BDAddr, adapterID uint16, requestor string) error {
	s := &Session{
		registry:  r,
		target:    target,
		adapterID: adapterID,
		requestor: requestor,
	}

	if !r.HasLiveTransport() {
		t, err := r.open(target)
		if err != nil {
			return fmt.Errorf("audit: open transport: %w", err)
		}
		if err := s.start(t); err != nil {
			t.Close()
			return fmt.Errorf("audit: watch transport: %w", err)
		}
	} else {
		zap.L().Debug("audit queued behind live transport",
			zap.Stringer("target", target))
	}

	sub, err := r.tracker.Subscribe(requestor, s.onRequestorGone)
	if err != nil {
		if s.transport != nil {
			s.transport.Close()
			s.transport = nil
		}
		return fmt.Errorf("%w: %v", ErrSubscribeRequestor, err)
	}
	s.sub = sub

	r.sessions = append(r.sessions, s)
	return nil
}

// Cancel destroys the most recently created session for target, provided
// requestor is the identity that started it.
func (r *Registry) Cancel(target bdaddr.BDAddr, requestor string) error {
	s := r.FindByAddress(target)
	if s == nil {
		return ErrNotInProgress
	}
	if s.requestor != requestor {
		return ErrNotAuthorized
	}
	s.destroy(OutcomeCancelled)
	return nil
}

// FindByAddress returns the most recently created session for target, or
// nil.
func (r *Registry) FindByAddress(target bdaddr.BDAddr) *Session {
	for i := len(r.sessions) - 1; i >= 0; i-- {
		if r.sessions[i].target == target {
			return r.sessions[i]
		}
	}
	return nil
}

// HasLiveTransport reports whether any session currently owns an open
// transport.
func (r *Registry) HasLiveTransport() bool {
	for _, s := range r.sessions {
		if s.transport != nil {
			return true
		}
	}
	return false
}

// Len returns the number of registered sessions, pending included.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// remove deletes s from the registry. Idempotent; the slice is rebuilt so
// removal during iteration elsewhere stays safe.
func (r *Registry) remove(s *Session) {
	for i, ss := range r.sessions {
		if ss == s {
			r.sessions = append(r.sessions[:i:i], r.sessions[i+1:]...)
			return
		}
	}
}

// promote opens the transport for the oldest pending session once the live
// slot is free. A promotion whose connect fails destroys that session and
// tries the next.
func (r *Registry) promote() {
	if r.HasLiveTransport() {
		return
	}
	for _, s := range r.sessions {
		if !s.Pending() {
			continue
		}
		t, err := r.open(s.target)
		if err != nil {
			zap.L().Error("can't open transport for queued audit",
				zap.Stringer("target", s.target), zap.Error(err))
			s.destroy(OutcomeFailed)
			// destroy re-enters promote; the queue has already been
			// walked by the nested call.
			return
		}
		if err := s.start(t); err != nil {
			zap.L().Error("can't watch transport for queued audit",
				zap.Stringer("target", s.target), zap.Error(err))
			t.Close()
			s.transport = nil
			s.destroy(OutcomeFailed)
			return
		}
		return
	}
}
