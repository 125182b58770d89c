package audit

import (
	"go.uber.org/zap"

	"github.com/muxable/hostd/pkg/bdaddr"
	"github.com/muxable/hostd/pkg/l2cap"
)

// Session is one outstanding probe. All methods run on the event loop.
type Session struct {
	registry *Registry

	target bdaddr.BDAddr

	// adapterID is stored by value so a later teardown can tell that the
	// originating adapter went away instead of chasing a stale pointer.
	adapterID uint16

	requestor string

	transport Transport
	timeout   Timer
	sub       Subscription

	state State

	mtu     uint16
	gotMTU  bool
	mask    uint32
	gotMask bool

	destroyed bool
}

// Target returns the remote address being probed.
func (s *Session) Target() bdaddr.BDAddr { return s.target }

// Requestor returns the identity that started the probe.
func (s *Session) Requestor() string { return s.requestor }

// State returns the session's current position in the exchange.
func (s *Session) State() State { return s.state }

// AdapterID returns the identifier of the adapter the probe was started on.
func (s *Session) AdapterID() uint16 { return s.adapterID }

// Pending reports whether the session is still waiting for the live
// transport slot.
func (s *Session) Pending() bool { return s.transport == nil && !s.destroyed }

func (s *Session) result(outcome Outcome) Result {
	return Result{
		Address:         s.target,
		Outcome:         outcome,
		MTU:             s.mtu,
		HaveMTU:         s.gotMTU,
		FeatureMask:     s.mask,
		HaveFeatureMask: s.gotMask,
	}
}

// start takes ownership of an opened transport and begins the exchange.
func (s *Session) start(t Transport) error {
	s.transport = t
	s.state = StateConnecting
	return t.WatchWritable(s.onConnectReady)
}

// onConnectReady fires when the non-blocking connect resolves.
func (s *Session) onConnectReady(cond IOCondition) {
	if cond != CondReady {
		zap.L().Error("error on raw l2cap socket",
			zap.Stringer("target", s.target))
		s.destroy(OutcomeFailed)
		return
	}

	if err := s.transport.TakeSocketError(); err != nil {
		zap.L().Error("l2cap connect failed",
			zap.Stringer("target", s.target), zap.Error(err))
		s.destroy(OutcomeFailed)
		return
	}

	zap.L().Debug("audit connected", zap.Stringer("target", s.target))

	if !s.sendInfoRequest(l2cap.InfoTypeConnectionlessMTU) {
		return
	}
	if err := s.transport.WatchReadable(s.onFrame); err != nil {
		zap.L().Error("can't watch audit socket", zap.Error(err))
		s.destroy(OutcomeFailed)
		return
	}
	s.state = StateAwaitingMtuInfo
}

// onFrame fires once per readable notification while a response is
// outstanding.
func (s *Session) onFrame(cond IOCondition) {
	// The deadline covers exactly one response; whatever woke the socket
	// resolves it.
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}

	if cond != CondReady {
		zap.L().Error("error on raw l2cap socket",
			zap.Stringer("target", s.target))
		s.destroy(OutcomeFailed)
		return
	}

	buf, err := s.transport.ReceiveFrame(recvBufSize)
	if err != nil {
		zap.L().Error("can't receive info response", zap.Error(err))
		s.destroy(OutcomeFailed)
		return
	}

	pkt, err := l2cap.UnmarshalSignallingPacket(buf)
	if err != nil {
		zap.L().Error("can't parse signalling frame", zap.Error(err))
		s.destroy(OutcomeFailed)
		return
	}

	switch p := pkt.(type) {
	case *l2cap.CommandRejectResponsePacket:
		zap.L().Error("info request rejected by remote",
			zap.Stringer("target", s.target),
			zap.Uint16("reason", uint16(p.CommandRejectReason)))
		s.destroy(OutcomeFailed)

	case *l2cap.InformationResponsePacket:
		switch s.state {
		case StateAwaitingMtuInfo:
			s.handleMTUResponse(p)
			if !s.sendInfoRequest(l2cap.InfoTypeExtendedFeatures) {
				return
			}
			s.state = StateAwaitingFeatureInfo

		case StateAwaitingFeatureInfo:
			s.handleFeaturesResponse(p)
			s.destroy(OutcomeCompleted)
		}

	default:
		zap.L().Error("unexpected signalling frame while waiting for info response",
			zap.Stringer("target", s.target))
		s.destroy(OutcomeFailed)
	}
}

func (s *Session) handleMTUResponse(rsp *l2cap.InformationResponsePacket) {
	switch rsp.Result {
	case l2cap.InfoResultSuccess:
		mtu, err := rsp.MTU()
		if err != nil {
			zap.L().Warn("short mtu info payload", zap.Error(err))
			return
		}
		s.mtu = mtu
		s.gotMTU = true
		zap.L().Debug("connectionless mtu", zap.Uint16("mtu", mtu))
	case l2cap.InfoResultNotSupported:
		zap.L().Debug("connectionless mtu not supported")
	}
}

func (s *Session) handleFeaturesResponse(rsp *l2cap.InformationResponsePacket) {
	switch rsp.Result {
	case l2cap.InfoResultSuccess:
		mask, err := rsp.FeatureMask()
		if err != nil {
			zap.L().Warn("short feature info payload", zap.Error(err))
			return
		}
		s.mask = mask
		s.gotMask = true
		zap.L().Debug("extended feature mask",
			zap.Uint32("mask", mask),
			zap.Bool("flowControl", mask&l2cap.FeatureFlowControl != 0),
			zap.Bool("retransmission", mask&l2cap.FeatureRetransmission != 0),
			zap.Bool("bidirectionalQoS", mask&l2cap.FeatureBidirectionalQoS != 0))
	case l2cap.InfoResultNotSupported:
		zap.L().Debug("extended feature mask not supported")
	}
}

// sendInfoRequest writes one info request and arms a fresh deadline for its
// response. On failure the session is destroyed and false returned.
func (s *Session) sendInfoRequest(t l2cap.InfoType) bool {
	req := &l2cap.InformationRequestPacket{Identifier: requestIdentifier, InfoType: t}
	buf, err := req.Marshal()
	if err != nil {
		zap.L().Error("can't marshal info request", zap.Error(err))
		s.destroy(OutcomeFailed)
		return false
	}
	if err := s.transport.SendFrame(buf); err != nil {
		zap.L().Error("can't send info request", zap.Error(err))
		s.destroy(OutcomeFailed)
		return false
	}
	s.timeout = s.registry.timers.AfterFunc(infoTimeout, s.onTimeout)
	return true
}

func (s *Session) onTimeout() {
	zap.L().Error("timed out while waiting for info response",
		zap.Stringer("target", s.target), zap.Stringer("state", s.state))
	s.timeout = nil
	s.destroy(OutcomeFailed)
}

func (s *Session) onRequestorGone() {
	zap.L().Debug("audit requestor exited",
		zap.String("requestor", s.requestor), zap.Stringer("target", s.target))
	s.destroy(OutcomeRequestorGone)
}

// destroy is the single teardown path: transport, timer, lifecycle
// subscription, registry entry, in that order, exactly once. Afterward the
// completion callback runs and the next pending session is promoted.
func (s *Session) destroy(outcome Outcome) {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.state = StateDone

	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			zap.L().Warn("can't close audit transport", zap.Error(err))
		}
		s.transport = nil
	}
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	s.registry.remove(s)

	if s.registry.onComplete != nil {
		s.registry.onComplete(s.requestor, s.result(outcome))
	}

	s.registry.promote()
}
