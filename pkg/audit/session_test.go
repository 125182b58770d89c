package audit_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/muxable/hostd/pkg/audit"
	"github.com/muxable/hostd/pkg/bdaddr"
	"github.com/muxable/hostd/pkg/l2cap"
)

type fakeTransport struct {
	ready    func(audit.IOCondition)
	sent     [][]byte
	recvNext []byte
	recvErr  error
	sockErr  error
	sendErr  error
	closed   int
}

func (t *fakeTransport) WatchWritable(fn func(audit.IOCondition)) error {
	t.ready = fn
	return nil
}

func (t *fakeTransport) WatchReadable(fn func(audit.IOCondition)) error {
	t.ready = fn
	return nil
}

func (t *fakeTransport) TakeSocketError() error { return t.sockErr }

func (t *fakeTransport) SendFrame(b []byte) error {
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, b)
	return nil
}

func (t *fakeTransport) ReceiveFrame(bufSize int) ([]byte, error) {
	if t.recvErr != nil {
		return nil, t.recvErr
	}
	if len(t.recvNext) > bufSize {
		return t.recvNext[:bufSize], nil
	}
	return t.recvNext, nil
}

func (t *fakeTransport) Close() error {
	t.closed++
	return nil
}

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type fakeTimers struct {
	armed []*fakeTimer
}

func (ts *fakeTimers) AfterFunc(d time.Duration, fn func()) audit.Timer {
	t := &fakeTimer{d: d, fn: fn}
	ts.armed = append(ts.armed, t)
	return t
}

func (ts *fakeTimers) last(t *testing.T) *fakeTimer {
	t.Helper()
	if len(ts.armed) == 0 {
		t.Fatal("no timer armed")
	}
	return ts.armed[len(ts.armed)-1]
}

type fakeSub struct {
	gone         func()
	unsubscribed int
}

func (s *fakeSub) Unsubscribe() { s.unsubscribed++ }

type fakeTracker struct {
	subs map[string][]*fakeSub
	err  error
}

func (tr *fakeTracker) Subscribe(requestor string, onGone func()) (audit.Subscription, error) {
	if tr.err != nil {
		return nil, tr.err
	}
	if tr.subs == nil {
		tr.subs = make(map[string][]*fakeSub)
	}
	s := &fakeSub{gone: onGone}
	tr.subs[requestor] = append(tr.subs[requestor], s)
	return s, nil
}

type harness struct {
	reg        *audit.Registry
	timers     *fakeTimers
	tracker    *fakeTracker
	transports []*fakeTransport
	openErr    error
	opened     int
	results    []audit.Result
	requestors []string
}

func newHarness() *harness {
	h := &harness{timers: &fakeTimers{}, tracker: &fakeTracker{}}
	h.reg = audit.NewRegistry(audit.Config{
		Open: func(target bdaddr.BDAddr) (audit.Transport, error) {
			if h.openErr != nil {
				return nil, h.openErr
			}
			h.opened++
			tp := &fakeTransport{}
			h.transports = append(h.transports, tp)
			return tp, nil
		},
		Timers:  h.timers,
		Tracker: h.tracker,
		OnComplete: func(requestor string, res audit.Result) {
			h.requestors = append(h.requestors, requestor)
			h.results = append(h.results, res)
		},
	})
	return h
}

func mustAddr(t *testing.T, s string) bdaddr.BDAddr {
	t.Helper()
	a, err := bdaddr.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return a
}

func infoResponse(t *testing.T, typ l2cap.InfoType, result l2cap.InfoResult, payload []byte) []byte {
	t.Helper()
	p := &l2cap.InformationResponsePacket{
		Identifier: 42,
		InfoType:   typ,
		Result:     result,
		Info:       payload,
	}
	b, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return b
}

func le16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// connectOK drives the newest session through connect completion and
// returns its transport.
func connectOK(t *testing.T, h *harness) *fakeTransport {
	t.Helper()
	if len(h.transports) == 0 {
		t.Fatal("no transport opened")
	}
	tp := h.transports[len(h.transports)-1]
	tp.ready(audit.CondReady)
	return tp
}

func TestSuccessfulProbe(t *testing.T) {
	h := newHarness()
	addr := mustAddr(t, "00:11:22:33:44:55")

	if err := h.reg.Start(addr, 0, ":1.7"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.opened != 1 {
		t.Fatalf("opened = %d, want 1", h.opened)
	}

	tp := connectOK(t, h)
	if len(tp.sent) != 1 {
		t.Fatalf("sent %d frames after connect, want 1", len(tp.sent))
	}
	wantMTUReq := []byte{0x0a, 0x2a, 0x02, 0x00, 0x01, 0x00}
	if string(tp.sent[0]) != string(wantMTUReq) {
		t.Fatalf("mtu request = % x, want % x", tp.sent[0], wantMTUReq)
	}
	tm := h.timers.last(t)
	if tm.d != 2000*time.Millisecond {
		t.Fatalf("timeout armed at %v, want 2s", tm.d)
	}

	tp.recvNext = infoResponse(t, l2cap.InfoTypeConnectionlessMTU, l2cap.InfoResultSuccess, le16(0x03FD))
	tp.ready(audit.CondReady)

	if !tm.stopped {
		t.Fatal("mtu timeout not disarmed on response")
	}
	if len(tp.sent) != 2 {
		t.Fatalf("sent %d frames, want feature request as second", len(tp.sent))
	}
	wantFeatReq := []byte{0x0a, 0x2a, 0x02, 0x00, 0x02, 0x00}
	if string(tp.sent[1]) != string(wantFeatReq) {
		t.Fatalf("feature request = % x, want % x", tp.sent[1], wantFeatReq)
	}
	featTm := h.timers.last(t)
	if featTm == tm {
		t.Fatal("feature request did not arm a fresh timeout")
	}

	tp.recvNext = infoResponse(t, l2cap.InfoTypeExtendedFeatures, l2cap.InfoResultSuccess, le32(0x0007))
	tp.ready(audit.CondReady)

	if h.reg.Len() != 0 {
		t.Fatalf("registry holds %d sessions after completion", h.reg.Len())
	}
	if tp.closed != 1 {
		t.Fatalf("transport closed %d times, want 1", tp.closed)
	}
	if n := h.tracker.subs[":1.7"][0].unsubscribed; n != 1 {
		t.Fatalf("unsubscribed %d times, want 1", n)
	}
	if len(h.results) != 1 {
		t.Fatalf("got %d results, want 1", len(h.results))
	}
	res := h.results[0]
	if res.Outcome != audit.OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", res.Outcome)
	}
	if !res.HaveMTU || res.MTU != 1021 {
		t.Fatalf("mtu = (%v, %d), want (true, 1021)", res.HaveMTU, res.MTU)
	}
	if !res.HaveFeatureMask || res.FeatureMask != 0x0007 {
		t.Fatalf("mask = (%v, %#x), want (true, 0x7)", res.HaveFeatureMask, res.FeatureMask)
	}
	if h.requestors[0] != ":1.7" {
		t.Fatalf("result requestor = %q", h.requestors[0])
	}
}

func TestMTUNotSupportedStillQueriesFeatures(t *testing.T) {
	h := newHarness()
	addr := mustAddr(t, "00:11:22:33:44:55")
	if err := h.reg.Start(addr, 0, ":1.7"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tp := connectOK(t, h)
	first := h.timers.last(t)

	tp.recvNext = infoResponse(t, l2cap.InfoTypeConnectionlessMTU, l2cap.InfoResultNotSupported, nil)
	tp.ready(audit.CondReady)

	if len(tp.sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(tp.sent))
	}
	if h.timers.last(t) == first {
		t.Fatal("no fresh timeout for feature request")
	}

	tp.recvNext = infoResponse(t, l2cap.InfoTypeExtendedFeatures, l2cap.InfoResultNotSupported, nil)
	tp.ready(audit.CondReady)

	res := h.results[0]
	if res.Outcome != audit.OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", res.Outcome)
	}
	if res.HaveMTU || res.HaveFeatureMask {
		t.Fatalf("fields set on not-supported responses: %+v", res)
	}
}

func TestUnknownResultCodeTreatedAsNotSupported(t *testing.T) {
	h := newHarness()
	addr := mustAddr(t, "00:11:22:33:44:55")
	if err := h.reg.Start(addr, 0, ":1.7"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tp := connectOK(t, h)

	tp.recvNext = infoResponse(t, l2cap.InfoTypeConnectionlessMTU, l2cap.InfoResult(0x0004), le16(999))
	tp.ready(audit.CondReady)

	if len(tp.sent) != 2 {
		t.Fatal("unknown result code did not advance to feature query")
	}

	tp.recvNext = infoResponse(t, l2cap.InfoTypeExtendedFeatures, l2cap.InfoResultSuccess, le32(0x0100))
	tp.ready(audit.CondReady)

	res := h.results[0]
	if res.HaveMTU {
		t.Fatal("mtu recorded from ignored result code")
	}
	if !res.HaveFeatureMask || res.FeatureMask != 0x0100 {
		t.Fatalf("mask = (%v, %#x)", res.HaveFeatureMask, res.FeatureMask)
	}
}

func TestDeferredConnectErrorFailsSession(t *testing.T) {
	h := newHarness()
	addr := mustAddr(t, "00:11:22:33:44:55")
	if err := h.reg.Start(addr, 0, ":1.7"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tp := h.transports[0]
	tp.sockErr = errors.New("connection refused")
	tp.ready(audit.CondReady)

	if len(tp.sent) != 0 {
		t.Fatal("frames sent despite connect failure")
	}
	if h.reg.Len() != 0 {
		t.Fatal("failed session left registered")
	}
	if h.results[0].Outcome != audit.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", h.results[0].Outcome)
	}
}

func TestSocketConditionFailsSession(t *testing.T) {
	h := newHarness()
	addr := mustAddr(t, "00:11:22:33:44:55")
	if err := h.reg.Start(addr, 0, ":1.7"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tp := connectOK(t, h)

	tp.ready(audit.CondError)

	if h.reg.Len() != 0 || tp.closed != 1 {
		t.Fatalf("session not torn down: len=%d closed=%d", h.reg.Len(), tp.closed)
	}
	if h.results[0].Outcome != audit.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", h.results[0].Outcome)
	}
}

func TestReceiveErrorFailsSession(t *testing.T) {
	h := newHarness()
	addr := mustAddr(t, "00:11:22:33:44:55")
	if err := h.reg.Start(addr, 0, ":1.7"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tp := connectOK(t, h)
	tp.recvErr = errors.New("connection reset")
	tp.ready(audit.CondReady)

	if h.reg.Len() != 0 {
		t.Fatal("session survived receive failure")
	}
	if h.results[0].Outcome != audit.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", h.results[0].Outcome)
	}
}

func TestCommandRejectFailsSession(t *testing.T) {
	h := newHarness()
	addr := mustAddr(t, "00:11:22:33:44:55")
	if err := h.reg.Start(addr, 0, ":1.7"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tp := connectOK(t, h)
	tm := h.timers.last(t)

	rej := &l2cap.CommandRejectResponsePacket{
		Identifier:          42,
		CommandRejectReason: l2cap.CommandRejectReasonCommandNotUnderstood,
	}
	b, err := rej.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	tp.recvNext = b
	tp.ready(audit.CondReady)

	if h.reg.Len() != 0 || tp.closed != 1 {
		t.Fatalf("session not torn down: len=%d closed=%d", h.reg.Len(), tp.closed)
	}
	if !tm.stopped {
		t.Fatal("timeout left armed after reject")
	}
	if h.results[0].Outcome != audit.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", h.results[0].Outcome)
	}
}

func TestUnexpectedFrameFailsSession(t *testing.T) {
	h := newHarness()
	addr := mustAddr(t, "00:11:22:33:44:55")
	if err := h.reg.Start(addr, 0, ":1.7"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tp := connectOK(t, h)

	// An info request from the remote is not the response we asked for.
	req := &l2cap.InformationRequestPacket{Identifier: 7, InfoType: l2cap.InfoTypeConnectionlessMTU}
	b, err := req.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	tp.recvNext = b
	tp.ready(audit.CondReady)

	if h.reg.Len() != 0 {
		t.Fatal("session survived unexpected frame")
	}
	if h.results[0].Outcome != audit.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", h.results[0].Outcome)
	}
}

func TestTimeoutWhileAwaitingFeatures(t *testing.T) {
	h := newHarness()
	addr := mustAddr(t, "00:11:22:33:44:55")
	if err := h.reg.Start(addr, 0, ":1.7"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tp := connectOK(t, h)
	tp.recvNext = infoResponse(t, l2cap.InfoTypeConnectionlessMTU, l2cap.InfoResultSuccess, le16(672))
	tp.ready(audit.CondReady)

	h.timers.last(t).fn()

	if h.reg.Len() != 0 {
		t.Fatal("timed-out session left registered")
	}
	if n := h.tracker.subs[":1.7"][0].unsubscribed; n != 1 {
		t.Fatalf("lifecycle subscription released %d times, want 1", n)
	}
	if tp.closed != 1 {
		t.Fatalf("transport closed %d times, want 1", tp.closed)
	}
	if h.results[0].Outcome != audit.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", h.results[0].Outcome)
	}
}

func TestCancelAuthorization(t *testing.T) {
	h := newHarness()
	addr := mustAddr(t, "00:11:22:33:44:55")
	if err := h.reg.Start(addr, 0, ":1.7"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.reg.Cancel(addr, ":1.9"); !errors.Is(err, audit.ErrNotAuthorized) {
		t.Fatalf("Cancel by stranger: %v, want ErrNotAuthorized", err)
	}
	if h.reg.Len() != 1 {
		t.Fatal("unauthorized cancel modified the session")
	}
	if s := h.reg.FindByAddress(addr); s == nil || s.State() != audit.StateConnecting {
		t.Fatal("session state changed by unauthorized cancel")
	}

	if err := h.reg.Cancel(addr, ":1.7"); err != nil {
		t.Fatalf("Cancel by owner: %v", err)
	}
	if h.reg.Len() != 0 {
		t.Fatal("session left after owner cancel")
	}
	if h.results[0].Outcome != audit.OutcomeCancelled {
		t.Fatalf("outcome = %v, want cancelled", h.results[0].Outcome)
	}
}

func TestCancelWithoutSession(t *testing.T) {
	h := newHarness()
	addr := mustAddr(t, "00:11:22:33:44:55")
	if err := h.reg.Cancel(addr, ":1.7"); !errors.Is(err, audit.ErrNotInProgress) {
		t.Fatalf("Cancel: %v, want ErrNotInProgress", err)
	}
}

func TestSyncConnectFailureRegistersNothing(t *testing.T) {
	h := newHarness()
	h.openErr = errors.New("no route to host")
	addr := mustAddr(t, "00:11:22:33:44:55")
	if err := h.reg.Start(addr, 0, ":1.7"); err == nil {
		t.Fatal("Start succeeded despite connect failure")
	}
	if h.reg.Len() != 0 {
		t.Fatal("session registered despite connect failure")
	}
	if len(h.tracker.subs) != 0 {
		t.Fatal("lifecycle subscription created despite connect failure")
	}
}

func TestSubscribeFailureClosesTransport(t *testing.T) {
	h := newHarness()
	h.tracker.err = errors.New("requestor vanished")
	addr := mustAddr(t, "00:11:22:33:44:55")

	err := h.reg.Start(addr, 0, ":1.7")
	if !errors.Is(err, audit.ErrSubscribeRequestor) {
		t.Fatalf("Start: %v, want ErrSubscribeRequestor", err)
	}
	if h.reg.Len() != 0 {
		t.Fatal("session registered despite subscribe failure")
	}
	if h.transports[0].closed != 1 {
		t.Fatal("transport left open after subscribe failure")
	}
}

func TestSecondSessionQueuesBehindLiveTransport(t *testing.T) {
	h := newHarness()
	a := mustAddr(t, "00:11:22:33:44:55")
	b := mustAddr(t, "66:77:88:99:AA:BB")

	if err := h.reg.Start(a, 0, ":1.7"); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	if err := h.reg.Start(b, 0, ":1.8"); err != nil {
		t.Fatalf("Start b: %v", err)
	}
	if h.opened != 1 {
		t.Fatalf("opened = %d transports, want 1 while slot is taken", h.opened)
	}
	if h.reg.Len() != 2 {
		t.Fatalf("registry len = %d, want 2", h.reg.Len())
	}
	if s := h.reg.FindByAddress(b); s == nil || !s.Pending() {
		t.Fatal("second session should be pending")
	}

	// Destroying the active session promotes the queued one.
	if err := h.reg.Cancel(a, ":1.7"); err != nil {
		t.Fatalf("Cancel a: %v", err)
	}
	if h.opened != 2 {
		t.Fatalf("opened = %d, want promotion to open second transport", h.opened)
	}
	if !h.reg.HasLiveTransport() {
		t.Fatal("promoted session has no live transport")
	}
	if s := h.reg.FindByAddress(b); s == nil || s.Pending() {
		t.Fatal("promoted session still pending")
	}
}

func TestPromotionFailureDestroysQueuedSession(t *testing.T) {
	h := newHarness()
	a := mustAddr(t, "00:11:22:33:44:55")
	b := mustAddr(t, "66:77:88:99:AA:BB")

	if err := h.reg.Start(a, 0, ":1.7"); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	if err := h.reg.Start(b, 0, ":1.8"); err != nil {
		t.Fatalf("Start b: %v", err)
	}

	h.openErr = errors.New("adapter removed")
	if err := h.reg.Cancel(a, ":1.7"); err != nil {
		t.Fatalf("Cancel a: %v", err)
	}
	if h.reg.Len() != 0 {
		t.Fatalf("registry len = %d after failed promotion, want 0", h.reg.Len())
	}
	// cancelled a, then failed b.
	if len(h.results) != 2 || h.results[1].Outcome != audit.OutcomeFailed {
		t.Fatalf("results = %+v", h.results)
	}
}

func TestRequestorExitAbortsSession(t *testing.T) {
	h := newHarness()
	addr := mustAddr(t, "00:11:22:33:44:55")
	if err := h.reg.Start(addr, 0, ":1.7"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tp := connectOK(t, h)

	sub := h.tracker.subs[":1.7"][0]
	sub.gone()

	if h.reg.Len() != 0 || tp.closed != 1 {
		t.Fatalf("teardown incomplete: len=%d closed=%d", h.reg.Len(), tp.closed)
	}
	if h.results[0].Outcome != audit.OutcomeRequestorGone {
		t.Fatalf("outcome = %v, want requestor-gone", h.results[0].Outcome)
	}

	// A late duplicate notification must be harmless.
	sub.gone()
	if tp.closed != 1 || len(h.results) != 1 {
		t.Fatal("duplicate exit notification re-ran teardown")
	}
}

func TestDuplicateAddressesPeelNewestFirst(t *testing.T) {
	h := newHarness()
	addr := mustAddr(t, "00:11:22:33:44:55")
	if err := h.reg.Start(addr, 0, ":1.7"); err != nil {
		t.Fatalf("Start 1: %v", err)
	}
	if err := h.reg.Start(addr, 0, ":1.8"); err != nil {
		t.Fatalf("Start 2: %v", err)
	}

	if s := h.reg.FindByAddress(addr); s.Requestor() != ":1.8" {
		t.Fatalf("FindByAddress returned %q, want most recent :1.8", s.Requestor())
	}
	if err := h.reg.Cancel(addr, ":1.8"); err != nil {
		t.Fatalf("Cancel newest: %v", err)
	}
	if s := h.reg.FindByAddress(addr); s == nil || s.Requestor() != ":1.7" {
		t.Fatal("oldest session should remain after cancelling newest")
	}
}

func TestAtMostOneLiveTransport(t *testing.T) {
	h := newHarness()
	addrs := []string{"00:11:22:33:44:55", "66:77:88:99:AA:BB", "0C:0D:0E:0F:10:11"}
	for i, s := range addrs {
		if err := h.reg.Start(mustAddr(t, s), uint16(i), ":1.7"); err != nil {
			t.Fatalf("Start %s: %v", s, err)
		}
		if h.opened > 1 {
			t.Fatalf("more than one live transport after %d starts", i+1)
		}
	}
}
