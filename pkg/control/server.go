package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muxable/hostd/pkg/audit"
	"github.com/muxable/hostd/pkg/bdaddr"
	"github.com/muxable/hostd/pkg/eventloop"
	"github.com/muxable/hostd/pkg/host"
)

// Config carries the server's runtime options.
type Config struct {
	// Experimental gates the audit methods; when false they answer as
	// unknown methods.
	Experimental bool
	// AdapterID is the controller audits originate from.
	AdapterID uint16
}

type handlerFunc func(requestor string, req *Request) (*Message, error)

type method struct {
	fn           handlerFunc
	experimental bool
}

// Server owns the control socket. Connection accept and reads happen on
// per-connection goroutines; every handler and all shared state runs on the
// event loop.
type Server struct {
	loop     *eventloop.Loop
	activity *host.Activity
	registry *audit.Registry
	cfg      Config

	methods map[string]method

	// loop-confined.
	conns     map[string]*clientConn
	listeners map[string]map[string]func()
}

// sendQueueDepth bounds the replies and events buffered per connection
// before the client is considered stalled.
const sendQueueDepth = 16

type clientConn struct {
	id   string
	conn net.Conn
	out  chan *Message

	// dropped is loop-confined; once set no further messages are queued.
	dropped bool
}

func NewServer(loop *eventloop.Loop, activity *host.Activity, cfg Config) *Server {
	s := &Server{
		loop:      loop,
		activity:  activity,
		cfg:       cfg,
		conns:     make(map[string]*clientConn),
		listeners: make(map[string]map[string]func()),
	}
	s.methods = map[string]method{
		MethodStartAudit:   {fn: s.startAudit, experimental: true},
		MethodCancelAudit:  {fn: s.cancelAudit, experimental: true},
		MethodListAdapters: {fn: s.listAdapters},
	}
	return s
}

// SetRegistry wires the audit registry in. Must be called before Serve.
func (s *Server) SetRegistry(r *audit.Registry) { s.registry = r }

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c := &clientConn{
			id:   uuid.NewString(),
			conn: conn,
			out:  make(chan *Message, sendQueueDepth),
		}
		s.loop.Post(func() { s.conns[c.id] = c })
		go s.writeLoop(c)
		go s.readLoop(c)
	}
}

// readLoop parses requests off one connection and hands them to the loop.
// When the connection drops, for any reason, the requestor is declared gone.
func (s *Server) readLoop(c *clientConn) {
	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			zap.L().Warn("malformed control request",
				zap.String("requestor", c.id), zap.Error(err))
			break
		}
		s.loop.Post(func() { s.dispatch(c, &req) })
	}
	c.conn.Close()
	s.loop.Post(func() { s.connGone(c) })
}

func (s *Server) dispatch(c *clientConn, req *Request) {
	reply := &Message{ID: req.ID}

	m, ok := s.methods[req.Method]
	if !ok || (m.experimental && !s.cfg.Experimental) {
		reply.Error = errorInfo(ErrUnknownMethod)
		s.send(c, reply)
		return
	}

	msg, err := m.fn(c.id, req)
	if err != nil {
		reply.Error = errorInfo(err)
	} else if msg != nil {
		msg.ID = req.ID
		reply = msg
	}
	s.send(c, reply)
}

// writeLoop drains one connection's outgoing queue so a client that stops
// reading parks this goroutine, never the event loop. It exits when the
// queue is closed or a write fails.
func (s *Server) writeLoop(c *clientConn) {
	enc := json.NewEncoder(c.conn)
	for msg := range c.out {
		if err := enc.Encode(msg); err != nil {
			zap.L().Warn("can't write to control client",
				zap.String("requestor", c.id), zap.Error(err))
			c.conn.Close()
			return
		}
	}
}

// send queues msg for the connection's writer. Runs on the loop and must
// never block; a client whose queue is full is dropped.
func (s *Server) send(c *clientConn, msg *Message) {
	if c.dropped {
		return
	}
	select {
	case c.out <- msg:
	default:
		zap.L().Warn("control client not reading, dropping connection",
			zap.String("requestor", c.id))
		c.dropped = true
		c.conn.Close()
	}
}

func (s *Server) connGone(c *clientConn) {
	c.dropped = true
	close(c.out)
	delete(s.conns, c.id)
	subs := s.listeners[c.id]
	if subs == nil {
		return
	}
	// Callbacks unsubscribe themselves while we iterate; copy first.
	fns := make([]func(), 0, len(subs))
	for _, fn := range subs {
		fns = append(fns, fn)
	}
	for _, fn := range fns {
		fn()
	}
	delete(s.listeners, c.id)
}

// Subscribe implements audit.LifecycleTracker: onGone fires on the loop when
// the requestor's connection closes.
func (s *Server) Subscribe(requestor string, onGone func()) (audit.Subscription, error) {
	if _, ok := s.conns[requestor]; !ok {
		return nil, errors.New("control: unknown requestor")
	}
	subs := s.listeners[requestor]
	if subs == nil {
		subs = make(map[string]func())
		s.listeners[requestor] = subs
	}
	token := uuid.NewString()
	subs[token] = onGone
	return &subscription{server: s, requestor: requestor, token: token}, nil
}

type subscription struct {
	server    *Server
	requestor string
	token     string
}

func (sub *subscription) Unsubscribe() {
	if subs, ok := sub.server.listeners[sub.requestor]; ok {
		delete(subs, sub.token)
		if len(subs) == 0 {
			delete(sub.server.listeners, sub.requestor)
		}
	}
}

// NotifyComplete implements the registry's completion callback, forwarding
// the outcome to the requestor's connection if it is still there.
func (s *Server) NotifyComplete(requestor string, res audit.Result) {
	c, ok := s.conns[requestor]
	if !ok {
		return
	}
	msg := &Message{
		Event:   EventAuditComplete,
		Address: res.Address.String(),
		Status:  res.Outcome.String(),
	}
	if res.HaveMTU {
		mtu := res.MTU
		msg.MTU = &mtu
	}
	if res.HaveFeatureMask {
		mask := res.FeatureMask
		msg.FeatureMask = &mask
	}
	s.send(c, msg)
}

func (s *Server) startAudit(requestor string, req *Request) (*Message, error) {
	addr, err := bdaddr.Parse(req.Address)
	if err != nil {
		return nil, ErrInvalidArguments
	}

	if s.activity.DiscoveryBlocks() {
		return nil, ErrDiscoveryInProgress
	}

	s.activity.CancelPendingNameRequest()

	if s.activity.Bonding() || s.activity.HasPinRequest(addr) {
		return nil, ErrBondingInProgress
	}

	if err := s.registry.Start(addr, s.cfg.AdapterID, requestor); err != nil {
		zap.L().Error("can't start audit",
			zap.String("address", req.Address), zap.Error(err))
		if errors.Is(err, audit.ErrSubscribeRequestor) {
			return nil, ErrFailed
		}
		return nil, ErrConnectionAttemptFailed
	}
	return nil, nil
}

func (s *Server) cancelAudit(requestor string, req *Request) (*Message, error) {
	addr, err := bdaddr.Parse(req.Address)
	if err != nil {
		return nil, ErrInvalidArguments
	}
	switch err := s.registry.Cancel(addr, requestor); {
	case errors.Is(err, audit.ErrNotInProgress):
		return nil, ErrNotInProgress
	case errors.Is(err, audit.ErrNotAuthorized):
		return nil, ErrNotAuthorized
	case err != nil:
		return nil, err
	}
	return nil, nil
}

func (s *Server) listAdapters(string, *Request) (*Message, error) {
	adapters, err := host.Adapters()
	if err != nil {
		return nil, err
	}
	msg := &Message{}
	for _, a := range adapters {
		msg.Adapters = append(msg.Adapters, AdapterInfo{
			ID:      a.ID,
			Name:    a.Name,
			Address: a.Addr.String(),
		})
	}
	return msg, nil
}
