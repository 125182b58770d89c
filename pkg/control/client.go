package control

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is a synchronous control-channel client: one call in flight at a
// time. Events arriving while a reply is awaited are buffered for
// WaitForCompletion.
type Client struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder

	nextID uint64
	events []Message
}

// Dial connects to the daemon's control socket.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", path, err)
	}
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

func (c *Client) call(method, address string) (*Message, error) {
	c.nextID++
	id := c.nextID
	if err := c.enc.Encode(&Request{ID: id, Method: method, Address: address}); err != nil {
		return nil, fmt.Errorf("control: send request: %w", err)
	}
	for {
		var msg Message
		if err := c.dec.Decode(&msg); err != nil {
			return nil, fmt.Errorf("control: read reply: %w", err)
		}
		if msg.Event != "" {
			c.events = append(c.events, msg)
			continue
		}
		if msg.ID != id {
			continue
		}
		if msg.Error != nil {
			return nil, msg.Error.AsError()
		}
		return &msg, nil
	}
}

// StartAudit asks the daemon to probe address.
func (c *Client) StartAudit(address string) error {
	_, err := c.call(MethodStartAudit, address)
	return err
}

// CancelAudit cancels the audit this client started for address.
func (c *Client) CancelAudit(address string) error {
	_, err := c.call(MethodCancelAudit, address)
	return err
}

// InterruptAudit sends a CancelAudit without waiting for the reply. It is
// the one call safe to issue while WaitForCompletion holds the read side;
// the pending reader discards the reply.
func (c *Client) InterruptAudit(address string) error {
	return c.enc.Encode(&Request{Method: MethodCancelAudit, Address: address})
}

// Adapters lists the daemon's local controllers.
func (c *Client) Adapters() ([]AdapterInfo, error) {
	msg, err := c.call(MethodListAdapters, "")
	if err != nil {
		return nil, err
	}
	return msg.Adapters, nil
}

// WaitForCompletion blocks until the daemon announces the outcome of the
// audit for address, or the timeout passes.
func (c *Client) WaitForCompletion(address string, timeout time.Duration) (*Message, error) {
	for i, ev := range c.events {
		if ev.Event == EventAuditComplete && ev.Address == address {
			msg := ev
			c.events = append(c.events[:i], c.events[i+1:]...)
			return &msg, nil
		}
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		var msg Message
		if err := c.dec.Decode(&msg); err != nil {
			return nil, fmt.Errorf("control: wait for completion: %w", err)
		}
		if msg.Event == EventAuditComplete && msg.Address == address {
			return &msg, nil
		}
		if msg.Event != "" {
			c.events = append(c.events, msg)
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}
