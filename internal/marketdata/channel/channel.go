// Package channel provides the real-time transports market data is published
// over: an in-process channel, Redis pub/sub and a websocket hub.
package channel

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("channel: closed")

// Handler receives the payload of an inbound event.
type Handler func(payload []byte)

// handlers is an event → handler registry shared by the transports.
type handlers struct {
	mu sync.RWMutex
	m  map[string][]Handler
}

func (h *handlers) on(event string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[string][]Handler)
	}
	h.m[event] = append(h.m[event], fn)
}

func (h *handlers) dispatch(event string, payload []byte) int {
	h.mu.RLock()
	fns := h.m[event]
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(payload)
	}
	return len(fns)
}

// Sent is one outbound message recorded by a MemoryChannel.
type Sent struct {
	Event   string
	Payload []byte
}

// MemoryChannel records outbound messages and lets callers inject inbound
// ones. Used in process and in tests.
type MemoryChannel struct {
	handlers
	mu     sync.Mutex
	sent   []Sent
	subs   []func(Sent)
	closed bool
	// Err, when set, fails every Send.
	Err error
}

func NewMemoryChannel() *MemoryChannel { return &MemoryChannel{} }

func (c *MemoryChannel) Send(ctx context.Context, event string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.Err != nil {
		c.mu.Unlock()
		return c.Err
	}
	msg := Sent{Event: event, Payload: append([]byte(nil), payload...)}
	c.sent = append(c.sent, msg)
	subs := append([]func(Sent){}, c.subs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}
	return nil
}

func (c *MemoryChannel) On(event string, handler func(payload []byte)) { c.on(event, handler) }

// Deliver simulates an inbound event and reports how many handlers ran.
func (c *MemoryChannel) Deliver(event string, payload []byte) int {
	return c.dispatch(event, payload)
}

// Subscribe registers fn for every subsequent outbound message.
func (c *MemoryChannel) Subscribe(fn func(Sent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// Sent returns a copy of the outbound log.
func (c *MemoryChannel) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Sender is the outbound half of a transport.
type Sender interface {
	Send(ctx context.Context, event string, payload []byte) error
	On(event string, handler func(payload []byte))
}

// Multi fans out to several transports. Send attempts every transport and
// returns the joined errors; On registers on all of them.
type Multi []Sender

func (m Multi) Send(ctx context.Context, event string, payload []byte) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) On(event string, handler func(payload []byte)) {
	for _, s := range m {
		s.On(event, handler)
	}
}
