package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MockProvider is a local fallback used when no upstream API key is
// configured. Its connections acknowledge configuration and answer every
// response request with a short canned reply.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Connect(_ context.Context) (Conn, error) {
	c := NewMockConn()
	c.scripted = true
	return c, nil
}

// MockConn is an in-process upstream connection. It always acknowledges a
// session.update with session.created; in scripted mode it also streams a
// canned reply for every response.create. Tests drive additional events
// through Emit.
type MockConn struct {
	mu        sync.Mutex
	closeOnce sync.Once
	closed    bool
	scripted  bool
	sent      []ClientEvent
	events    chan ServerEvent
}

func NewMockConn() *MockConn {
	return &MockConn{events: make(chan ServerEvent, 256)}
}

func (c *MockConn) Send(_ context.Context, evt ClientEvent) error {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosing
	}
	c.sent = append(c.sent, evt)

	switch evt.Type {
	case ClientEventSessionUpdate:
		c.events <- ServerEvent{Type: EventSessionCreated}
	case ClientEventResponseCreate:
		if c.scripted {
			c.events <- ServerEvent{Type: EventTextDelta, Delta: "This is a simulated studio response."}
			c.events <- ServerEvent{Type: EventResponseDone}
		}
	}
	return nil
}

func (c *MockConn) Events() <-chan ServerEvent { return c.events }

// Emit injects an upstream event; it is a no-op once the connection closed.
func (c *MockConn) Emit(evt ServerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- evt
}

// SentEvents returns a snapshot of everything sent upstream, in order.
func (c *MockConn) SentEvents() []ClientEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ClientEvent, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *MockConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
	})
	return nil
}
