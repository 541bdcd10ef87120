package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrConfigurationMissing is returned before any dial attempt when the
	// upstream credentials are absent.
	ErrConfigurationMissing = errors.New("realtime credentials missing")
	// ErrAuthRejected is returned when the upstream refuses the credentials.
	ErrAuthRejected = errors.New("upstream rejected credentials")
	// ErrNetworkUnavailable is returned on transport-level dial failures.
	ErrNetworkUnavailable = errors.New("upstream network unavailable")
	// ErrConnClosing is returned by Send once the connection is released.
	ErrConnClosing = errors.New("connection closing")
)

// Conn is one persistent upstream connection. Events terminates when the
// underlying connection closes and cannot be resumed; callers must establish
// a new connection to continue.
type Conn interface {
	Send(ctx context.Context, evt ClientEvent) error
	Events() <-chan ServerEvent
	Close() error
}

// Provider establishes upstream connections.
type Provider interface {
	Connect(ctx context.Context) (Conn, error)
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIProvider dials the OpenAI realtime websocket endpoint.
type OpenAIProvider struct {
	cfg OpenAIConfig
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "wss://api.openai.com/v1/realtime"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-realtime-preview-2024-10-01"
	}
	return &OpenAIProvider{cfg: cfg}
}

func (p *OpenAIProvider) Connect(ctx context.Context) (Conn, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, ErrConfigurationMissing
	}

	u, err := url.Parse(p.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrNetworkUnavailable, err)
	}
	q := u.Query()
	q.Set("model", p.cfg.Model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	c := &wsConn{
		conn:   conn,
		events: make(chan ServerEvent, 256),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool
	events    chan ServerEvent
	done      chan struct{}
}

func (c *wsConn) Send(_ context.Context, evt ClientEvent) error {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrConnClosing
	}
	return c.conn.WriteJSON(evt)
}

func (c *wsConn) Events() <-chan ServerEvent { return c.events }

func (c *wsConn) readLoop() {
	defer c.safeClose()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		evt, err := ParseServerEvent(data)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				log.Printf("realtime: dropping event: %v", err)
			}
			continue
		}
		select {
		case c.events <- evt:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		c.writeMu.Unlock()
		close(c.done)
		retErr = c.conn.Close()
	})
	return retErr
}

func (c *wsConn) safeClose() {
	_ = c.Close()
	close(c.events)
}
