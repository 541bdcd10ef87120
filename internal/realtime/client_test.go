package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestConnectRequiresCredentials(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{})
	_, err := p.Connect(context.Background())
	if !errors.Is(err, ErrConfigurationMissing) {
		t.Fatalf("error = %v, want ErrConfigurationMissing", err)
	}
}

func TestConnectAuthRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer ts.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "bad-key", BaseURL: wsURL(ts.URL)})
	_, err := p.Connect(context.Background())
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("error = %v, want ErrAuthRejected", err)
	}
}

func TestConnectNetworkUnavailable(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{APIKey: "key", BaseURL: "ws://127.0.0.1:1"})
	_, err := p.Connect(context.Background())
	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("error = %v, want ErrNetworkUnavailable", err)
	}
}

func TestConnSendAndReceive(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan ClientEvent, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("model"); got != "test-model" {
			t.Errorf("model = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var evt ClientEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Errorf("unmarshal client event: %v", err)
			return
		}
		received <- evt

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created"}`))
		// Unknown kinds must be dropped, not forwarded.
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"rate_limits.updated"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.text.delta","delta":"hi"}`))
	}))
	defer ts.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: wsURL(ts.URL), Model: "test-model"})
	conn, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	if err := conn.Send(context.Background(), SessionUpdate(SessionConfig{Voice: "alloy"})); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	sent := <-received
	if sent.Type != ClientEventSessionUpdate {
		t.Fatalf("sent type = %q", sent.Type)
	}
	if sent.EventID == "" {
		t.Fatalf("outbound event should carry an event_id")
	}
	if sent.Session == nil || sent.Session.Voice != "alloy" {
		t.Fatalf("unexpected session payload: %+v", sent.Session)
	}

	evt := waitEvent(t, conn.Events())
	if evt.Type != EventSessionCreated {
		t.Fatalf("first event = %q, want session.created", evt.Type)
	}
	evt = waitEvent(t, conn.Events())
	if evt.Type != EventTextDelta || evt.Delta != "hi" {
		t.Fatalf("second event = %+v, want text delta", evt)
	}
}

func TestConnSendAfterCloseFailsCleanly(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "key", BaseURL: wsURL(ts.URL)})
	conn, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := conn.Send(context.Background(), ResponseCreate()); !errors.Is(err, ErrConnClosing) {
		t.Fatalf("Send() after close = %v, want ErrConnClosing", err)
	}

	// The event stream terminates and cannot be resumed.
	select {
	case _, ok := <-conn.Events():
		if ok {
			t.Fatalf("events channel should be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for events channel to close")
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func waitEvent(t *testing.T, ch <-chan ServerEvent) ServerEvent {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatalf("event stream closed unexpectedly")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for upstream event")
		return ServerEvent{}
	}
}
