package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sergiopesch/virtualpodcaststudio/internal/protocol"
	"github.com/sergiopesch/virtualpodcaststudio/internal/realtime"
	"github.com/sergiopesch/virtualpodcaststudio/internal/transcript"
)

type stubProvider struct {
	conn realtime.Conn
	err  error
}

func (p stubProvider) Connect(context.Context) (realtime.Conn, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.conn, nil
}

type runningSession struct {
	sess     *Session
	conn     *realtime.MockConn
	inbound  chan any
	outbound chan any
	done     chan error
}

func startSession(t *testing.T, store transcript.Store) *runningSession {
	t.Helper()
	conn := realtime.NewMockConn()
	sess := NewSession("test-session", stubProvider{conn: conn}, realtime.SessionConfig{Voice: "alloy"}, store)

	rs := &runningSession{
		sess:     sess,
		conn:     conn,
		inbound:  make(chan any),
		outbound: make(chan any, 64),
		done:     make(chan error, 1),
	}
	go func() {
		rs.done <- sess.Run(context.Background(), rs.inbound, rs.outbound)
	}()

	if msg := waitMsg(t, rs.outbound); msg != (protocol.SessionReady{Type: protocol.TypeSessionReady}) {
		t.Fatalf("first outbound message = %#v, want session_ready", msg)
	}
	return rs
}

func waitMsg(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatalf("outbound closed unexpectedly")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound message")
		return nil
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for session to finish")
		return nil
	}
}

func TestSessionReadyEmittedOnce(t *testing.T) {
	rs := startSession(t, nil)

	// A duplicate ack must not produce a second ready signal.
	rs.conn.Emit(realtime.ServerEvent{Type: realtime.EventSessionCreated})
	rs.conn.Emit(realtime.ServerEvent{Type: realtime.EventTextDelta, Delta: "hi"})

	msg := waitMsg(t, rs.outbound)
	delta, ok := msg.(protocol.TextDelta)
	if !ok || delta.Text != "hi" {
		t.Fatalf("message after duplicate ack = %#v, want text_delta", msg)
	}

	close(rs.inbound)
	if err := waitDone(t, rs.done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := rs.sess.State(); got != StateClosed {
		t.Fatalf("State() = %q, want %q", got, StateClosed)
	}
}

func TestClientMessagesProduceAtomicPairs(t *testing.T) {
	rs := startSession(t, nil)

	rs.inbound <- protocol.TextMessage{Type: protocol.TypeText, Text: "hello"}
	rs.inbound <- protocol.AudioMessage{Type: protocol.TypeAudio, Audio: "cGNtMTY="}
	close(rs.inbound)
	if err := waitDone(t, rs.done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	sent := rs.conn.SentEvents()
	wantTypes := []string{
		realtime.ClientEventSessionUpdate,
		realtime.ClientEventItemCreate,
		realtime.ClientEventResponseCreate,
		realtime.ClientEventItemCreate,
		realtime.ClientEventResponseCreate,
	}
	if len(sent) != len(wantTypes) {
		t.Fatalf("sent %d events, want %d: %+v", len(sent), len(wantTypes), sent)
	}
	for i, want := range wantTypes {
		if sent[i].Type != want {
			t.Fatalf("event %d type = %q, want %q", i, sent[i].Type, want)
		}
	}

	if sent[1].Item.Role != "user" || sent[1].Item.Content[0].Text != "hello" {
		t.Fatalf("text item = %+v", sent[1].Item)
	}
	if sent[3].Item.Content[0].Audio != "cGNtMTY=" {
		t.Fatalf("audio item = %+v", sent[3].Item)
	}

	// Configuration goes out exactly once, before any user content.
	for i, evt := range sent[1:] {
		if evt.Type == realtime.ClientEventSessionUpdate {
			t.Fatalf("unexpected session.update at position %d", i+1)
		}
	}

	seen := make(map[string]bool, len(sent))
	for _, evt := range sent {
		if evt.EventID == "" {
			t.Fatalf("event %q missing event_id", evt.Type)
		}
		if seen[evt.EventID] {
			t.Fatalf("duplicate event_id %q", evt.EventID)
		}
		seen[evt.EventID] = true
	}
}

func TestUpstreamEventsTranslateToClientMessages(t *testing.T) {
	rs := startSession(t, nil)

	rs.conn.Emit(realtime.ServerEvent{Type: realtime.EventSpeechStarted})
	rs.conn.Emit(realtime.ServerEvent{Type: realtime.EventSpeechStopped})
	rs.conn.Emit(realtime.ServerEvent{Type: realtime.EventAudioDelta, Delta: "UklGRg=="})
	rs.conn.Emit(realtime.ServerEvent{Type: realtime.EventTranscriptDelta, Delta: "partial"})
	rs.conn.Emit(realtime.ServerEvent{Type: realtime.EventResponseDone})
	rs.conn.Emit(realtime.ServerEvent{Type: realtime.EventError, ErrorMessage: "overloaded"})

	want := []any{
		protocol.SpeechStarted{Type: protocol.TypeSpeechStarted},
		protocol.SpeechStopped{Type: protocol.TypeSpeechStopped},
		protocol.AudioDelta{Type: protocol.TypeAudioDelta, Audio: "UklGRg=="},
		protocol.TranscriptionDelta{Type: protocol.TypeTranscriptionDelta, Text: "partial"},
		protocol.ResponseDone{Type: protocol.TypeResponseDone},
		protocol.ErrorMessage{Type: protocol.TypeError, Message: "overloaded"},
	}
	for i, w := range want {
		got := waitMsg(t, rs.outbound)
		if got != w {
			t.Fatalf("message %d = %#v, want %#v", i, got, w)
		}
	}

	// An upstream error event alone does not end the session.
	if got := rs.sess.State(); got != StateActive {
		t.Fatalf("State() after upstream error = %q, want %q", got, StateActive)
	}

	close(rs.inbound)
	if err := waitDone(t, rs.done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestUpstreamDropEmitsSingleErrorThenCloses(t *testing.T) {
	rs := startSession(t, nil)

	// Simulate the upstream connection dropping mid-session.
	_ = rs.conn.Close()

	if err := waitDone(t, rs.done); err == nil {
		t.Fatalf("Run() should report the upstream drop")
	}

	var errCount int
	for msg := range rs.outbound {
		if _, ok := msg.(protocol.ErrorMessage); ok {
			errCount++
		} else {
			t.Fatalf("unexpected message after upstream drop: %#v", msg)
		}
	}
	if errCount != 1 {
		t.Fatalf("error messages = %d, want exactly 1", errCount)
	}
	if got := rs.sess.State(); got != StateClosed {
		t.Fatalf("State() = %q, want %q", got, StateClosed)
	}
}

func TestMissingCredentialsFailFast(t *testing.T) {
	sess := NewSession("s1", stubProvider{err: realtime.ErrConfigurationMissing}, realtime.SessionConfig{}, nil)
	inbound := make(chan any)
	outbound := make(chan any, 8)

	err := sess.Run(context.Background(), inbound, outbound)
	if !errors.Is(err, realtime.ErrConfigurationMissing) {
		t.Fatalf("Run() error = %v, want ErrConfigurationMissing", err)
	}

	msg, ok := <-outbound
	if !ok {
		t.Fatalf("expected a configuration error message")
	}
	errMsg, ok := msg.(protocol.ErrorMessage)
	if !ok || errMsg.Message != "realtime service is not configured" {
		t.Fatalf("message = %#v", msg)
	}
	if _, ok := <-outbound; ok {
		t.Fatalf("outbound should be closed after the error")
	}
	if got := sess.State(); got != StateClosed {
		t.Fatalf("State() = %q, want %q", got, StateClosed)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	rs := startSession(t, nil)

	if err := rs.sess.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := rs.sess.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	waitDone(t, rs.done)
	if got := rs.sess.State(); got != StateClosed {
		t.Fatalf("State() = %q, want %q", got, StateClosed)
	}
}

func TestAssistantTranscriptSavedOnResponseDone(t *testing.T) {
	store := transcript.NewInMemoryStore()
	rs := startSession(t, store)

	rs.inbound <- protocol.TextMessage{Type: protocol.TypeText, Text: "tell me about transformers"}
	rs.conn.Emit(realtime.ServerEvent{Type: realtime.EventTextDelta, Delta: "Transformers "})
	rs.conn.Emit(realtime.ServerEvent{Type: realtime.EventTextDelta, Delta: "are neat."})
	rs.conn.Emit(realtime.ServerEvent{Type: realtime.EventResponseDone})

	waitMsg(t, rs.outbound)
	waitMsg(t, rs.outbound)
	waitMsg(t, rs.outbound)

	close(rs.inbound)
	if err := waitDone(t, rs.done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Saves are best-effort and asynchronous; poll until both turns land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		turns, err := store.SessionHistory(context.Background(), "test-session", 10)
		if err != nil {
			t.Fatalf("SessionHistory() error = %v", err)
		}
		if len(turns) == 2 {
			byRole := make(map[string]string, 2)
			for _, turn := range turns {
				byRole[turn.Role] = turn.Content
			}
			if byRole["user"] != "tell me about transformers" {
				t.Fatalf("user turn = %q", byRole["user"])
			}
			if byRole["assistant"] != "Transformers are neat." {
				t.Fatalf("assistant turn = %q", byRole["assistant"])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("transcript turns = %d, want 2: %+v", len(turns), turns)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
