package relay

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/sergiopesch/virtualpodcaststudio/internal/protocol"
	"github.com/sergiopesch/virtualpodcaststudio/internal/realtime"
	"github.com/sergiopesch/virtualpodcaststudio/internal/transcript"
)

// State is the lifecycle phase of a relay session.
type State string

const (
	StateInit               State = "init"
	StateConnectingUpstream State = "connecting_upstream"
	StateConfiguring        State = "configuring"
	StateActive             State = "active"
	StateClosing            State = "closing"
	StateClosed             State = "closed"
)

// errUpstreamClosed marks the upstream event stream terminating while the
// session is still running. Terminal for the session; no retry.
var errUpstreamClosed = errors.New("upstream connection closed")

const saveTurnTimeout = 2 * time.Second

// Session bridges one client websocket to one upstream realtime connection.
// It owns both connections' lifetimes: either side closing or erroring tears
// down the other.
type Session struct {
	id       string
	provider realtime.Provider
	cfg      realtime.SessionConfig
	store    transcript.Store

	mu     sync.Mutex
	state  State
	conn   realtime.Conn
	cancel context.CancelFunc

	readyOnce sync.Once
	fatalOnce sync.Once
	closeOnce sync.Once

	// Accumulated assistant output for the in-flight response. Only the
	// upstream loop goroutine touches it; the protocol allows a single
	// in-flight response per session.
	assistantText strings.Builder
}

func NewSession(id string, provider realtime.Provider, cfg realtime.SessionConfig, store transcript.Store) *Session {
	return &Session{
		id:       id,
		provider: provider,
		cfg:      cfg,
		store:    store,
		state:    StateInit,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives the session from construction to teardown. It returns once both
// forwarding loops have stopped and the upstream connection is released; the
// caller owns the client connection and closes it after Run returns.
func (s *Session) Run(ctx context.Context, inbound <-chan any, outbound chan<- any) error {
	// Closed last, once every sender has stopped, so the consumer can drain
	// the final message before releasing the client connection.
	defer close(outbound)

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()
	defer s.Close()

	if err := s.start(runCtx); err != nil {
		s.emitFatal(runCtx, outbound, err)
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- s.upstreamLoop(runCtx, outbound) }()
	go func() { errCh <- s.clientLoop(runCtx, inbound) }()

	err := <-errCh
	if err != nil {
		s.emitFatal(runCtx, outbound, err)
	}
	s.Close()
	<-errCh
	return err
}

// start connects upstream and sends the configuration snapshot exactly once,
// before any user content. The created ack is advisory; it gates only the
// ready signal, not message acceptance.
func (s *Session) start(ctx context.Context) error {
	s.setState(StateConnectingUpstream)
	conn, err := s.provider.Connect(ctx)
	if err != nil {
		s.setState(StateClosed)
		return err
	}

	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		// Close raced session startup; release the fresh connection here
		// since closeOnce has already fired.
		s.mu.Unlock()
		_ = conn.Close()
		return errUpstreamClosed
	}
	s.conn = conn
	s.state = StateConfiguring
	s.mu.Unlock()

	if err := conn.Send(ctx, realtime.SessionUpdate(s.cfg)); err != nil {
		return err
	}
	s.setState(StateActive)
	return nil
}

func (s *Session) clientLoop(ctx context.Context, inbound <-chan any) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if err := s.handleClientMessage(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// handleClientMessage forwards one client message upstream as an atomic
// item/response pair. Both sends happen on the single client-loop goroutine,
// so pairs from different messages never interleave.
func (s *Session) handleClientMessage(ctx context.Context, msg any) error {
	if s.State() != StateActive {
		log.Printf("relay[%s]: dropping client message in state %s", s.id, s.State())
		return nil
	}

	var item realtime.ClientEvent
	switch m := msg.(type) {
	case protocol.TextMessage:
		item = realtime.UserTextItem(m.Text)
		s.saveTurn("user", m.Text)
	case protocol.AudioMessage:
		// One opaque conversation item per inbound chunk; no reassembly.
		item = realtime.UserAudioItem(m.Audio)
	default:
		log.Printf("relay[%s]: skipping unsupported client message %T", s.id, msg)
		return nil
	}

	conn := s.connHandle()
	if conn == nil {
		return errUpstreamClosed
	}
	if err := conn.Send(ctx, item); err != nil {
		return err
	}
	return conn.Send(ctx, realtime.ResponseCreate())
}

func (s *Session) upstreamLoop(ctx context.Context, outbound chan<- any) error {
	conn := s.connHandle()
	if conn == nil {
		return errUpstreamClosed
	}
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return errUpstreamClosed
			}
			s.handleUpstreamEvent(ctx, evt, outbound)
		}
	}
}

// handleUpstreamEvent translates one upstream event into an outbound client
// message. Delta fragments pass through verbatim; terminal events map to
// fixed-shape notifications.
func (s *Session) handleUpstreamEvent(ctx context.Context, evt realtime.ServerEvent, outbound chan<- any) {
	switch evt.Type {
	case realtime.EventSessionCreated:
		s.readyOnce.Do(func() {
			s.send(ctx, outbound, protocol.SessionReady{Type: protocol.TypeSessionReady})
		})
	case realtime.EventSessionUpdated:
		// Advisory ack for the configuration snapshot.
	case realtime.EventAudioDelta:
		s.send(ctx, outbound, protocol.AudioDelta{Type: protocol.TypeAudioDelta, Audio: evt.Delta})
	case realtime.EventTextDelta:
		s.assistantText.WriteString(evt.Delta)
		s.send(ctx, outbound, protocol.TextDelta{Type: protocol.TypeTextDelta, Text: evt.Delta})
	case realtime.EventTranscriptDelta:
		s.assistantText.WriteString(evt.Delta)
		s.send(ctx, outbound, protocol.TranscriptionDelta{Type: protocol.TypeTranscriptionDelta, Text: evt.Delta})
	case realtime.EventResponseDone:
		if text := s.assistantText.String(); text != "" {
			s.saveTurn("assistant", text)
			s.assistantText.Reset()
		}
		s.send(ctx, outbound, protocol.ResponseDone{Type: protocol.TypeResponseDone})
	case realtime.EventSpeechStarted:
		s.send(ctx, outbound, protocol.SpeechStarted{Type: protocol.TypeSpeechStarted})
	case realtime.EventSpeechStopped:
		s.send(ctx, outbound, protocol.SpeechStopped{Type: protocol.TypeSpeechStopped})
	case realtime.EventError:
		// Relayed verbatim; the session continues unless the upstream closes.
		s.send(ctx, outbound, protocol.ErrorMessage{Type: protocol.TypeError, Message: evt.ErrorMessage})
	}
}

// Close releases the upstream connection and stops both loops. Idempotent and
// safe to call concurrently with in-progress sends.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		conn := s.conn
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			_ = conn.Close()
		}
		s.setState(StateClosed)
	})
	return nil
}

// emitFatal delivers the single error message a fatal condition owes the
// client before the duplex connection closes.
func (s *Session) emitFatal(ctx context.Context, outbound chan<- any, err error) {
	s.fatalOnce.Do(func() {
		s.send(ctx, outbound, protocol.ErrorMessage{Type: protocol.TypeError, Message: fatalMessage(err)})
	})
}

func (s *Session) send(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	case <-ctx.Done():
	}
}

func (s *Session) saveTurn(role, content string) {
	if s.store == nil {
		return
	}
	record := transcript.TurnRecord{SessionID: s.id, Role: role, Content: content}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), saveTurnTimeout)
		defer cancel()
		if err := s.store.SaveTurn(ctx, record); err != nil {
			log.Printf("relay[%s]: save turn failed: %v", s.id, err)
		}
	}()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) connHandle() realtime.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func fatalMessage(err error) string {
	switch {
	case errors.Is(err, realtime.ErrConfigurationMissing):
		return "realtime service is not configured"
	case errors.Is(err, realtime.ErrAuthRejected):
		return "upstream authentication rejected"
	case errors.Is(err, realtime.ErrNetworkUnavailable):
		return "upstream service unavailable"
	case errors.Is(err, realtime.ErrConnClosing), errors.Is(err, errUpstreamClosed):
		return "upstream connection closed"
	default:
		return err.Error()
	}
}
