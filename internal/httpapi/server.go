package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sergiopesch/virtualpodcaststudio/internal/admission"
	"github.com/sergiopesch/virtualpodcaststudio/internal/arxiv"
	"github.com/sergiopesch/virtualpodcaststudio/internal/config"
	"github.com/sergiopesch/virtualpodcaststudio/internal/observability"
	"github.com/sergiopesch/virtualpodcaststudio/internal/protocol"
	"github.com/sergiopesch/virtualpodcaststudio/internal/realtime"
	"github.com/sergiopesch/virtualpodcaststudio/internal/relay"
	"github.com/sergiopesch/virtualpodcaststudio/internal/session"
	"github.com/sergiopesch/virtualpodcaststudio/internal/transcript"
)

type Server struct {
	cfg        config.Config
	registry   *session.Registry
	limiter    *admission.Limiter
	provider   realtime.Provider
	sessionCfg realtime.SessionConfig
	store      transcript.Store
	papers     *arxiv.Client
	metrics    *observability.Metrics
	upgrader   websocket.Upgrader
}

func New(
	cfg config.Config,
	registry *session.Registry,
	limiter *admission.Limiter,
	provider realtime.Provider,
	sessionCfg realtime.SessionConfig,
	store transcript.Store,
	papers *arxiv.Client,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		cfg:        cfg,
		registry:   registry,
		limiter:    limiter,
		provider:   provider,
		sessionCfg: sessionCfg,
		store:      store,
		papers:     papers,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other sites cannot drive a studio session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"message": "Podcast Studio API is running"})
	})
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/api/papers", s.handleFetchPapers)
	r.Get("/api/sessions/{id}/transcript", s.handleSessionTranscript)
	r.Get("/ws/conversation", s.handleConversationWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.registry.ActiveCount(),
	})
}

type paperRequest struct {
	Topics []string `json:"topics"`
}

type paperResponse struct {
	Papers []arxiv.Paper `json:"papers"`
}

func (s *Server) handleFetchPapers(w http.ResponseWriter, r *http.Request) {
	var req paperRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	started := time.Now()
	papers, err := s.papers.FetchPapers(r.Context(), req.Topics)
	if err != nil {
		switch {
		case errors.Is(err, arxiv.ErrNoTopics), errors.Is(err, arxiv.ErrTooManyTopics), errors.Is(err, arxiv.ErrNoValidTopics):
			respondError(w, http.StatusBadRequest, "invalid_topics", err.Error())
		case errors.Is(err, arxiv.ErrUnavailable):
			respondError(w, http.StatusServiceUnavailable, "arxiv_unavailable", "arXiv API is temporarily unavailable")
		default:
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to fetch papers")
		}
		return
	}
	s.metrics.ObservePaperFetch(time.Since(started))

	if papers == nil {
		papers = []arxiv.Paper{}
	}
	respondJSON(w, http.StatusOK, paperResponse{Papers: papers})
}

func (s *Server) handleSessionTranscript(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	turns, err := s.store.SessionHistory(r.Context(), id, 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transcript_error", err.Error())
		return
	}
	if turns == nil {
		turns = []transcript.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": turns})
}

func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	identity := clientIdentity(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if !s.limiter.Admit(identity, time.Now()) {
		s.metrics.AdmissionDecisions.WithLabelValues("denied").Inc()
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limit exceeded")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}
	s.metrics.AdmissionDecisions.WithLabelValues("allowed").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := relay.NewSession(uuid.NewString(), s.provider, s.sessionCfg, s.store)
	info := s.registry.Register(sess.ID(), identity, func() {
		_ = sess.Close()
		cancel()
	})
	defer s.registry.Remove(info.ID)

	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.metrics.ActiveSessions.Set(float64(s.registry.ActiveCount()))
	defer func() {
		s.metrics.SessionEvents.WithLabelValues("closed").Inc()
		s.metrics.ActiveSessions.Set(float64(s.registry.ActiveCount()))
	}()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := sess.Run(ctx, inbound, outbound); err != nil {
			log.Printf("session %s ended: %v", info.ID, err)
		}
	}()

	// Writes stay single-threaded; the relay closes outbound once both
	// forwarding loops have stopped, which lets the writer drain the final
	// error message before the socket closes.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		failed := false
		for msg := range outbound {
			if failed {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				failed = true
				cancel()
				continue
			}
			if t, ok := protocol.MessageTypeOf(msg); ok {
				s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}()

	// Release the client socket once the relay has fully torn down, so a
	// dropped upstream unblocks the read loop below within bounded time.
	go func() {
		<-runDone
		<-writerDone
		_ = conn.Close()
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			// Malformed inbound frames are isolated: log and skip.
			log.Printf("session %s: invalid client message: %v", info.ID, err)
			continue
		}

		if t, ok := protocol.MessageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		_ = s.registry.Touch(info.ID)

		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
}

// clientIdentity keys admission control by the peer's network address.
func clientIdentity(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
