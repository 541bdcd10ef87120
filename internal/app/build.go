package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sergiopesch/virtualpodcaststudio/internal/admission"
	"github.com/sergiopesch/virtualpodcaststudio/internal/arxiv"
	"github.com/sergiopesch/virtualpodcaststudio/internal/config"
	"github.com/sergiopesch/virtualpodcaststudio/internal/httpapi"
	"github.com/sergiopesch/virtualpodcaststudio/internal/observability"
	"github.com/sergiopesch/virtualpodcaststudio/internal/realtime"
	"github.com/sergiopesch/virtualpodcaststudio/internal/session"
	"github.com/sergiopesch/virtualpodcaststudio/internal/transcript"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Registry *session.Registry
	Limiter  *admission.Limiter
	Metrics  *observability.Metrics
	Provider string

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	provider, providerName, err := resolveRealtimeProvider(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := session.NewRegistry(cfg.SessionInactivityTimeout)
	registry.SetCloseHook(func(_ *session.Info) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(registry.ActiveCount()))
	})

	limiter := admission.NewLimiter(cfg.AdmissionWindow, cfg.AdmissionCeiling)
	papers := arxiv.NewClient(cfg.ArxivBaseURL, cfg.ArxivMaxResults)

	api := httpapi.New(cfg, registry, limiter, provider, sessionConfig(cfg), store, papers, metrics)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Registry: registry,
		Limiter:  limiter,
		Metrics:  metrics,
		Provider: providerName,
		Cleanup:  store.Close,
	}, nil
}

// sessionConfig is the immutable upstream behavior snapshot sent once per
// relay session, before any user content.
func sessionConfig(cfg config.Config) realtime.SessionConfig {
	sc := realtime.SessionConfig{
		Modalities:        []string{"text", "audio"},
		Instructions:      cfg.RealtimeInstructions,
		Voice:             cfg.RealtimeVoice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection: &realtime.TurnDetection{
			Type:              "server_vad",
			Threshold:         cfg.RealtimeVADThreshold,
			PrefixPaddingMS:   int(cfg.RealtimeVADPrefixPadding / time.Millisecond),
			SilenceDurationMS: int(cfg.RealtimeVADSilenceDuration / time.Millisecond),
		},
		Temperature:             cfg.RealtimeTemperature,
		MaxResponseOutputTokens: cfg.RealtimeMaxOutputTokens,
	}
	if cfg.RealtimeTranscriptionEnabled {
		sc.InputAudioTranscription = &realtime.TranscriptionConfig{Model: "whisper-1"}
	}
	return sc
}

func resolveRealtimeProvider(cfg config.Config) (realtime.Provider, string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.RealtimeProvider))
	if mode == "" {
		mode = "auto"
	}

	tryOpenAI := func() (realtime.Provider, bool) {
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, false
		}
		p := realtime.NewOpenAIProvider(realtime.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIRealtimeURL,
			Model:   cfg.OpenAIModel,
		})
		log.Printf("realtime provider: openai (%s)", cfg.OpenAIModel)
		return p, true
	}

	switch mode {
	case "openai":
		if p, ok := tryOpenAI(); ok {
			return p, "openai", nil
		}
		return nil, "", fmt.Errorf("REALTIME_PROVIDER=openai but OPENAI_API_KEY is not set")
	case "mock":
		log.Printf("realtime provider: mock")
		return realtime.NewMockProvider(), "mock", nil
	case "auto":
		if p, ok := tryOpenAI(); ok {
			return p, "openai", nil
		}
		log.Printf("realtime provider: mock (no openai key)")
		return realtime.NewMockProvider(), "mock", nil
	default:
		return nil, "", fmt.Errorf("invalid REALTIME_PROVIDER: %q (expected auto|openai|mock)", cfg.RealtimeProvider)
	}
}
