package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the podcast studio backend.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	RealtimeProvider string

	OpenAIAPIKey      string
	OpenAIRealtimeURL string
	OpenAIModel       string

	RealtimeVoice                string
	RealtimeInstructions         string
	RealtimeTemperature          float64
	RealtimeMaxOutputTokens      int
	RealtimeVADThreshold         float64
	RealtimeVADPrefixPadding     time.Duration
	RealtimeVADSilenceDuration   time.Duration
	RealtimeTranscriptionEnabled bool

	AdmissionWindow  time.Duration
	AdmissionCeiling int

	ArxivBaseURL    string
	ArxivMaxResults int

	DatabaseURL string
}

const defaultInstructions = "You are Dr. Sarah, an enthusiastic AI research podcast host. " +
	"Discuss recent papers conversationally and keep answers concise."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "podcaststudio"),
		AllowAnyOrigin:           false,
		RealtimeProvider:         envOrDefault("REALTIME_PROVIDER", "auto"),
		OpenAIAPIKey:             trimmedEnv("OPENAI_API_KEY"),
		OpenAIRealtimeURL:        envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIModel:              envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		RealtimeVoice:            envOrDefault("REALTIME_VOICE", "alloy"),
		RealtimeInstructions:     envOrDefault("REALTIME_INSTRUCTIONS", defaultInstructions),
		RealtimeTemperature:      0.8,
		RealtimeMaxOutputTokens:  4096,
		RealtimeVADThreshold:     0.5,
		RealtimeVADPrefixPadding: 300 * time.Millisecond,
		// Matches the upstream server_vad default used during development.
		RealtimeVADSilenceDuration:   500 * time.Millisecond,
		RealtimeTranscriptionEnabled: true,
		AdmissionWindow:              60 * time.Second,
		AdmissionCeiling:             100,
		ArxivBaseURL:                 envOrDefault("ARXIV_BASE_URL", "https://export.arxiv.org/api/query"),
		ArxivMaxResults:              10,
		DatabaseURL:                  trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:              15 * time.Second,
		SessionInactivityTimeout:     2 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeTemperature, err = floatFromEnv("REALTIME_TEMPERATURE", cfg.RealtimeTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeMaxOutputTokens, err = intFromEnv("REALTIME_MAX_OUTPUT_TOKENS", cfg.RealtimeMaxOutputTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeVADThreshold, err = floatFromEnv("REALTIME_VAD_THRESHOLD", cfg.RealtimeVADThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeVADPrefixPadding, err = durationFromEnv("REALTIME_VAD_PREFIX_PADDING", cfg.RealtimeVADPrefixPadding)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeVADSilenceDuration, err = durationFromEnv("REALTIME_VAD_SILENCE_DURATION", cfg.RealtimeVADSilenceDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeTranscriptionEnabled, err = boolFromEnv("REALTIME_TRANSCRIPTION_ENABLED", cfg.RealtimeTranscriptionEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.AdmissionWindow, err = durationFromEnv("ADMISSION_WINDOW", cfg.AdmissionWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.AdmissionCeiling, err = intFromEnv("ADMISSION_CEILING", cfg.AdmissionCeiling)
	if err != nil {
		return Config{}, err
	}
	cfg.ArxivMaxResults, err = intFromEnv("ARXIV_MAX_RESULTS", cfg.ArxivMaxResults)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.RealtimeTemperature < 0 || cfg.RealtimeTemperature > 2 {
		return Config{}, fmt.Errorf("REALTIME_TEMPERATURE must be between 0 and 2")
	}
	if cfg.RealtimeMaxOutputTokens <= 0 {
		return Config{}, fmt.Errorf("REALTIME_MAX_OUTPUT_TOKENS must be positive")
	}
	if cfg.RealtimeVADThreshold < 0 || cfg.RealtimeVADThreshold > 1 {
		return Config{}, fmt.Errorf("REALTIME_VAD_THRESHOLD must be between 0 and 1")
	}
	if cfg.AdmissionWindow <= 0 {
		return Config{}, fmt.Errorf("ADMISSION_WINDOW must be positive")
	}
	if cfg.AdmissionCeiling <= 0 {
		return Config{}, fmt.Errorf("ADMISSION_CEILING must be positive")
	}
	if cfg.ArxivMaxResults <= 0 {
		return Config{}, fmt.Errorf("ARXIV_MAX_RESULTS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
