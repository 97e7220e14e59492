// Package gateway is the backend HTTP service: it mints ephemeral realtime
// credentials for clients, accepts resume uploads, and enqueues background
// jobs for the worker.
package gateway

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the gateway's environment-driven configuration.
type Config struct {
	Addr string

	// APIKeys authenticate clients of this gateway. Empty set disables auth
	// (local development only).
	APIKeys map[string]struct{}

	CORSAllowedOrigins map[string]struct{}

	// Upstream realtime endpoint used to mint ephemeral session tokens.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	RealtimeModel string
	RealtimeVoice string

	RedisAddr   string
	PostgresDSN string
	S3Bucket    string

	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
	MaxBodyBytes        int64
}

// LoadFromEnv reads configuration, applying defaults for anything unset.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("RECTOC_ADDR", ":8080"),
		APIKeys:             make(map[string]struct{}),
		CORSAllowedOrigins:  make(map[string]struct{}),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:       envOr("RECTOC_OPENAI_BASE_URL", "https://api.openai.com"),
		RealtimeModel:       envOr("RECTOC_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:       envOr("RECTOC_REALTIME_VOICE", "alloy"),
		RedisAddr:           envOr("RECTOC_REDIS_ADDR", "localhost:6379"),
		PostgresDSN:         strings.TrimSpace(os.Getenv("RECTOC_POSTGRES_DSN")),
		S3Bucket:            strings.TrimSpace(os.Getenv("RECTOC_S3_BUCKET")),
		ReadHeaderTimeout:   envDurationOr("RECTOC_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         envDurationOr("RECTOC_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod: envDurationOr("RECTOC_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		MaxBodyBytes:        envInt64Or("RECTOC_MAX_BODY_BYTES", 16<<20),
	}

	for _, key := range splitCSV(os.Getenv("RECTOC_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("RECTOC_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("RECTOC_MAX_BODY_BYTES must be > 0")
	}
	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	var n int64
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
