// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	// DatabaseURL selects the Postgres store when set.
	DatabaseURL string

	Webhook         WebhookConfig
	OpenAI          OpenAIConfig
	ConversationLog ConversationLogConfig
	RateLimit       RateLimitConfig

	ActionSweepInterval time.Duration
	ActionStaleAfter    time.Duration
	GRPCHealthAddr      string
}

// WebhookConfig controls action delivery.
type WebhookConfig struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
}

// OpenAIConfig holds speech-translation and summary service settings.
type OpenAIConfig struct {
	APIKey        string
	RealtimeModel string
	RealtimeURL   string
	Voice         string
	SummaryModel  string
}

// ConversationLogConfig controls NDJSON transcript logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// RateLimitConfig bounds API requests per client address.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/interpreter.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		Webhook: WebhookConfig{
			URL:        getEnv("WEBHOOK_SITE_URL", ""),
			Timeout:    getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxRetries: getEnvInt("WEBHOOK_MAX_RETRIES", 0),
			RetryBase:  getEnvDuration("WEBHOOK_RETRY_BASE", 500*time.Millisecond),
		},
		OpenAI: OpenAIConfig{
			APIKey:        getEnv("OPENAI_API_KEY", ""),
			RealtimeModel: getEnv("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2025-06-03"),
			RealtimeURL:   getEnv("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
			Voice:         getEnv("OPENAI_REALTIME_VOICE", "alloy"),
			SummaryModel:  getEnv("OPENAI_SUMMARY_MODEL", "gpt-4o"),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 120),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ActionSweepInterval: getEnvDuration("ACTION_SWEEP_INTERVAL", time.Minute),
		ActionStaleAfter:    getEnvDuration("ACTION_STALE_AFTER", 5*time.Minute),
		GRPCHealthAddr:      getEnv("GRPC_HEALTH_ADDR", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
// A missing webhook URL or API key is valid: actions fail and sessions refuse
// to connect with a defined error.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" && c.DatabaseURL == "" {
		return fmt.Errorf("DB_PATH or DATABASE_URL must be set")
	}
	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be > 0")
	}
	if c.Webhook.MaxRetries < 0 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES must be >= 0")
	}
	if c.Webhook.MaxRetries > 0 && c.Webhook.RetryBase <= 0 {
		return fmt.Errorf("WEBHOOK_RETRY_BASE must be > 0 when retries are enabled")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerWindow > 0 && c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ActionSweepInterval <= 0 {
		return fmt.Errorf("ACTION_SWEEP_INTERVAL must be > 0")
	}
	if c.ActionStaleAfter <= 0 {
		return fmt.Errorf("ACTION_STALE_AFTER must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// WebhookConfigured reports whether actions have a delivery target.
func (c *Config) WebhookConfigured() bool { return c.Webhook.URL != "" }

// OpenAIConfigured reports whether an API key is present.
func (c *Config) OpenAIConfigured() bool { return c.OpenAI.APIKey != "" }

// DatabaseConfigured reports whether an external database was requested.
func (c *Config) DatabaseConfigured() bool { return c.DatabaseURL != "" }

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("30s") or whole seconds ("30").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
