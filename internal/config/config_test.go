package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "DB_PATH", "DATABASE_URL", "WEBHOOK_SITE_URL", "WEBHOOK_TIMEOUT", "OPENAI_API_KEY", "RATE_LIMIT_WINDOW"} {
		t.Setenv(key, "")
	}
	t.Setenv("PORT", "8080")
	t.Setenv("DB_PATH", "./data/test.db")
	t.Setenv("WEBHOOK_TIMEOUT", "10s")
	t.Setenv("RATE_LIMIT_WINDOW", "1m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.WebhookConfigured() {
		t.Fatal("empty webhook URL should report unconfigured")
	}
	if cfg.OpenAIConfigured() || cfg.DatabaseConfigured() {
		t.Fatal("empty keys should report unconfigured")
	}
	if cfg.Webhook.Timeout != 10*time.Second {
		t.Fatalf("webhook timeout = %v", cfg.Webhook.Timeout)
	}
	if cfg.Webhook.MaxRetries != 0 {
		t.Fatalf("default retries = %d, want 0", cfg.Webhook.MaxRetries)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DB_PATH", "./data/test.db")
	t.Setenv("WEBHOOK_SITE_URL", "https://webhook.site/abc")
	t.Setenv("WEBHOOK_TIMEOUT", "3")
	t.Setenv("WEBHOOK_MAX_RETRIES", "2")
	t.Setenv("WEBHOOK_RETRY_BASE", "250ms")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CONVERSATION_LOG_ENABLED", "off")
	t.Setenv("RATE_LIMIT_WINDOW", "1m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9000" || !cfg.WebhookConfigured() || !cfg.OpenAIConfigured() {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Webhook.Timeout != 3*time.Second {
		t.Fatalf("bare seconds not parsed: %v", cfg.Webhook.Timeout)
	}
	if cfg.Webhook.MaxRetries != 2 || cfg.Webhook.RetryBase != 250*time.Millisecond {
		t.Fatalf("retry settings = %+v", cfg.Webhook)
	}
	if cfg.ConversationLog.Enabled {
		t.Fatal("conversation log should be disabled")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{
			Port:   "8080",
			DBPath: "./data/test.db",
			Webhook: WebhookConfig{
				Timeout: time.Second,
			},
			ConversationLog: ConversationLogConfig{
				Dir:        "./logs",
				GlobalPath: "./logs/all.ndjson",
				QueueSize:  10,
			},
			RateLimit:           RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute},
			ActionSweepInterval: time.Minute,
			ActionStaleAfter:    time.Minute,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"postgres only", func(c *Config) { c.DBPath = ""; c.DatabaseURL = "postgres://db" }, ""},
		{"no port", func(c *Config) { c.Port = "" }, "PORT"},
		{"no database", func(c *Config) { c.DBPath = "" }, "DB_PATH"},
		{"zero timeout", func(c *Config) { c.Webhook.Timeout = 0 }, "WEBHOOK_TIMEOUT"},
		{"negative retries", func(c *Config) { c.Webhook.MaxRetries = -1 }, "WEBHOOK_MAX_RETRIES"},
		{"retries without base", func(c *Config) { c.Webhook.MaxRetries = 2 }, "WEBHOOK_RETRY_BASE"},
		{"zero queue", func(c *Config) { c.ConversationLog.QueueSize = 0 }, "QUEUE_SIZE"},
		{"zero sweep", func(c *Config) { c.ActionSweepInterval = 0 }, "ACTION_SWEEP_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error mentioning %s", err, tt.wantErr)
			}
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	t.Parallel()

	for origin, want := range map[string]bool{
		"":                       true,
		"http://localhost:3000":  true,
		"http://127.0.0.1:5173":  true,
		"https://interp.example": false,
	} {
		if got := (&Config{FrontendURL: origin}).IsDevelopment(); got != want {
			t.Errorf("IsDevelopment(%q) = %v, want %v", origin, got, want)
		}
	}
}
