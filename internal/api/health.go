package api

import (
	"context"
	"net/http"
	"time"
)

// Health reports whether the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "database unreachable",
		})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetConfig reports which external services are configured.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	prefix := "NOT_SET"
	if key := h.cfg.OpenAI.APIKey; key != "" {
		prefix = key[:min(7, len(key))] + "..."
	}
	JSON(w, http.StatusOK, map[string]any{
		"openai_configured":   h.cfg.OpenAIConfigured(),
		"webhook_configured":  h.cfg.WebhookConfigured(),
		"database_configured": h.cfg.DatabaseConfigured(),
		"openai_key_prefix":   prefix,
	})
}
