// Package api provides HTTP handlers for the interpreter API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/medinterp/internal/config"
	"github.com/ashureev/medinterp/internal/domain"
	"github.com/ashureev/medinterp/internal/store"
	"github.com/ashureev/medinterp/internal/summary"
	"github.com/go-chi/chi/v5"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// ActionExecutor runs a detected action.
type ActionExecutor interface {
	Execute(ctx context.Context, actionID string) (*domain.Action, error)
}

// SessionRegistry is the set of live interpreter sessions.
type SessionRegistry interface {
	Close(conversationID string)
	NotifyAction(a *domain.Action)
}

// Handler serves the REST API.
type Handler struct {
	repo       store.Repository
	actions    ActionExecutor
	sessions   SessionRegistry
	summarizer summary.Summarizer
	cfg        *config.Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewHandler creates a new Handler with its dependencies.
func NewHandler(repo store.Repository, actions ActionExecutor, sessions SessionRegistry, summarizer summary.Summarizer, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Handler{
		repo:       repo,
		actions:    actions,
		sessions:   sessions,
		summarizer: summarizer,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// RegisterRoutes registers the /api routes. Extra middleware applies to
// every API route.
func (h *Handler) RegisterRoutes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Use(mw...)

		r.Get("/health", h.Health)
		r.Get("/config", h.GetConfig)

		r.Route("/actions", func(r chi.Router) {
			r.Get("/", h.ListActions)
			r.Post("/", h.CreateAction)
			r.Patch("/", h.UpdateAction)
			r.Post("/{id}/execute", h.ExecuteAction)
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.ListConversations)
			r.Post("/", h.ManageConversation)
			r.Get("/{id}", h.GetConversation)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}
