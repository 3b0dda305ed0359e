package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ashureev/medinterp/internal/domain"
	"github.com/ashureev/medinterp/internal/store"
	"github.com/ashureev/medinterp/internal/summary"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// summaryTimeout bounds summary generation when a conversation ends.
const summaryTimeout = 60 * time.Second

type utteranceInput struct {
	ID             string      `json:"id"`
	Role           domain.Role `json:"role"`
	Text           string      `json:"text"`
	OriginalLang   domain.Lang `json:"originalLang"`
	TranslatedText *string     `json:"translatedText"`
	Timestamp      *time.Time  `json:"timestamp"`
	AudioURL       *string     `json:"audioUrl"`
}

type conversationRequest struct {
	Action         string          `json:"action"`
	ConversationID string          `json:"conversationId"`
	Utterance      *utteranceInput `json:"utterance"`
}

// ListConversations returns every conversation, newest first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.repo.ListConversations(r.Context())
	if err != nil {
		h.logger.Error("Failed to fetch conversations", "error", err)
		Error(w, http.StatusInternalServerError, "Failed to fetch conversations")
		return
	}
	if convs == nil {
		convs = []*domain.Conversation{}
	}
	JSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// GetConversation returns one conversation with its utterances.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := h.repo.GetConversation(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to fetch conversation", "error", err, "conversation_id", id)
		Error(w, http.StatusInternalServerError, "Failed to fetch conversation")
		return
	}
	if conv == nil {
		Error(w, http.StatusNotFound, "Conversation not found")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

// ManageConversation dispatches create, add_utterance, and end.
func (h *Handler) ManageConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Action {
	case "create":
		h.createConversation(w, r)
	case "add_utterance":
		h.addUtterance(w, r, req)
	case "end":
		h.endConversation(w, r, req.ConversationID)
	default:
		Error(w, http.StatusBadRequest, "Invalid action")
	}
}

func (h *Handler) createConversation(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	conv := &domain.Conversation{
		ID:         uuid.NewString(),
		Status:     domain.ConversationActive,
		Actions:    []string{},
		Utterances: []domain.Utterance{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.repo.CreateConversation(r.Context(), conv); err != nil {
		h.logger.Error("Failed to create conversation", "error", err)
		Error(w, http.StatusInternalServerError, "Failed to manage conversation")
		return
	}
	h.logger.Info("Conversation created", "conversation_id", conv.ID)
	JSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (h *Handler) addUtterance(w http.ResponseWriter, r *http.Request, req conversationRequest) {
	in := req.Utterance
	if req.ConversationID == "" || in == nil || in.Text == "" {
		Error(w, http.StatusBadRequest, "conversationId and utterance text are required")
		return
	}
	if !in.Role.Valid() {
		Error(w, http.StatusBadRequest, "invalid utterance role")
		return
	}
	if in.OriginalLang == "" {
		in.OriginalLang = domain.LangEnglish
	}
	if !in.OriginalLang.Valid() {
		Error(w, http.StatusBadRequest, "invalid utterance language")
		return
	}

	u := &domain.Utterance{
		ID:             in.ID,
		ConversationID: req.ConversationID,
		Role:           in.Role,
		Text:           in.Text,
		OriginalLang:   in.OriginalLang,
		TranslatedText: in.TranslatedText,
		AudioURL:       in.AudioURL,
		Timestamp:      h.now(),
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if in.Timestamp != nil {
		u.Timestamp = *in.Timestamp
	}

	if err := h.repo.AddUtterance(r.Context(), u); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "Conversation not found")
			return
		}
		h.logger.Error("Failed to save utterance", "error", err, "conversation_id", req.ConversationID)
		Error(w, http.StatusInternalServerError, "Failed to manage conversation")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"utterance": u})
}

func (h *Handler) endConversation(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		Error(w, http.StatusBadRequest, "conversationId is required")
		return
	}
	ctx := r.Context()

	conv, err := h.repo.GetConversation(ctx, id)
	if err != nil {
		h.logger.Error("Failed to load conversation", "error", err, "conversation_id", id)
		Error(w, http.StatusInternalServerError, "Failed to manage conversation")
		return
	}
	if conv == nil {
		Error(w, http.StatusNotFound, "Conversation not found")
		return
	}

	// Flushes pending utterance writes before the transcript is read again.
	h.sessions.Close(id)
	if fresh, err := h.repo.GetConversation(ctx, id); err == nil && fresh != nil {
		conv = fresh
	}

	res := h.summarize(ctx, conv)
	if err := h.repo.FinalizeConversation(ctx, id, res.Summary, res.Actions); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "Conversation not found")
			return
		}
		h.logger.Error("Failed to finalize conversation", "error", err, "conversation_id", id)
		Error(w, http.StatusInternalServerError, "Failed to manage conversation")
		return
	}

	conv.Status = domain.ConversationCompleted
	conv.Summary = domain.Ptr(res.Summary)
	conv.Actions = res.Actions
	if final, err := h.repo.GetConversation(ctx, id); err == nil && final != nil {
		conv = final
	}
	h.logger.Info("Conversation ended", "conversation_id", id, "actions", len(res.Actions))

	JSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"summary":      res.Summary,
		"actions":      res.Actions,
	})
}

func (h *Handler) summarize(ctx context.Context, conv *domain.Conversation) summary.Result {
	fallback := summary.Result{Summary: summary.Fallback, Actions: []string{}}
	if h.summarizer == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	res, err := h.summarizer.Summarize(ctx, conv.Transcript())
	if err != nil {
		h.logger.Warn("Summary generation failed", "error", err, "conversation_id", conv.ID)
		return fallback
	}
	return res
}
