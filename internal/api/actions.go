package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ashureev/medinterp/internal/action"
	"github.com/ashureev/medinterp/internal/domain"
	"github.com/ashureev/medinterp/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type createActionRequest struct {
	ConversationID string              `json:"conversationId"`
	ActionType     string              `json:"actionType"`
	Parameters     json.RawMessage     `json:"parameters"`
	Status         domain.ActionStatus `json:"status"`
}

// CreateAction records an action without executing it.
func (h *Handler) CreateAction(w http.ResponseWriter, r *http.Request) {
	var req createActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConversationID == "" || req.ActionType == "" {
		Error(w, http.StatusBadRequest, "conversationId and actionType are required")
		return
	}
	if req.Status == "" {
		req.Status = domain.ActionDetected
	}
	if !req.Status.Valid() {
		Error(w, http.StatusBadRequest, "invalid status")
		return
	}
	if len(req.Parameters) == 0 || string(req.Parameters) == "null" {
		req.Parameters = json.RawMessage("{}")
	}

	a := &domain.Action{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		ActionType:     req.ActionType,
		Parameters:     req.Parameters,
		Status:         req.Status,
		DetectedAt:     h.now(),
	}
	if err := h.repo.CreateAction(r.Context(), a); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "Conversation not found")
			return
		}
		h.logger.Error("Failed to create action", "error", err, "conversation_id", req.ConversationID)
		Error(w, http.StatusInternalServerError, "Failed to create action")
		return
	}
	h.sessions.NotifyAction(a)

	JSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"actionId": a.ID,
		"action":   a,
	})
}

// ListActions returns actions filtered by conversationId and status.
func (h *Handler) ListActions(w http.ResponseWriter, r *http.Request) {
	filter := domain.ActionFilter{
		ConversationID: r.URL.Query().Get("conversationId"),
		Status:         domain.ActionStatus(r.URL.Query().Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		Error(w, http.StatusBadRequest, "invalid status")
		return
	}

	actions, err := h.repo.ListActions(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to fetch actions", "error", err)
		Error(w, http.StatusInternalServerError, "Failed to fetch actions")
		return
	}
	if actions == nil {
		actions = []*domain.Action{}
	}
	JSON(w, http.StatusOK, map[string]any{"actions": actions})
}

type updateActionRequest struct {
	ActionID        string              `json:"actionId"`
	Status          domain.ActionStatus `json:"status"`
	WebhookStatus   *int                `json:"webhookStatus"`
	WebhookResponse string              `json:"webhookResponse"`
	ErrorMessage    string              `json:"errorMessage"`
	ExecutedAt      *time.Time          `json:"executedAt"`
	CompletedAt     *time.Time          `json:"completedAt"`
}

func (req updateActionRequest) update() domain.ActionUpdate {
	var upd domain.ActionUpdate
	if req.Status != "" {
		upd.Status = domain.Ptr(req.Status)
	}
	upd.WebhookStatus = req.WebhookStatus
	if req.WebhookResponse != "" {
		upd.WebhookResponse = domain.Ptr(req.WebhookResponse)
	}
	if req.ErrorMessage != "" {
		upd.ErrorMessage = domain.Ptr(req.ErrorMessage)
	}
	upd.ExecutedAt = req.ExecutedAt
	upd.CompletedAt = req.CompletedAt
	return upd
}

// UpdateAction applies a partial update, enforcing the status state machine.
func (h *Handler) UpdateAction(w http.ResponseWriter, r *http.Request) {
	var req updateActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ActionID == "" {
		Error(w, http.StatusBadRequest, "actionId is required")
		return
	}
	if req.Status != "" && !req.Status.Valid() {
		Error(w, http.StatusBadRequest, "invalid status")
		return
	}

	ctx := r.Context()
	current, err := h.repo.GetAction(ctx, req.ActionID)
	if err != nil {
		h.logger.Error("Failed to load action", "error", err, "action_id", req.ActionID)
		Error(w, http.StatusInternalServerError, "Failed to update action")
		return
	}
	if current == nil {
		Error(w, http.StatusNotFound, "Action not found")
		return
	}

	updated, err := h.repo.TransitionAction(ctx, req.ActionID, current.Status, req.update())
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "Action not found")
		return
	case errors.Is(err, store.ErrIllegalTransition), errors.Is(err, store.ErrStatusConflict):
		Error(w, http.StatusConflict, err.Error())
		return
	default:
		h.logger.Error("Failed to update action", "error", err, "action_id", req.ActionID)
		Error(w, http.StatusInternalServerError, "Failed to update action")
		return
	}
	h.sessions.NotifyAction(updated)

	JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"action":  updated,
	})
}

// ExecuteAction dispatches a detected action and waits for its outcome.
func (h *Handler) ExecuteAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// A client that hangs up mid-dispatch must not strand the action in executing.
	a, err := h.actions.Execute(context.WithoutCancel(r.Context()), id)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "Action not found")
		return
	case errors.Is(err, action.ErrExecutionInProgress), errors.Is(err, action.ErrNotExecutable):
		Error(w, http.StatusConflict, err.Error())
		return
	default:
		h.logger.Error("Failed to execute action", "error", err, "action_id", id)
		Error(w, http.StatusInternalServerError, "Failed to execute action")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"success":       a.Status == domain.ActionCompleted,
		"actionId":      a.ID,
		"action":        a,
		"webhookStatus": a.WebhookStatus,
	})
}
