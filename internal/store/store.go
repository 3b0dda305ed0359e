// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/medinterp/internal/domain"
)

var (
	// ErrNotFound is returned by writes that target a missing record.
	ErrNotFound = errors.New("record not found")

	// ErrStatusConflict is returned when an action's stored status no longer
	// matches the status the caller expected.
	ErrStatusConflict = errors.New("action status changed concurrently")

	// ErrIllegalTransition is returned for updates the action state machine forbids.
	ErrIllegalTransition = errors.New("illegal action status transition")
)

// Repository persists conversations, utterances, and actions.
type Repository interface {
	// CreateConversation inserts a new active conversation.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation returns a conversation with its utterances in insertion
	// order, or nil if it does not exist.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// ListConversations returns all conversations, newest first, with utterances.
	ListConversations(ctx context.Context) ([]*domain.Conversation, error)

	// AddUtterance appends an utterance to its conversation.
	AddUtterance(ctx context.Context, u *domain.Utterance) error

	// FinalizeConversation marks a conversation completed and attaches its summary
	// and action descriptors.
	FinalizeConversation(ctx context.Context, id string, summary string, actions []string) error

	// CreateAction inserts an action record.
	CreateAction(ctx context.Context, a *domain.Action) error

	// GetAction returns an action by ID, or nil if it does not exist.
	GetAction(ctx context.Context, id string) (*domain.Action, error)

	// ListActions returns actions matching filter, most recently detected first.
	ListActions(ctx context.Context, filter domain.ActionFilter) ([]*domain.Action, error)

	// TransitionAction applies upd only if the action's current status equals
	// expected (optimistic locking) and the status change, if any, is legal.
	TransitionAction(ctx context.Context, id string, expected domain.ActionStatus, upd domain.ActionUpdate) (*domain.Action, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// checkTransition validates an update against the action state machine.
func checkTransition(expected domain.ActionStatus, upd domain.ActionUpdate) error {
	if !expected.Valid() || expected.Terminal() {
		return ErrIllegalTransition
	}
	if upd.Status != nil && *upd.Status != expected && !expected.CanTransition(*upd.Status) {
		return ErrIllegalTransition
	}
	return nil
}

// actionSetClause renders the non-nil fields of upd as SET assignments.
// placeholder receives the 1-based argument position; ts converts timestamps
// to the driver's column representation.
func actionSetClause(upd domain.ActionUpdate, placeholder func(int) string, ts func(time.Time) any) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+placeholder(len(args)))
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.WebhookURL != nil {
		add("webhook_url", *upd.WebhookURL)
	}
	if upd.WebhookStatus != nil {
		add("webhook_status", *upd.WebhookStatus)
	}
	if upd.WebhookResponse != nil {
		add("webhook_response", *upd.WebhookResponse)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if upd.ExecutedAt != nil {
		add("executed_at", ts(*upd.ExecutedAt))
	}
	if upd.CompletedAt != nil {
		add("completed_at", ts(*upd.CompletedAt))
	}
	if upd.RetryCount != nil {
		add("retry_count", *upd.RetryCount)
	}
	return sets, args
}

func encodeActions(actions []string) (string, error) {
	if actions == nil {
		actions = []string{}
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return "", fmt.Errorf("encode conversation actions: %w", err)
	}
	return string(data), nil
}

func decodeActions(raw string) ([]string, error) {
	actions := []string{}
	if raw == "" {
		return actions, nil
	}
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, fmt.Errorf("decode conversation actions: %w", err)
	}
	return actions, nil
}

func parametersOrEmpty(p json.RawMessage) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}

// Open selects the backing database: PostgreSQL when databaseURL is set,
// otherwise SQLite at dbPath.
func Open(ctx context.Context, databaseURL, dbPath string) (Repository, error) {
	if databaseURL != "" {
		return NewPostgres(ctx, databaseURL)
	}
	return NewSQLite(dbPath)
}
