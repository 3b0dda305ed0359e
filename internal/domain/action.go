package domain

import (
	"encoding/json"
	"time"
)

// Known action types. The set is open: unknown types are stored and dispatched as-is.
const (
	ActionScheduleLab         = "schedule_lab"
	ActionScheduleFollowup    = "schedule_followup"
	ActionPrescribeMedication = "prescribe_medication"
	ActionReferSpecialist     = "refer_specialist"
)

// ActionStatus is the lifecycle state of a detected clinical action.
type ActionStatus string

const (
	ActionDetected  ActionStatus = "detected"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// Valid reports whether s is a known status.
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionDetected, ActionExecuting, ActionCompleted, ActionFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s ActionStatus) Terminal() bool {
	return s == ActionCompleted || s == ActionFailed
}

// CanTransition reports whether moving from s to next is a legal step of
// detected -> executing -> {completed | failed}.
func (s ActionStatus) CanTransition(next ActionStatus) bool {
	switch s {
	case ActionDetected:
		return next == ActionExecuting
	case ActionExecuting:
		return next == ActionCompleted || next == ActionFailed
	}
	return false
}

// Action is a detected clinical intent tracked through execution.
type Action struct {
	ID              string          `json:"id"`
	ConversationID  string          `json:"conversationId"`
	ActionType      string          `json:"actionType"`
	Parameters      json.RawMessage `json:"parameters"`
	Status          ActionStatus    `json:"status"`
	WebhookURL      *string         `json:"webhookUrl"`
	WebhookStatus   *int            `json:"webhookStatus"`
	WebhookResponse *string         `json:"webhookResponse"`
	ErrorMessage    *string         `json:"errorMessage"`
	DetectedAt      time.Time       `json:"detectedAt"`
	ExecutedAt      *time.Time      `json:"executedAt"`
	CompletedAt     *time.Time      `json:"completedAt"`
	RetryCount      int             `json:"retryCount"`
}

// ActionUpdate is a partial update of an action. Nil fields are left unchanged.
type ActionUpdate struct {
	Status          *ActionStatus
	WebhookURL      *string
	WebhookStatus   *int
	WebhookResponse *string
	ErrorMessage    *string
	ExecutedAt      *time.Time
	CompletedAt     *time.Time
	RetryCount      *int
}

// Apply copies the non-nil fields of u onto a.
func (u ActionUpdate) Apply(a *Action) {
	if u.Status != nil {
		a.Status = *u.Status
	}
	if u.WebhookURL != nil {
		a.WebhookURL = u.WebhookURL
	}
	if u.WebhookStatus != nil {
		a.WebhookStatus = u.WebhookStatus
	}
	if u.WebhookResponse != nil {
		a.WebhookResponse = u.WebhookResponse
	}
	if u.ErrorMessage != nil {
		a.ErrorMessage = u.ErrorMessage
	}
	if u.ExecutedAt != nil {
		a.ExecutedAt = u.ExecutedAt
	}
	if u.CompletedAt != nil {
		a.CompletedAt = u.CompletedAt
	}
	if u.RetryCount != nil {
		a.RetryCount = *u.RetryCount
	}
}

// ActionFilter narrows action listings. Empty fields match everything.
type ActionFilter struct {
	ConversationID string
	Status         ActionStatus
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
