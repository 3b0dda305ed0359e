// Package webhook delivers executed clinical actions to an external HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Source identifies this service in every payload.
const Source = "medical-interpreter"

const maxResponseBody = 1 << 20

// Payload is the JSON body posted to the webhook endpoint.
type Payload struct {
	ActionType     string          `json:"action"`
	Parameters     json.RawMessage `json:"parameters"`
	ConversationID string          `json:"conversationId"`
	Timestamp      string          `json:"timestamp"`
	Source         string          `json:"source"`
	ActionID       string          `json:"actionId"`
}

// NewPayload builds a payload stamped with the given time.
func NewPayload(actionID, conversationID, actionType string, params json.RawMessage, at time.Time) Payload {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return Payload{
		ActionType:     actionType,
		Parameters:     params,
		ConversationID: conversationID,
		Timestamp:      at.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Source:         Source,
		ActionID:       actionID,
	}
}

// Result is the receiver's reply.
type Result struct {
	StatusCode int
	Status     string
	Body       string
}

// OK reports whether the receiver answered with a 2xx status.
func (r *Result) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// StatusText returns the reason phrase without the numeric prefix.
func (r *Result) StatusText() string {
	prefix := fmt.Sprintf("%d ", r.StatusCode)
	if len(r.Status) > len(prefix) && r.Status[:len(prefix)] == prefix {
		return r.Status[len(prefix):]
	}
	if r.Status != "" {
		return r.Status
	}
	return http.StatusText(r.StatusCode)
}

// Dispatcher posts payloads. It performs exactly one attempt per call.
type Dispatcher struct {
	client *http.Client
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher whose requests time out after timeout.
func NewDispatcher(timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Dispatch posts p to url. A non-nil error means no response was received;
// any HTTP reply, including non-2xx, is returned as a Result.
func (d *Dispatcher) Dispatch(ctx context.Context, url string, p Payload) (*Result, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send webhook: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			d.logger.Debug("failed to close webhook response body", "error", closeErr)
		}
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}

	d.logger.Info("Webhook delivered",
		"action_id", p.ActionID,
		"action", p.ActionType,
		"status", resp.StatusCode,
	)

	return &Result{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(respBody),
	}, nil
}
