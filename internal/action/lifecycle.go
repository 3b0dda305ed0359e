// Package action drives detected clinical actions through
// detected -> executing -> completed | failed, dispatching each to the
// configured webhook at most once at a time.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/medinterp/internal/domain"
	"github.com/ashureev/medinterp/internal/store"
	"github.com/ashureev/medinterp/internal/webhook"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

var (
	// ErrExecutionInProgress is returned when another execution of the same action is running.
	ErrExecutionInProgress = errors.New("action execution already in progress")

	// ErrNotExecutable is returned when the action is no longer in the detected state.
	ErrNotExecutable = errors.New("action is not in detected state")

	// ErrInvalidAction is returned by Submit for incomplete input.
	ErrInvalidAction = errors.New("invalid action")
)

const (
	msgNoWebhook   = "Webhook URL not configured"
	msgInterrupted = "Execution interrupted"
)

// Dispatcher delivers a webhook payload.
type Dispatcher interface {
	Dispatch(ctx context.Context, url string, p webhook.Payload) (*webhook.Result, error)
}

// Config holds execution settings.
type Config struct {
	// WebhookURL is the receiver for executed actions. Empty means every
	// execution fails without a network call.
	WebhookURL string
	// MaxRetries bounds additional attempts after a network error or 5xx reply.
	MaxRetries int
	// RetryBase is the first backoff delay; each retry doubles it.
	RetryBase time.Duration
	// Observer, if set, receives every persisted state change.
	Observer func(a *domain.Action)
}

// Lifecycle creates, executes, and sweeps actions.
type Lifecycle struct {
	repo       store.Repository
	dispatcher Dispatcher
	cfg        Config
	logger     *slog.Logger

	inflight sync.Map // action ID -> struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewLifecycle creates a lifecycle backed by repo and dispatcher.
func NewLifecycle(repo store.Repository, dispatcher Dispatcher, cfg Config, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	return &Lifecycle{
		repo:       repo,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Submit records a newly detected action and starts executing it in the
// background. The execution outlives ctx cancellation.
func (l *Lifecycle) Submit(ctx context.Context, conversationID, actionType string, params json.RawMessage) (string, error) {
	if conversationID == "" || actionType == "" {
		return "", fmt.Errorf("%w: conversation ID and action type are required", ErrInvalidAction)
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if !json.Valid(params) {
		return "", fmt.Errorf("%w: parameters are not valid JSON", ErrInvalidAction)
	}

	a := &domain.Action{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ActionType:     actionType,
		Parameters:     params,
		Status:         domain.ActionDetected,
		DetectedAt:     l.now(),
	}
	if err := l.repo.CreateAction(ctx, a); err != nil {
		return "", fmt.Errorf("save detected action: %w", err)
	}
	l.logger.Info("Action detected", "action_id", a.ID, "conversation_id", conversationID, "action", actionType)
	l.notify(a)

	l.ExecuteAsync(context.WithoutCancel(ctx), a.ID)
	return a.ID, nil
}

// ExecuteAsync runs Execute on a background goroutine tracked by Wait.
func (l *Lifecycle) ExecuteAsync(ctx context.Context, actionID string) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if _, err := l.Execute(ctx, actionID); err != nil {
			l.logger.Warn("Action execution did not run", "action_id", actionID, "error", err)
		}
	}()
}

// Wait blocks until all background executions have finished.
func (l *Lifecycle) Wait() {
	l.wg.Wait()
}

// Execute moves a detected action to executing, dispatches it, and records the
// terminal outcome. A webhook failure is recorded on the action and is not an
// error; errors mean the execution did not run or could not be persisted.
func (l *Lifecycle) Execute(ctx context.Context, actionID string) (*domain.Action, error) {
	if _, busy := l.inflight.LoadOrStore(actionID, struct{}{}); busy {
		return nil, ErrExecutionInProgress
	}
	defer l.inflight.Delete(actionID)

	a, err := l.repo.GetAction(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("load action: %w", err)
	}
	if a == nil {
		return nil, fmt.Errorf("action %s: %w", actionID, store.ErrNotFound)
	}
	if a.Status != domain.ActionDetected {
		return nil, fmt.Errorf("%w: status is %s", ErrNotExecutable, a.Status)
	}

	start := domain.ActionUpdate{
		Status:     domain.Ptr(domain.ActionExecuting),
		ExecutedAt: domain.Ptr(l.now()),
	}
	if l.cfg.WebhookURL != "" {
		start.WebhookURL = domain.Ptr(l.cfg.WebhookURL)
	}
	a, err = l.repo.TransitionAction(ctx, actionID, domain.ActionDetected, start)
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: %w", ErrNotExecutable, err)
		}
		return nil, fmt.Errorf("mark action executing: %w", err)
	}
	l.notify(a)

	if l.cfg.WebhookURL == "" {
		l.logger.Warn("Action failed: no webhook configured", "action_id", actionID)
		return l.finish(ctx, a, domain.ActionUpdate{
			Status:       domain.Ptr(domain.ActionFailed),
			ErrorMessage: domain.Ptr(msgNoWebhook),
		})
	}

	res, retries, dispatchErr := l.dispatch(ctx, a)

	upd := domain.ActionUpdate{RetryCount: domain.Ptr(retries)}
	switch {
	case dispatchErr != nil:
		upd.Status = domain.Ptr(domain.ActionFailed)
		upd.ErrorMessage = domain.Ptr(dispatchErr.Error())
	case !res.OK():
		upd.Status = domain.Ptr(domain.ActionFailed)
		upd.WebhookStatus = domain.Ptr(res.StatusCode)
		upd.WebhookResponse = domain.Ptr(res.Body)
		upd.ErrorMessage = domain.Ptr(fmt.Sprintf("Webhook failed with status %d: %s", res.StatusCode, res.StatusText()))
	default:
		upd.Status = domain.Ptr(domain.ActionCompleted)
		upd.CompletedAt = domain.Ptr(l.now())
		upd.WebhookStatus = domain.Ptr(res.StatusCode)
		upd.WebhookResponse = domain.Ptr(res.Body)
	}

	a, err = l.finish(ctx, a, upd)
	if err != nil {
		return nil, err
	}
	if a.Status == domain.ActionCompleted {
		l.recordExecution(ctx, a)
	}
	return a, nil
}

// dispatch delivers the action, retrying network errors and 5xx replies up to
// MaxRetries times. It returns the last reply or error and the retry count.
func (l *Lifecycle) dispatch(ctx context.Context, a *domain.Action) (*webhook.Result, int, error) {
	payload := webhook.NewPayload(a.ID, a.ConversationID, a.ActionType, a.Parameters, l.now())

	var res *webhook.Result
	var lastErr error
	attempts := 0

	b := retry.WithMaxRetries(uint64(l.cfg.MaxRetries), retry.NewExponential(l.cfg.RetryBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		res, lastErr = l.dispatcher.Dispatch(ctx, l.cfg.WebhookURL, payload)
		if lastErr != nil {
			l.logger.Warn("Webhook attempt failed", "action_id", a.ID, "attempt", attempts, "error", lastErr)
			return retry.RetryableError(lastErr)
		}
		if res.StatusCode >= 500 {
			l.logger.Warn("Webhook attempt rejected", "action_id", a.ID, "attempt", attempts, "status", res.StatusCode)
			return retry.RetryableError(fmt.Errorf("webhook status %d", res.StatusCode))
		}
		return nil
	})
	if attempts == 0 {
		return nil, 0, err
	}
	if lastErr != nil {
		return nil, attempts - 1, lastErr
	}
	return res, attempts - 1, nil
}

func (l *Lifecycle) finish(ctx context.Context, a *domain.Action, upd domain.ActionUpdate) (*domain.Action, error) {
	done, err := l.repo.TransitionAction(ctx, a.ID, domain.ActionExecuting, upd)
	if err != nil {
		return nil, fmt.Errorf("record action outcome: %w", err)
	}

	attrs := []any{"action_id", done.ID, "conversation_id", done.ConversationID, "status", done.Status}
	if done.WebhookStatus != nil {
		attrs = append(attrs, "webhook_status", *done.WebhookStatus)
	}
	if done.ErrorMessage != nil {
		attrs = append(attrs, "error", *done.ErrorMessage)
	}
	l.logger.Info("Action finished", attrs...)
	l.notify(done)
	return done, nil
}

// recordExecution appends a system utterance describing the executed action.
func (l *Lifecycle) recordExecution(ctx context.Context, a *domain.Action) {
	u := &domain.Utterance{
		ID:             uuid.NewString(),
		ConversationID: a.ConversationID,
		Role:           domain.RoleSystem,
		Text:           fmt.Sprintf("Action executed: %s with parameters: %s", a.ActionType, a.Parameters),
		OriginalLang:   domain.LangEnglish,
		Timestamp:      l.now(),
	}
	if err := l.repo.AddUtterance(ctx, u); err != nil {
		l.logger.Warn("Failed to record executed action", "action_id", a.ID, "error", err)
	}
}

// InFlight reports whether actionID is currently executing in this process.
func (l *Lifecycle) InFlight(actionID string) bool {
	_, ok := l.inflight.Load(actionID)
	return ok
}

func (l *Lifecycle) notify(a *domain.Action) {
	if l.cfg.Observer != nil {
		l.cfg.Observer(a)
	}
}
