package action

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/medinterp/internal/domain"
	"github.com/ashureev/medinterp/internal/store"
	"github.com/ashureev/medinterp/internal/webhook"
)

func newTestRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "actions.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	now := time.Now()
	conv := &domain.Conversation{ID: "c1", Status: domain.ConversationActive, CreatedAt: now, UpdatedAt: now}
	if err := repo.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	return repo
}

func createDetected(t *testing.T, repo store.Repository, id string) {
	t.Helper()
	a := &domain.Action{
		ID:             id,
		ConversationID: "c1",
		ActionType:     domain.ActionScheduleLab,
		Parameters:     json.RawMessage(`{"tests":["blood work"]}`),
		Status:         domain.ActionDetected,
		DetectedAt:     time.Now(),
	}
	if err := repo.CreateAction(context.Background(), a); err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}
}

// fakeDispatcher records calls and replays scripted outcomes.
type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []webhook.Payload
	results []*webhook.Result
	errs    []error
	block   chan struct{}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ string, p webhook.Payload) (*webhook.Result, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.calls)
	f.calls = append(f.calls, p)
	var err error
	if n < len(f.errs) {
		err = f.errs[n]
	}
	if err != nil {
		return nil, err
	}
	if n < len(f.results) {
		return f.results[n], nil
	}
	return &webhook.Result{StatusCode: 200, Status: "200 OK", Body: "ok"}, nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestExecuteSuccess(t *testing.T) {
	repo := newTestRepo(t)
	createDetected(t, repo, "a1")

	var got webhook.Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	defer srv.Close()

	l := NewLifecycle(repo, webhook.NewDispatcher(time.Second, nil), Config{WebhookURL: srv.URL}, nil)
	a, err := l.Execute(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if a.Status != domain.ActionCompleted {
		t.Fatalf("status = %s, want completed", a.Status)
	}
	if a.WebhookStatus == nil || *a.WebhookStatus != 200 {
		t.Fatalf("webhook status = %v", a.WebhookStatus)
	}
	if a.WebhookResponse == nil || *a.WebhookResponse != `{"received":true}` {
		t.Fatalf("webhook response = %v", a.WebhookResponse)
	}
	if a.ExecutedAt == nil || a.CompletedAt == nil || a.ErrorMessage != nil {
		t.Fatalf("unexpected timestamps or error: %+v", a)
	}
	if got.ActionID != "a1" || got.ActionType != domain.ActionScheduleLab || got.Source != webhook.Source {
		t.Fatalf("unexpected payload %+v", got)
	}

	conv, err := repo.GetConversation(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	last := conv.Utterances[len(conv.Utterances)-1]
	if last.Role != domain.RoleSystem || !strings.HasPrefix(last.Text, "Action executed: schedule_lab with parameters:") {
		t.Fatalf("missing execution utterance: %+v", conv.Utterances)
	}
}

func TestExecuteNon2xx(t *testing.T) {
	repo := newTestRepo(t)
	createDetected(t, repo, "a1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	l := NewLifecycle(repo, webhook.NewDispatcher(time.Second, nil), Config{WebhookURL: srv.URL}, nil)
	a, err := l.Execute(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if a.Status != domain.ActionFailed {
		t.Fatalf("status = %s, want failed", a.Status)
	}
	if a.ErrorMessage == nil || *a.ErrorMessage != "Webhook failed with status 500: Internal Server Error" {
		t.Fatalf("error message = %v", a.ErrorMessage)
	}
	if a.WebhookStatus == nil || *a.WebhookStatus != 500 || a.WebhookResponse == nil || *a.WebhookResponse != "upstream down" {
		t.Fatalf("unexpected webhook fields %+v", a)
	}
	if a.CompletedAt != nil {
		t.Fatalf("failed action has completedAt %v", a.CompletedAt)
	}
}

func TestExecuteWithoutWebhookURL(t *testing.T) {
	repo := newTestRepo(t)
	createDetected(t, repo, "a1")

	d := &fakeDispatcher{}
	l := NewLifecycle(repo, d, Config{}, nil)
	a, err := l.Execute(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if a.Status != domain.ActionFailed || a.ErrorMessage == nil || *a.ErrorMessage != "Webhook URL not configured" {
		t.Fatalf("unexpected action %+v", a)
	}
	if d.count() != 0 {
		t.Fatalf("dispatcher called %d times, want 0", d.count())
	}
	if a.ExecutedAt == nil || a.CompletedAt != nil {
		t.Fatalf("executedAt = %v, completedAt = %v; want set, nil", a.ExecutedAt, a.CompletedAt)
	}
}

func TestExecuteNetworkError(t *testing.T) {
	repo := newTestRepo(t)
	createDetected(t, repo, "a1")

	d := &fakeDispatcher{errs: []error{errors.New("connection refused")}}
	l := NewLifecycle(repo, d, Config{WebhookURL: "http://hooks.invalid"}, nil)
	a, err := l.Execute(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if a.Status != domain.ActionFailed || a.ErrorMessage == nil || *a.ErrorMessage != "connection refused" {
		t.Fatalf("unexpected action %+v", a)
	}
	if a.WebhookStatus != nil {
		t.Fatalf("webhook status should be unset, got %d", *a.WebhookStatus)
	}
	if a.CompletedAt != nil {
		t.Fatalf("failed action has completedAt %v", a.CompletedAt)
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	repo := newTestRepo(t)
	createDetected(t, repo, "a1")

	d := &fakeDispatcher{
		errs:    []error{errors.New("timeout"), nil},
		results: []*webhook.Result{nil, {StatusCode: 503, Status: "503 Service Unavailable"}},
	}
	l := NewLifecycle(repo, d, Config{WebhookURL: "http://hooks.invalid", MaxRetries: 3, RetryBase: time.Millisecond}, nil)
	a, err := l.Execute(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if a.Status != domain.ActionCompleted {
		t.Fatalf("status = %s, want completed", a.Status)
	}
	if a.RetryCount != 2 || d.count() != 3 {
		t.Fatalf("retry count = %d, calls = %d", a.RetryCount, d.count())
	}
}

func TestExecuteDoesNotRetryClientErrors(t *testing.T) {
	repo := newTestRepo(t)
	createDetected(t, repo, "a1")

	d := &fakeDispatcher{results: []*webhook.Result{{StatusCode: 400, Status: "400 Bad Request"}}}
	l := NewLifecycle(repo, d, Config{WebhookURL: "http://hooks.invalid", MaxRetries: 3, RetryBase: time.Millisecond}, nil)
	a, err := l.Execute(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if a.Status != domain.ActionFailed || d.count() != 1 || a.RetryCount != 0 {
		t.Fatalf("unexpected outcome %+v after %d calls", a, d.count())
	}
}

func TestExecuteAtMostOneInFlight(t *testing.T) {
	repo := newTestRepo(t)
	createDetected(t, repo, "a1")

	d := &fakeDispatcher{block: make(chan struct{})}
	l := NewLifecycle(repo, d, Config{WebhookURL: "http://hooks.invalid"}, nil)

	first := make(chan error, 1)
	go func() {
		_, err := l.Execute(context.Background(), "a1")
		first <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !l.InFlight("a1") {
		if time.Now().After(deadline) {
			t.Fatal("first execution never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := l.Execute(context.Background(), "a1"); !errors.Is(err, ErrExecutionInProgress) {
		t.Fatalf("second Execute = %v, want ErrExecutionInProgress", err)
	}

	close(d.block)
	if err := <-first; err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}
	if d.count() != 1 {
		t.Fatalf("dispatcher called %d times, want 1", d.count())
	}

	if _, err := l.Execute(context.Background(), "a1"); !errors.Is(err, ErrNotExecutable) {
		t.Fatalf("re-execute of completed action = %v, want ErrNotExecutable", err)
	}
}

func TestExecuteMissingAction(t *testing.T) {
	repo := newTestRepo(t)
	l := NewLifecycle(repo, &fakeDispatcher{}, Config{WebhookURL: "http://hooks.invalid"}, nil)
	if _, err := l.Execute(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Execute(missing) = %v, want ErrNotFound", err)
	}
}

func TestSubmitExecutesInBackground(t *testing.T) {
	tests := []struct {
		name       string
		webhookURL string
		dispatcher *fakeDispatcher
		want       []domain.ActionStatus
	}{
		{
			name:       "completed",
			webhookURL: "http://hooks.invalid",
			dispatcher: &fakeDispatcher{},
			want:       []domain.ActionStatus{domain.ActionDetected, domain.ActionExecuting, domain.ActionCompleted},
		},
		{
			name:       "webhook rejects",
			webhookURL: "http://hooks.invalid",
			dispatcher: &fakeDispatcher{results: []*webhook.Result{{StatusCode: 422, Status: "422 Unprocessable Entity"}}},
			want:       []domain.ActionStatus{domain.ActionDetected, domain.ActionExecuting, domain.ActionFailed},
		},
		{
			name:       "no webhook configured",
			dispatcher: &fakeDispatcher{},
			want:       []domain.ActionStatus{domain.ActionDetected, domain.ActionExecuting, domain.ActionFailed},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newTestRepo(t)

			var mu sync.Mutex
			var seen []domain.ActionStatus
			l := NewLifecycle(repo, tt.dispatcher, Config{
				WebhookURL: tt.webhookURL,
				Observer: func(a *domain.Action) {
					mu.Lock()
					defer mu.Unlock()
					seen = append(seen, a.Status)
				},
			}, nil)

			ctx, cancel := context.WithCancel(context.Background())
			id, err := l.Submit(ctx, "c1", domain.ActionReferSpecialist, json.RawMessage(`{"specialty":"neurology"}`))
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			cancel()
			l.Wait()

			// Nothing may be observed once the terminal state was published.
			if _, err := l.Execute(context.Background(), id); !errors.Is(err, ErrNotExecutable) {
				t.Fatalf("re-execute = %v, want ErrNotExecutable", err)
			}
			l.SweepStale(context.Background(), time.Nanosecond)

			mu.Lock()
			got := append([]domain.ActionStatus(nil), seen...)
			mu.Unlock()
			if len(got) != len(tt.want) {
				t.Fatalf("observed %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("observed %v, want %v", got, tt.want)
				}
				if i > 0 && !got[i-1].CanTransition(got[i]) {
					t.Fatalf("illegal step %s -> %s in %v", got[i-1], got[i], got)
				}
			}

			a, err := repo.GetAction(context.Background(), id)
			if err != nil {
				t.Fatalf("GetAction failed: %v", err)
			}
			if a.Status != tt.want[len(tt.want)-1] {
				t.Fatalf("stored status = %s, want %s", a.Status, tt.want[len(tt.want)-1])
			}
			if (a.Status == domain.ActionCompleted) != (a.CompletedAt != nil) {
				t.Fatalf("status %s with completedAt %v", a.Status, a.CompletedAt)
			}
		})
	}
}

func TestSubmitValidation(t *testing.T) {
	repo := newTestRepo(t)
	l := NewLifecycle(repo, &fakeDispatcher{}, Config{}, nil)

	if _, err := l.Submit(context.Background(), "", "schedule_lab", nil); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("missing conversation: %v", err)
	}
	if _, err := l.Submit(context.Background(), "c1", "schedule_lab", json.RawMessage(`{bad`)); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("bad params: %v", err)
	}
	if _, err := l.Submit(context.Background(), "nope", "schedule_lab", nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown conversation: %v", err)
	}
}

func TestSweepStale(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	createDetected(t, repo, "stale")
	createDetected(t, repo, "fresh")

	old := time.Now().Add(-time.Hour)
	if _, err := repo.TransitionAction(ctx, "stale", domain.ActionDetected, domain.ActionUpdate{
		Status: domain.Ptr(domain.ActionExecuting), ExecutedAt: &old,
	}); err != nil {
		t.Fatalf("TransitionAction failed: %v", err)
	}
	recent := time.Now()
	if _, err := repo.TransitionAction(ctx, "fresh", domain.ActionDetected, domain.ActionUpdate{
		Status: domain.Ptr(domain.ActionExecuting), ExecutedAt: &recent,
	}); err != nil {
		t.Fatalf("TransitionAction failed: %v", err)
	}

	l := NewLifecycle(repo, &fakeDispatcher{}, Config{}, nil)
	if n := l.SweepStale(ctx, 10*time.Minute); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}

	a, _ := repo.GetAction(ctx, "stale")
	if a.Status != domain.ActionFailed || a.ErrorMessage == nil || *a.ErrorMessage != "Execution interrupted" {
		t.Fatalf("stale action not failed: %+v", a)
	}
	if a.CompletedAt != nil {
		t.Fatalf("swept action has completedAt %v", a.CompletedAt)
	}
	a, _ = repo.GetAction(ctx, "fresh")
	if a.Status != domain.ActionExecuting {
		t.Fatalf("fresh action status = %s, want executing", a.Status)
	}
}
