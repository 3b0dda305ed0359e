//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ashureev/medinterp/internal/config"
	"github.com/ashureev/medinterp/internal/domain"
	"github.com/ashureev/medinterp/internal/store"
	"github.com/ashureev/medinterp/internal/summary"
	"github.com/go-chi/chi/v5"
)

type fakeExecutor struct {
	mu     sync.Mutex
	calls  []string
	result *domain.Action
	err    error
}

func (f *fakeExecutor) Execute(_ context.Context, actionID string) (*domain.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, actionID)
	return f.result, f.err
}

type fakeSessions struct {
	mu       sync.Mutex
	closed   []string
	notified []*domain.Action
}

func (f *fakeSessions) Close(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, conversationID)
}

func (f *fakeSessions) NotifyAction(a *domain.Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, a)
}

type fakeSummarizer struct {
	mu         sync.Mutex
	transcript string
	result     summary.Result
	err        error
}

func (f *fakeSummarizer) Summarize(_ context.Context, transcript string) (summary.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcript = transcript
	return f.result, f.err
}

type testEnv struct {
	repo       store.Repository
	executor   *fakeExecutor
	sessions   *fakeSessions
	summarizer *fakeSummarizer
	router     http.Handler
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	env := &testEnv{
		repo:       repo,
		executor:   &fakeExecutor{},
		sessions:   &fakeSessions{},
		summarizer: &fakeSummarizer{},
	}
	h := NewHandler(repo, env.executor, env.sessions, env.summarizer, cfg, nil)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	env.router = r
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}

	_ = env.repo.Close()
	rec = env.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health after close = %d, want 503", rec.Code)
	}
}

func TestGetConfig(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &config.Config{
		Webhook: config.WebhookConfig{URL: "https://webhook.site/x"},
		OpenAI:  config.OpenAIConfig{APIKey: "sk-proj-abcdef"},
	})

	rec := env.do(t, http.MethodGet, "/api/config", nil)
	got := decodeBody[map[string]any](t, rec)
	if got["webhook_configured"] != true || got["openai_configured"] != true || got["database_configured"] != false {
		t.Fatalf("unexpected config flags %v", got)
	}
	if got["openai_key_prefix"] != "sk-proj..." {
		t.Fatalf("key prefix = %v", got["openai_key_prefix"])
	}
}
