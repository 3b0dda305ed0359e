package summary

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
		actions int
		ok      bool
	}{
		{"plain", `{"summary":"Headache for two days","actions":["schedule_lab"]}`, "Headache for two days", 1, true},
		{"fenced", "Here you go:\n```json\n{\"summary\":\"Fever\",\"actions\":[]}\n```", "Fever", 0, true},
		{"bare fence", "```\n{\"summary\":\"Cough\"}\n```", "Cough", 0, true},
		{"not json", "The patient reports a headache.", "Clinical conversation completed. Raw response: The patient reports a headache....", 0, false},
		{"empty", "", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Parse(tt.content)
			if ok != tt.ok || got.Summary != tt.want || len(got.Actions) != tt.actions {
				t.Fatalf("Parse = %+v, %v", got, ok)
			}
			if got.Actions == nil {
				t.Fatal("actions should never be nil")
			}
		})
	}
}

func TestSummarizeWithoutKey(t *testing.T) {
	t.Parallel()

	_, err := NewOpenAI("", "", "", nil).Summarize(context.Background(), "doctor: hi")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Summarize = %v, want ErrUnavailable", err)
	}
}

func TestSummarizeCallsChatCompletion(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o",
			"choices": [{
				"index": 0,
				"finish_reason": "stop",
				"message": {"role": "assistant", "content": "` + "```json\\n{\\\"summary\\\":\\\"Migraine follow-up\\\",\\\"actions\\\":[\\\"schedule_followup\\\"]}\\n```" + `"}
			}]
		}`))
	}))
	defer srv.Close()

	s := NewOpenAI("test-key", "gpt-4o", srv.URL+"/v1", nil)
	res, err := s.Summarize(context.Background(), "doctor: How long has it hurt?\npatient: Dos días")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if res.Summary != "Migraine follow-up" || len(res.Actions) != 1 || res.Actions[0] != "schedule_followup" {
		t.Fatalf("unexpected result %+v", res)
	}

	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(msgs))
	}
	user, _ := msgs[1].(map[string]any)
	if !strings.Contains(user["content"].(string), "patient: Dos días") {
		t.Fatalf("transcript not sent: %v", user)
	}
}
