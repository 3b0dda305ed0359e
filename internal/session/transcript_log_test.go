package session

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTranscriptLogWritesPerConversationNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	global := filepath.Join(dir, "global", "all.ndjson")
	log, err := NewTranscriptLog(TranscriptLogConfig{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: true,
		GlobalPath:    global,
		QueueSize:     16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewTranscriptLog failed: %v", err)
	}

	log.Log(TranscriptEntry{ConversationID: "conv-1", Kind: "utterance", Role: "doctor", Lang: "en", Text: "I have a headache"})
	log.Log(TranscriptEntry{ConversationID: "conv-1", Kind: "translation", Role: "system", Lang: "es", Text: "Tengo dolor de cabeza"})
	log.Log(TranscriptEntry{ConversationID: "../escape", Kind: "error", Error: "API Error: x"})
	if err := log.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	lines := readLines(t, filepath.Join(dir, "conv-1.ndjson"))
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var got TranscriptEntry
	if err := json.Unmarshal([]byte(lines[1]), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.Kind != "translation" || got.Text != "Tengo dolor de cabeza" || got.Time.IsZero() {
		t.Fatalf("unexpected entry %+v", got)
	}

	if lines := readLines(t, filepath.Join(dir, "___escape.ndjson")); len(lines) != 1 {
		t.Fatalf("sanitized log has %d lines, want 1", len(lines))
	}
	if lines := readLines(t, global); len(lines) != 3 {
		t.Fatalf("global log has %d lines, want 3", len(lines))
	}
}

func TestTranscriptLogDisabled(t *testing.T) {
	t.Parallel()

	log, err := NewTranscriptLog(TranscriptLogConfig{}, nil)
	if err != nil {
		t.Fatalf("NewTranscriptLog failed: %v", err)
	}
	log.Log(TranscriptEntry{ConversationID: "c", Kind: "utterance"})
	if err := log.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}
