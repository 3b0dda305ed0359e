package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TranscriptLogConfig controls NDJSON transcript logging.
type TranscriptLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// TranscriptEntry is one line of a conversation transcript log.
type TranscriptEntry struct {
	Time           time.Time `json:"ts"`
	ConversationID string    `json:"conversation_id"`
	Kind           string    `json:"kind"`
	Role           string    `json:"role,omitempty"`
	Lang           string    `json:"lang,omitempty"`
	Text           string    `json:"text,omitempty"`
	ActionID       string    `json:"action_id,omitempty"`
	ActionType     string    `json:"action_type,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// TranscriptLog records session activity outside the database.
type TranscriptLog interface {
	Log(entry TranscriptEntry)
	Close() error
}

type noopTranscriptLog struct{}

func (noopTranscriptLog) Log(TranscriptEntry) {}
func (noopTranscriptLog) Close() error        { return nil }

// fileTranscriptLog appends entries to <dir>/<conversation_id>.ndjson and,
// optionally, a global file. Writes happen on one background goroutine.
type fileTranscriptLog struct {
	cfg     TranscriptLogConfig
	logger  *slog.Logger
	entries chan TranscriptEntry

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	files  map[string]*os.File
	global *os.File
}

// NewTranscriptLog creates a transcript log. A disabled config yields a no-op log.
func NewTranscriptLog(cfg TranscriptLogConfig, logger *slog.Logger) (TranscriptLog, error) {
	if !cfg.Enabled {
		return noopTranscriptLog{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript log directory: %w", err)
	}

	l := &fileTranscriptLog{
		cfg:     cfg,
		logger:  logger,
		entries: make(chan TranscriptEntry, cfg.QueueSize),
		files:   make(map[string]*os.File),
	}

	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global transcript directory: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open global transcript log: %w", err)
		}
		l.global = f
	}

	l.wg.Add(1)
	go l.run()
	return l, nil
}

func (l *fileTranscriptLog) Log(entry TranscriptEntry) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	select {
	case l.entries <- entry:
	default:
		l.logger.Warn("Transcript log queue full, dropping entry",
			"conversation_id", entry.ConversationID,
			"kind", entry.Kind,
		)
	}
}

func (l *fileTranscriptLog) run() {
	defer l.wg.Done()
	for entry := range l.entries {
		line, err := json.Marshal(entry)
		if err != nil {
			l.logger.Warn("Failed to encode transcript entry", "error", err)
			continue
		}
		line = append(line, '\n')

		if f, err := l.fileFor(entry.ConversationID); err != nil {
			l.logger.Warn("Failed to open transcript log", "conversation_id", entry.ConversationID, "error", err)
		} else if _, err := f.Write(line); err != nil {
			l.logger.Warn("Failed to write transcript log", "conversation_id", entry.ConversationID, "error", err)
		}

		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("Failed to write global transcript log", "error", err)
			}
		}
	}
}

func (l *fileTranscriptLog) fileFor(conversationID string) (*os.File, error) {
	name := sanitizeFileName(conversationID)
	if f, ok := l.files[name]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(l.cfg.Dir, name+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.files[name] = f
	return f, nil
}

func (l *fileTranscriptLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.entries)
	l.mu.Unlock()

	l.wg.Wait()

	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.global != nil {
		if err := l.global.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func sanitizeFileName(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
