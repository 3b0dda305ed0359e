package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/medinterp/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'active',
		summary TEXT,
		actions_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at);

	CREATE TABLE IF NOT EXISTS utterances (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		original_lang TEXT NOT NULL,
		translated_text TEXT,
		audio_url TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_utterances_conversation ON utterances(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		action_type TEXT NOT NULL,
		parameters TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'detected',
		webhook_url TEXT,
		webhook_status INTEGER,
		webhook_response TEXT,
		error_message TEXT,
		detected_at INTEGER NOT NULL,
		executed_at INTEGER,
		completed_at INTEGER,
		retry_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_actions_conversation ON actions(conversation_id, detected_at);
	CREATE INDEX IF NOT EXISTS idx_actions_status ON actions(status, detected_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	actions, err := encodeActions(conv.Actions)
	if err != nil {
		return err
	}
	var summary any
	if conv.Summary != nil {
		summary = *conv.Summary
	}

	query := `
	INSERT INTO conversations (id, status, summary, actions_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	return withBusyRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			conv.ID, string(conv.Status), summary, actions,
			conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		return nil
	})
}

// GetConversation retrieves a conversation and its utterances.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `
		SELECT id, status, summary, actions_json, created_at, updated_at
		FROM conversations WHERE id = ?`

	conv, err := scanSQLiteConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	conv.Utterances, err = s.utterances(ctx, id)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations retrieves every conversation, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*domain.Conversation, error) {
	query := `
		SELECT id, status, summary, actions_json, created_at, updated_at
		FROM conversations ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var convs []*domain.Conversation
	for rows.Next() {
		conv, err := scanSQLiteConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	for _, conv := range convs {
		if conv.Utterances, err = s.utterances(ctx, conv.ID); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

func (s *SQLiteStore) utterances(ctx context.Context, conversationID string) ([]domain.Utterance, error) {
	query := `
		SELECT id, conversation_id, role, text, original_lang,
		       translated_text, audio_url, timestamp
		FROM utterances WHERE conversation_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query utterances: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close utterance rows", "error", closeErr)
		}
	}()

	utterances := []domain.Utterance{}
	for rows.Next() {
		var u domain.Utterance
		var role, lang string
		var translated, audioURL sql.NullString
		var ts int64
		if err := rows.Scan(
			&u.ID, &u.ConversationID, &role, &u.Text, &lang,
			&translated, &audioURL, &ts,
		); err != nil {
			return nil, fmt.Errorf("scan utterance row: %w", err)
		}
		u.Role = domain.Role(role)
		u.OriginalLang = domain.Lang(lang)
		u.Timestamp = time.UnixMilli(ts)
		if translated.Valid {
			u.TranslatedText = &translated.String
		}
		if audioURL.Valid {
			u.AudioURL = &audioURL.String
		}
		utterances = append(utterances, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate utterances: %w", err)
	}
	return utterances, nil
}

// AddUtterance appends an utterance. Returns ErrNotFound if the conversation does not exist.
func (s *SQLiteStore) AddUtterance(ctx context.Context, u *domain.Utterance) error {
	query := `
	INSERT INTO utterances (id, conversation_id, role, text, original_lang, translated_text, audio_url, timestamp)
	SELECT ?, ?, ?, ?, ?, ?, ?, ?
	WHERE EXISTS (SELECT 1 FROM conversations WHERE id = ?)`

	var translated, audioURL any
	if u.TranslatedText != nil {
		translated = *u.TranslatedText
	}
	if u.AudioURL != nil {
		audioURL = *u.AudioURL
	}

	return withBusyRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin utterance tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		result, err := tx.ExecContext(ctx, query,
			u.ID, u.ConversationID, string(u.Role), u.Text, string(u.OriginalLang),
			translated, audioURL, u.Timestamp.UnixMilli(), u.ConversationID,
		)
		if err != nil {
			return fmt.Errorf("insert utterance: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("conversation %s: %w", u.ConversationID, ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
			time.Now().UnixMilli(), u.ConversationID); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		return tx.Commit()
	})
}

// FinalizeConversation marks a conversation completed.
func (s *SQLiteStore) FinalizeConversation(ctx context.Context, id string, summary string, actions []string) error {
	encoded, err := encodeActions(actions)
	if err != nil {
		return err
	}

	query := `UPDATE conversations SET status = ?, summary = ?, actions_json = ?, updated_at = ? WHERE id = ?`
	return withBusyRetry(ctx, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query,
			string(domain.ConversationCompleted), summary, encoded, time.Now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("finalize conversation: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// CreateAction inserts an action record.
func (s *SQLiteStore) CreateAction(ctx context.Context, a *domain.Action) error {
	query := `
	INSERT INTO actions (
		id, conversation_id, action_type, parameters, status,
		webhook_url, webhook_status, webhook_response, error_message,
		detected_at, executed_at, completed_at, retry_count
	)
	SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
	WHERE EXISTS (SELECT 1 FROM conversations WHERE id = ?)`

	return withBusyRetry(ctx, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query,
			a.ID, a.ConversationID, a.ActionType, parametersOrEmpty(a.Parameters), string(a.Status),
			nullString(a.WebhookURL), nullInt(a.WebhookStatus), nullString(a.WebhookResponse), nullString(a.ErrorMessage),
			a.DetectedAt.UnixMilli(), nullMillis(a.ExecutedAt), nullMillis(a.CompletedAt), a.RetryCount,
			a.ConversationID,
		)
		if err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("conversation %s: %w", a.ConversationID, ErrNotFound)
		}
		return nil
	})
}

const sqliteActionColumns = `
	id, conversation_id, action_type, parameters, status,
	webhook_url, webhook_status, webhook_response, error_message,
	detected_at, executed_at, completed_at, retry_count`

// GetAction retrieves an action by ID.
func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*domain.Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteActionColumns+` FROM actions WHERE id = ?`, id)
	a, err := scanSQLiteAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ListActions retrieves actions matching filter.
func (s *SQLiteStore) ListActions(ctx context.Context, filter domain.ActionFilter) ([]*domain.Action, error) {
	query := `SELECT ` + sqliteActionColumns + ` FROM actions`
	var where []string
	var args []any
	if filter.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC, rowid DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close action rows", "error", closeErr)
		}
	}()

	actions := []*domain.Action{}
	for rows.Next() {
		a, err := scanSQLiteAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return actions, nil
}

// TransitionAction updates an action if its status still equals expected.
func (s *SQLiteStore) TransitionAction(ctx context.Context, id string, expected domain.ActionStatus, upd domain.ActionUpdate) (*domain.Action, error) {
	if err := checkTransition(expected, upd); err != nil {
		return nil, err
	}

	sets, args := actionSetClause(upd,
		func(int) string { return "?" },
		func(t time.Time) any { return t.UnixMilli() },
	)

	if len(sets) > 0 {
		query := `UPDATE actions SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`
		args = append(args, id, string(expected))

		var rows int64
		err := withBusyRetry(ctx, func(ctx context.Context) error {
			result, err := s.db.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("update action: %w", err)
			}
			rows, err = result.RowsAffected()
			if err != nil {
				return fmt.Errorf("get rows affected: %w", err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if rows == 0 {
			return nil, s.transitionMiss(ctx, id, expected)
		}
	}

	a, err := s.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNotFound
	}
	if len(sets) == 0 && a.Status != expected {
		return nil, ErrStatusConflict
	}
	return a, nil
}

// transitionMiss explains why a guarded update matched no row.
func (s *SQLiteStore) transitionMiss(ctx context.Context, id string, expected domain.ActionStatus) error {
	a, err := s.GetAction(ctx, id)
	if err != nil {
		return err
	}
	if a == nil {
		return ErrNotFound
	}
	slog.Warn("TransitionAction affected 0 rows", "action_id", id, "expected", expected, "actual", a.Status)
	return ErrStatusConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteConversation(row rowScanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var status, actionsJSON string
	var summary sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(&conv.ID, &status, &summary, &actionsJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	actions, err := decodeActions(actionsJSON)
	if err != nil {
		return nil, err
	}
	conv.Status = domain.ConversationStatus(status)
	conv.Actions = actions
	conv.Utterances = []domain.Utterance{}
	conv.CreatedAt = time.UnixMilli(createdAt)
	conv.UpdatedAt = time.UnixMilli(updatedAt)
	if summary.Valid {
		conv.Summary = &summary.String
	}
	return &conv, nil
}

func scanSQLiteAction(row rowScanner) (*domain.Action, error) {
	var a domain.Action
	var params, status string
	var webhookURL, webhookResponse, errorMessage sql.NullString
	var webhookStatus, executedAt, completedAt sql.NullInt64
	var detectedAt int64

	if err := row.Scan(
		&a.ID, &a.ConversationID, &a.ActionType, &params, &status,
		&webhookURL, &webhookStatus, &webhookResponse, &errorMessage,
		&detectedAt, &executedAt, &completedAt, &a.RetryCount,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan action row: %w", err)
	}

	a.Parameters = json.RawMessage(params)
	a.Status = domain.ActionStatus(status)
	a.DetectedAt = time.UnixMilli(detectedAt)
	if webhookURL.Valid {
		a.WebhookURL = &webhookURL.String
	}
	if webhookStatus.Valid {
		code := int(webhookStatus.Int64)
		a.WebhookStatus = &code
	}
	if webhookResponse.Valid {
		a.WebhookResponse = &webhookResponse.String
	}
	if errorMessage.Valid {
		a.ErrorMessage = &errorMessage.String
	}
	if executedAt.Valid {
		t := time.UnixMilli(executedAt.Int64)
		a.ExecutedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		a.CompletedAt = &t
	}
	return &a, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
