package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/medinterp/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Repository using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and applies pending migrations.
func NewPostgres(ctx context.Context, databaseURL string) (Repository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Warn("failed to close migration handle", "error", closeErr)
		}
	}()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		slog.Info("Applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateConversation inserts a new conversation.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	actions, err := encodeActions(conv.Actions)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (id, status, summary, actions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		conv.ID, string(conv.Status), conv.Summary, []byte(actions), conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation and its utterances.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, summary, actions, created_at, updated_at
		FROM conversations WHERE id = $1`, id)

	conv, err := scanPostgresConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if conv.Utterances, err = s.utterances(ctx, id); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations retrieves every conversation, newest first.
func (s *PostgresStore) ListConversations(ctx context.Context) ([]*domain.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, summary, actions, created_at, updated_at
		FROM conversations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []*domain.Conversation
	for rows.Next() {
		conv, err := scanPostgresConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	rows.Close()

	for _, conv := range convs {
		if conv.Utterances, err = s.utterances(ctx, conv.ID); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

func (s *PostgresStore) utterances(ctx context.Context, conversationID string) ([]domain.Utterance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, text, original_lang,
		       translated_text, audio_url, timestamp
		FROM utterances WHERE conversation_id = $1 ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query utterances: %w", err)
	}
	defer rows.Close()

	utterances := []domain.Utterance{}
	for rows.Next() {
		var u domain.Utterance
		var role, lang string
		if err := rows.Scan(
			&u.ID, &u.ConversationID, &role, &u.Text, &lang,
			&u.TranslatedText, &u.AudioURL, &u.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan utterance row: %w", err)
		}
		u.Role = domain.Role(role)
		u.OriginalLang = domain.Lang(lang)
		utterances = append(utterances, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate utterances: %w", err)
	}
	return utterances, nil
}

// AddUtterance appends an utterance. Returns ErrNotFound if the conversation does not exist.
func (s *PostgresStore) AddUtterance(ctx context.Context, u *domain.Utterance) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin utterance tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO utterances (id, conversation_id, role, text, original_lang, translated_text, audio_url, timestamp)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE EXISTS (SELECT 1 FROM conversations WHERE id = $2)`,
		u.ID, u.ConversationID, string(u.Role), u.Text, string(u.OriginalLang),
		u.TranslatedText, u.AudioURL, u.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert utterance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", u.ConversationID, ErrNotFound)
	}

	if _, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = $1 WHERE id = $2`, time.Now(), u.ConversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit(ctx)
}

// FinalizeConversation marks a conversation completed.
func (s *PostgresStore) FinalizeConversation(ctx context.Context, id string, summary string, actions []string) error {
	encoded, err := encodeActions(actions)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET status = $1, summary = $2, actions = $3, updated_at = $4 WHERE id = $5`,
		string(domain.ConversationCompleted), summary, []byte(encoded), time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("finalize conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateAction inserts an action record.
func (s *PostgresStore) CreateAction(ctx context.Context, a *domain.Action) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO actions (
			id, conversation_id, action_type, parameters, status,
			webhook_url, webhook_status, webhook_response, error_message,
			detected_at, executed_at, completed_at, retry_count
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		WHERE EXISTS (SELECT 1 FROM conversations WHERE id = $2)`,
		a.ID, a.ConversationID, a.ActionType, []byte(parametersOrEmpty(a.Parameters)), string(a.Status),
		a.WebhookURL, a.WebhookStatus, a.WebhookResponse, a.ErrorMessage,
		a.DetectedAt, a.ExecutedAt, a.CompletedAt, a.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", a.ConversationID, ErrNotFound)
	}
	return nil
}

const postgresActionColumns = `
	id, conversation_id, action_type, parameters, status,
	webhook_url, webhook_status, webhook_response, error_message,
	detected_at, executed_at, completed_at, retry_count`

// GetAction retrieves an action by ID.
func (s *PostgresStore) GetAction(ctx context.Context, id string) (*domain.Action, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresActionColumns+` FROM actions WHERE id = $1`, id)
	a, err := scanPostgresAction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ListActions retrieves actions matching filter.
func (s *PostgresStore) ListActions(ctx context.Context, filter domain.ActionFilter) ([]*domain.Action, error) {
	query := `SELECT ` + postgresActionColumns + ` FROM actions`
	var where []string
	var args []any
	if filter.ConversationID != "" {
		args = append(args, filter.ConversationID)
		where = append(where, "conversation_id = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	actions := []*domain.Action{}
	for rows.Next() {
		a, err := scanPostgresAction(rows)
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
func (s *PostgresStore) TransitionAction(ctx context.Context, id string, expected domain.ActionStatus, upd domain.ActionUpdate) (*domain.Action, error) {
	if err := checkTransition(expected, upd); err != nil {
		return nil, err
	}

	sets, args := actionSetClause(upd,
		func(n int) string { return "$" + strconv.Itoa(n) },
		func(t time.Time) any { return t },
	)
	if len(sets) == 0 {
		a, err := s.GetAction(ctx, id)
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, ErrNotFound
		}
		if a.Status != expected {
			return nil, ErrStatusConflict
		}
		return a, nil
	}

	args = append(args, id, string(expected))
	query := `UPDATE actions SET ` + strings.Join(sets, ", ") +
		` WHERE id = $` + strconv.Itoa(len(args)-1) +
		` AND status = $` + strconv.Itoa(len(args)) +
		` RETURNING ` + postgresActionColumns

	a, err := scanPostgresAction(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetAction(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current == nil {
			return nil, ErrNotFound
		}
		slog.Warn("TransitionAction affected 0 rows", "action_id", id, "expected", expected, "actual", current.Status)
		return nil, ErrStatusConflict
	}
	return a, err
}

func scanPostgresConversation(row pgx.Row) (*domain.Conversation, error) {
	var conv domain.Conversation
	var status string
	var actions []byte

	if err := row.Scan(&conv.ID, &status, &conv.Summary, &actions, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	decoded, err := decodeActions(string(actions))
	if err != nil {
		return nil, err
	}
	conv.Status = domain.ConversationStatus(status)
	conv.Actions = decoded
	conv.Utterances = []domain.Utterance{}
	return &conv, nil
}

func scanPostgresAction(row pgx.Row) (*domain.Action, error) {
	var a domain.Action
	var params []byte
	var status string

	if err := row.Scan(
		&a.ID, &a.ConversationID, &a.ActionType, &params, &status,
		&a.WebhookURL, &a.WebhookStatus, &a.WebhookResponse, &a.ErrorMessage,
		&a.DetectedAt, &a.ExecutedAt, &a.CompletedAt, &a.RetryCount,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan action row: %w", err)
	}
	a.Parameters = json.RawMessage(params)
	a.Status = domain.ActionStatus(status)
	return &a, nil
}
