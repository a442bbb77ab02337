// Package store provides storage backends for ScriptPipe.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ScriptPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetOrCreateUser(ctx context.Context, externalID, displayName string) (*models.User, bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (external_id, display_name, current_step, progress, created_at, updated_at)
		 VALUES ($1, $2, '', '{}'::jsonb, $3, $3)
		 ON CONFLICT (external_id) DO NOTHING`,
		externalID, displayName, now)
	if err != nil {
		slog.Error("PostgresStore GetOrCreateUser insert failed", "error", err, "external_id", externalID)
		return nil, false, fmt.Errorf("failed to create user %s: %w", externalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to check created user %s: %w", externalID, err)
	}

	u, err := s.GetUser(ctx, externalID)
	if err != nil {
		return nil, false, err
	}
	if u == nil {
		return nil, false, fmt.Errorf("user %s vanished after insert", externalID)
	}
	if displayName != "" {
		u.DisplayName = displayName
	}
	slog.Debug("PostgresStore GetOrCreateUser succeeded", "external_id", externalID, "created", n > 0, "step", u.CurrentStep)
	return u, n > 0, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, externalID string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT external_id, display_name, current_step, progress, created_at, updated_at
		 FROM users WHERE external_id = $1`, externalID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUser failed", "error", err, "external_id", externalID)
		return nil, fmt.Errorf("failed to get user %s: %w", externalID, err)
	}
	return u, nil
}

func (s *PostgresStore) SaveUser(ctx context.Context, u *models.User) error {
	progress, err := marshalProgress(u.Progress)
	if err != nil {
		return err
	}
	now := time.Now()
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (external_id, display_name, current_step, progress, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		 ON CONFLICT (external_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			current_step = EXCLUDED.current_step,
			progress = EXCLUDED.progress,
			updated_at = EXCLUDED.updated_at`,
		u.ExternalID, u.DisplayName, u.CurrentStep, progress, createdAt, now)
	if err != nil {
		slog.Error("PostgresStore SaveUser failed", "error", err, "external_id", u.ExternalID)
		return fmt.Errorf("failed to save user %s: %w", u.ExternalID, err)
	}
	slog.Debug("PostgresStore SaveUser succeeded", "external_id", u.ExternalID, "step", u.CurrentStep)
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT external_id, display_name, current_step, progress, created_at, updated_at
		 FROM users ORDER BY external_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (s *PostgresStore) AddConversation(ctx context.Context, rec models.ConversationRecord) error {
	rec = withRecordID(rec)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, external_id, event_id, kind, timestamp, payload, summary)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.ExternalID, rec.EventID, string(rec.Kind), rec.Timestamp, rec.Payload, nilIfEmpty(rec.Summary))
	if err != nil {
		slog.Error("PostgresStore AddConversation failed", "error", err, "external_id", rec.ExternalID)
		return fmt.Errorf("failed to insert conversation record for %s: %w", rec.ExternalID, err)
	}
	return nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, externalID string, limit int) ([]models.ConversationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, external_id, event_id, kind, timestamp, payload, summary
		 FROM conversations WHERE external_id = $1 ORDER BY timestamp DESC, seq DESC LIMIT $2`,
		externalID, historyLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func (s *PostgresStore) AddReceipt(ctx context.Context, r models.Receipt) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO receipts (recipient, message_id, status, time) VALUES ($1, $2, $3, $4)`,
		r.To, nilIfEmpty(r.MessageID), r.Status, r.Time)
	if err != nil {
		slog.Error("PostgresStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug("PostgresStore AddReceipt succeeded", "to", r.To, "status", r.Status)
	return nil
}

func (s *PostgresStore) GetReceipts(ctx context.Context) ([]models.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT recipient, message_id, status, time FROM receipts ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
