// Package store provides storage backends for ScriptPipe.
//
// This file implements an SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/ScriptPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, externalID, displayName string) (*models.User, bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (external_id, display_name, current_step, progress, created_at, updated_at)
		 VALUES (?, ?, '', '{}', ?, ?)`,
		externalID, displayName, now, now)
	if err != nil {
		slog.Error("SQLiteStore GetOrCreateUser insert failed", "error", err, "external_id", externalID)
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
	slog.Debug("SQLiteStore GetOrCreateUser succeeded", "external_id", externalID, "created", n > 0, "step", u.CurrentStep)
	return u, n > 0, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, externalID string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT external_id, display_name, current_step, progress, created_at, updated_at
		 FROM users WHERE external_id = ?`, externalID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUser failed", "error", err, "external_id", externalID)
		return nil, fmt.Errorf("failed to get user %s: %w", externalID, err)
	}
	return u, nil
}

func (s *SQLiteStore) SaveUser(ctx context.Context, u *models.User) error {
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
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(external_id) DO UPDATE SET
			display_name = excluded.display_name,
			current_step = excluded.current_step,
			progress = excluded.progress,
			updated_at = excluded.updated_at`,
		u.ExternalID, u.DisplayName, u.CurrentStep, progress, createdAt, now)
	if err != nil {
		slog.Error("SQLiteStore SaveUser failed", "error", err, "external_id", u.ExternalID)
		return fmt.Errorf("failed to save user %s: %w", u.ExternalID, err)
	}
	slog.Debug("SQLiteStore SaveUser succeeded", "external_id", u.ExternalID, "step", u.CurrentStep)
	return nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT external_id, display_name, current_step, progress, created_at, updated_at
		 FROM users ORDER BY external_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (s *SQLiteStore) AddConversation(ctx context.Context, rec models.ConversationRecord) error {
	rec = withRecordID(rec)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, external_id, event_id, kind, timestamp, payload, summary)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ExternalID, rec.EventID, string(rec.Kind), rec.Timestamp, rec.Payload, nilIfEmpty(rec.Summary))
	if err != nil {
		slog.Error("SQLiteStore AddConversation failed", "error", err, "external_id", rec.ExternalID)
		return fmt.Errorf("failed to insert conversation record for %s: %w", rec.ExternalID, err)
	}
	return nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, externalID string, limit int) ([]models.ConversationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, external_id, event_id, kind, timestamp, payload, summary
		 FROM conversations WHERE external_id = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
		externalID, historyLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func (s *SQLiteStore) AddReceipt(ctx context.Context, r models.Receipt) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO receipts (recipient, message_id, status, time) VALUES (?, ?, ?, ?)`,
		r.To, nilIfEmpty(r.MessageID), r.Status, r.Time)
	if err != nil {
		slog.Error("SQLiteStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug("SQLiteStore AddReceipt succeeded", "to", r.To, "status", r.Status)
	return nil
}

func (s *SQLiteStore) GetReceipts(ctx context.Context) ([]models.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT recipient, message_id, status, time FROM receipts ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
