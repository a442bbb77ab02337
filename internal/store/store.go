// Package store provides storage backends for ScriptPipe.
//
// It persists conversation users and their progress, an append-only
// conversation history, delivery receipts, and inbound message
// deduplication records. In-memory, SQLite, and PostgreSQL backends are
// provided.
package store

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// DefaultHistoryLimit caps ListConversations when no limit is given.
const DefaultHistoryLimit = 100

// Store is the full persistence surface used by the service.
type Store interface {
	// GetOrCreateUser loads the user for externalID, creating an
	// uninitialized record if none exists. The bool reports creation.
	GetOrCreateUser(ctx context.Context, externalID, displayName string) (*models.User, bool, error)
	// GetUser returns nil, nil when the user does not exist.
	GetUser(ctx context.Context, externalID string) (*models.User, error)
	SaveUser(ctx context.Context, u *models.User) error
	ListUsers(ctx context.Context) ([]models.User, error)

	AddConversation(ctx context.Context, rec models.ConversationRecord) error
	// ListConversations returns the newest records for externalID first.
	ListConversations(ctx context.Context, externalID string, limit int) ([]models.ConversationRecord, error)

	AddReceipt(ctx context.Context, r models.Receipt) error
	GetReceipts(ctx context.Context) ([]models.Receipt, error)

	DedupRepo

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the backend selected by the DSN. An empty DSN yields an in-memory store.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("store.New: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		slog.Debug("store.New: using PostgreSQL store")
		return NewPostgresStore(opts...)
	}
	slog.Debug("store.New: using SQLite store", "path", cfg.DSN)
	return NewSQLiteStore(opts...)
}

func historyLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}
