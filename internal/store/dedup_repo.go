// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	ExternalID  string     `json:"external_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
// A message is recorded when it arrives and marked processed only after its
// dispatch succeeds, so a redelivery of a failed message is dispatched again.
type DedupRepo interface {
	// IsDuplicate checks if a message ID has already been recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// IsProcessed checks if a recorded message finished dispatching.
	IsProcessed(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded.
	RecordInbound(ctx context.Context, messageID, externalID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error

	// PruneProcessed deletes processed records older than before and
	// returns how many were removed. Unprocessed records are kept.
	PruneProcessed(ctx context.Context, before time.Time) (int64, error)
}
