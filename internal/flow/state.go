package flow

import (
	"context"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// ProgressStore persists users and their position in the conversation.
// The engine reads a user once per dispatch and commits it once.
type ProgressStore interface {
	// GetOrCreateUser loads the user for externalID, creating an
	// uninitialized record if none exists. The bool reports creation.
	GetOrCreateUser(ctx context.Context, externalID, displayName string) (*models.User, bool, error)

	// GetUser loads the user for externalID. It returns nil, nil when absent.
	GetUser(ctx context.Context, externalID string) (*models.User, error)

	// SaveUser commits the user's current step and progress.
	SaveUser(ctx context.Context, u *models.User) error
}

// Sender delivers outbound messages.
type Sender interface {
	Send(ctx context.Context, msg models.OutboundMessage) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg models.OutboundMessage) error

// Send calls f(ctx, msg).
func (f SenderFunc) Send(ctx context.Context, msg models.OutboundMessage) error {
	return f(ctx, msg)
}

// Generator produces text for a system and user prompt, or fails.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
