package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// Context is what a handler sees while it runs. User is shared by every
// handler in a chain and is committed by the engine when the chain stops.
type Context struct {
	User     *models.User
	Event    models.Event
	Registry *Registry

	// Step is the name of the running step.
	Step string
	// Hop is the position of this step in the chain; 0 is the step the user was parked on.
	Hop int
	// Fresh is true when the user was created by this dispatch.
	Fresh bool

	visited     map[string]bool
	sender      Sender
	generator   Generator
	sendTimeout time.Duration
	aiTimeout   time.Duration
}

// Resumed reports whether this step is handling a new event for a user who
// was parked on it, as opposed to being reached through a chain.
func (c *Context) Resumed() bool {
	return c.Hop == 0 && !c.Fresh
}

// Visited reports whether step already ran for this event, including the running step.
func (c *Context) Visited(step string) bool {
	return c.visited[step]
}

// Send delivers msg to the user, bounded by the send timeout. An empty
// recipient is filled with the user's identity.
func (c *Context) Send(ctx context.Context, msg models.OutboundMessage) error {
	if c.sender == nil {
		return ErrNoSender
	}
	if msg.To == "" {
		msg.To = c.User.ExternalID
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid %s message from step %s: %w", msg.Kind, c.Step, err)
	}
	if c.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.sendTimeout)
		defer cancel()
	}
	if err := c.sender.Send(ctx, msg); err != nil {
		slog.Error("Context.Send: outbound send failed", "step", c.Step, "to", msg.To, "kind", msg.Kind, "error", err)
		return fmt.Errorf("send %s message: %w", msg.Kind, err)
	}
	slog.Debug("Context.Send: message sent", "step", c.Step, "to", msg.To, "kind", msg.Kind)
	return nil
}

// Generate asks the configured generator for text, bounded by the AI timeout.
func (c *Context) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.generator == nil {
		return "", ErrNoGenerator
	}
	if c.aiTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.aiTimeout)
		defer cancel()
	}
	out, err := c.generator.Generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		slog.Error("Context.Generate: generation failed", "step", c.Step, "external_id", c.User.ExternalID, "error", err)
		return "", fmt.Errorf("generate text: %w", err)
	}
	return out, nil
}
