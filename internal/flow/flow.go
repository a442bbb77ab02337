// Package flow implements the conversation state machine.
//
// Each state is a named step whose Handler performs side effects (sending
// messages, updating the user's progress) and declares a Transition. The
// Engine resolves the user's current step through an immutable Registry,
// runs it, and either chains into the next step with the same event or
// parks the user there until the next inbound event.
package flow

import (
	"context"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// Transition is the decision a handler returns. Next is empty when the
// handler declares no next step. When Jump is true the engine runs Next
// immediately with the same event instead of waiting for a new one.
type Transition struct {
	Next string `json:"next,omitempty"`
	Jump bool   `json:"jump"`
}

// Stay parks the user on the step that is running.
func Stay() Transition { return Transition{} }

// Wait sets the user's position to next without running it.
func Wait(next string) Transition { return Transition{Next: next} }

// Jump runs next immediately with the current event.
func Jump(next string) Transition { return Transition{Next: next, Jump: true} }

// Handler is the logic bound to one step.
type Handler interface {
	Handle(ctx context.Context) (Transition, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) (Transition, error)

// Handle calls f(ctx).
func (f HandlerFunc) Handle(ctx context.Context) (Transition, error) {
	return f(ctx)
}

// Factory constructs the handler for one execution of a step.
type Factory func(sc *Context) Handler

// Entry is one registered step.
type Entry struct {
	Name string
	// Description makes the step a candidate for AI-assisted redirects when non-empty.
	Description string
	Factory     Factory
}

// FormRoute handles the reply to a flow form whose token names the issuing
// step. It may update the user's progress and returns the step to jump to.
// An empty result stops the chain.
type FormRoute func(sc *Context, reply *models.FlowReply) (string, error)

// NotImplemented is a Factory for steps that are registered but have no
// logic yet. Running one fails with ErrNotImplemented.
func NotImplemented(sc *Context) Handler {
	return HandlerFunc(func(ctx context.Context) (Transition, error) {
		return Transition{}, ErrNotImplemented
	})
}
