package flow

import (
	"errors"
	"fmt"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

var (
	// ErrUnresolvedStep is returned when the user's current step is not registered.
	ErrUnresolvedStep = errors.New("current step is not registered")
	// ErrNotImplemented is returned by steps registered without logic.
	ErrNotImplemented = errors.New("step handler not implemented")
	// ErrChainCycle is returned when a chain would run a step twice for one event.
	ErrChainCycle = errors.New("step chain revisits a step")
	// ErrDuplicateStep is returned when a step name is registered twice.
	ErrDuplicateStep = errors.New("duplicate step name")
	// ErrDuplicateFormToken is returned when two form routes claim the same token.
	ErrDuplicateFormToken = errors.New("duplicate form token")
	// ErrUnknownFormToken is returned when a form route's token is not a registered step.
	ErrUnknownFormToken = errors.New("form token is not a registered step")
	// ErrInvalidEntry is returned for entries without a name or factory.
	ErrInvalidEntry = errors.New("step entry requires a name and a factory")
	// ErrNotConversational is returned when dispatching a status event.
	ErrNotConversational = errors.New("event is not a conversational message")
	// ErrEmptyIdentity is returned when an event carries no sender identity.
	ErrEmptyIdentity = errors.New("event has no sender identity")
	// ErrNoSender is returned when a step sends without an outbound service.
	ErrNoSender = errors.New("no outbound sender configured")
	// ErrNoGenerator is returned when a step asks for generated text without a generator.
	ErrNoGenerator = errors.New("no text generator configured")
)

// StepError records a failure raised while running a step.
type StepError struct {
	ExternalID string
	Step       string
	EventKind  models.EventKind
	Err        error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed for %s on %s event: %v", e.Step, e.ExternalID, e.EventKind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
