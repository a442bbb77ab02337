package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// Default engine configuration.
const (
	// DefaultInitialStep is assigned to users seen for the first time.
	DefaultInitialStep = "WelcomeUser"
	// DefaultSendTimeout bounds a single outbound send.
	DefaultSendTimeout = 10 * time.Second
	// DefaultAITimeout bounds a single text generation call.
	DefaultAITimeout = 10 * time.Second
)

// ErrUnknownUser is returned by Reposition for identities that were never seen.
var ErrUnknownUser = errors.New("user not found")

// Opts holds configuration options for the Engine.
type Opts struct {
	InitialStep string
	Sender      Sender
	Generator   Generator
	SendTimeout time.Duration
	AITimeout   time.Duration
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithInitialStep sets the step assigned to new users.
func WithInitialStep(step string) Option {
	return func(o *Opts) { o.InitialStep = step }
}

// WithSender sets the outbound message sender available to handlers.
func WithSender(s Sender) Option {
	return func(o *Opts) { o.Sender = s }
}

// WithGenerator sets the text generator available to handlers.
func WithGenerator(g Generator) Option {
	return func(o *Opts) { o.Generator = g }
}

// WithSendTimeout bounds each outbound send.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Opts) { o.SendTimeout = d }
}

// WithAITimeout bounds each text generation call.
func WithAITimeout(d time.Duration) Option {
	return func(o *Opts) { o.AITimeout = d }
}

// HopRecord is one executed step of a dispatch and the transition it declared.
type HopRecord struct {
	Step       string     `json:"step"`
	Transition Transition `json:"transition"`
}

// Result summarizes a dispatch.
type Result struct {
	ExternalID string      `json:"external_id"`
	StartStep  string      `json:"start_step"`
	FinalStep  string      `json:"final_step"`
	Hops       []HopRecord `json:"hops"`
	Committed  bool        `json:"committed"`
}

// Executed returns the names of the steps that completed, in order.
func (r Result) Executed() []string {
	out := make([]string, 0, len(r.Hops))
	for _, h := range r.Hops {
		out = append(out, h.Step)
	}
	return out
}

// Engine runs inbound events through the registered steps.
type Engine struct {
	registry *Registry
	store    ProgressStore
	opts     Opts
	locks    *identityLocks
}

// NewEngine creates an Engine over a merged registry and a progress store.
func NewEngine(reg *Registry, st ProgressStore, opts ...Option) (*Engine, error) {
	cfg := Opts{
		InitialStep: DefaultInitialStep,
		SendTimeout: DefaultSendTimeout,
		AITimeout:   DefaultAITimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if reg == nil || st == nil {
		return nil, fmt.Errorf("engine requires a registry and a store")
	}
	if !reg.Has(cfg.InitialStep) {
		return nil, fmt.Errorf("%w: initial step %q", ErrUnresolvedStep, cfg.InitialStep)
	}
	slog.Debug("Engine.NewEngine: created", "initial_step", cfg.InitialStep, "steps", reg.Len(),
		"sender_set", cfg.Sender != nil, "generator_set", cfg.Generator != nil,
		"send_timeout", cfg.SendTimeout, "ai_timeout", cfg.AITimeout)
	return &Engine{registry: reg, store: st, opts: cfg, locks: newIdentityLocks()}, nil
}

// Registry returns the engine's step registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Dispatch runs ev against the sender's current step, following jumps until
// a step waits, and commits the user once. Dispatches for the same identity
// are serialized.
//
// A step that fails is treated as not having run: its progress changes are
// discarded and the user is parked on it, so the next event retries it.
// Steps that completed earlier in the chain keep their changes.
func (e *Engine) Dispatch(ctx context.Context, ev models.Event) (Result, error) {
	if !ev.IsConversational() {
		return Result{}, ErrNotConversational
	}
	id := ev.From
	if id == "" {
		id = ev.Contact.ExternalID
	}
	if id == "" {
		return Result{}, ErrEmptyIdentity
	}

	unlock, err := e.locks.acquire(ctx, id)
	if err != nil {
		return Result{ExternalID: id}, fmt.Errorf("waiting for dispatch lock of %s: %w", id, err)
	}
	defer unlock()

	// The stored name is loaded unchanged so a new profile name counts as a change.
	user, created, err := e.store.GetOrCreateUser(ctx, id, "")
	if err != nil {
		slog.Error("Engine.Dispatch: failed to load user", "external_id", id, "error", err)
		return Result{ExternalID: id}, fmt.Errorf("load user %s: %w", id, err)
	}
	before := user.Clone()
	if name := ev.Contact.DisplayName; name != "" && name != user.DisplayName {
		slog.Debug("Engine.Dispatch: display name changed", "external_id", id, "from", user.DisplayName, "to", name)
		user.DisplayName = name
	}

	step := user.CurrentStep
	if step == "" {
		step = e.opts.InitialStep
		slog.Info("Engine.Dispatch: starting new conversation", "external_id", id, "step", step)
	}
	res := Result{ExternalID: id, StartStep: step}
	if !e.registry.Has(step) {
		slog.Error("Engine.Dispatch: current step is not registered", "external_id", id, "step", step, "event_kind", ev.Kind)
		return res, fmt.Errorf("%w: %q (user %s)", ErrUnresolvedStep, step, id)
	}

	final, runErr := e.run(ctx, user, ev, step, created, &res)
	res.FinalStep = final
	user.CurrentStep = final

	if created || !sameUser(before, user) {
		if err := e.store.SaveUser(ctx, user); err != nil {
			slog.Error("Engine.Dispatch: commit failed", "external_id", id, "step", final, "error", err)
			return res, errors.Join(runErr, fmt.Errorf("commit user %s: %w", id, err))
		}
		res.Committed = true
	}

	if runErr != nil {
		return res, runErr
	}
	slog.Info("Engine.Dispatch: dispatch complete", "external_id", id, "event_kind", ev.Kind,
		"start_step", res.StartStep, "final_step", final, "hops", len(res.Hops), "committed", res.Committed)
	return res, nil
}

// run executes the chain starting at step and returns the step the user ends up on.
func (e *Engine) run(ctx context.Context, user *models.User, ev models.Event, step string, created bool, res *Result) (string, error) {
	visited := make(map[string]bool, e.registry.Len())
	for hop := 0; ; hop++ {
		entry, _ := e.registry.Resolve(step)
		visited[step] = true

		snapshot := user.Clone()
		sc := &Context{
			User:        user,
			Event:       ev,
			Registry:    e.registry,
			Step:        step,
			Hop:         hop,
			Fresh:       created,
			visited:     visited,
			sender:      e.opts.Sender,
			generator:   e.opts.Generator,
			sendTimeout: e.opts.SendTimeout,
			aiTimeout:   e.opts.AITimeout,
		}
		slog.Debug("Engine.run: executing step", "external_id", user.ExternalID, "step", step, "hop", hop, "event_kind", ev.Kind)
		tr, err := entry.Factory(sc).Handle(ctx)
		if err != nil {
			*user = *snapshot
			slog.Error("Engine.run: step failed", "external_id", user.ExternalID, "step", step, "hop", hop,
				"event_kind", ev.Kind, "not_implemented", errors.Is(err, ErrNotImplemented), "error", err)
			return step, &StepError{ExternalID: user.ExternalID, Step: step, EventKind: ev.Kind, Err: err}
		}
		res.Hops = append(res.Hops, HopRecord{Step: step, Transition: tr})

		if !tr.Jump {
			if tr.Next == "" {
				return step, nil
			}
			if !e.registry.Has(tr.Next) {
				slog.Warn("Engine.run: declared next step is not registered, staying", "external_id", user.ExternalID, "step", step, "next", tr.Next)
				return step, nil
			}
			return tr.Next, nil
		}

		if tr.Next == "" || !e.registry.Has(tr.Next) {
			slog.Warn("Engine.run: jump target is not registered, chain stopped", "external_id", user.ExternalID, "step", step, "next", tr.Next)
			return step, nil
		}
		if visited[tr.Next] {
			slog.Error("Engine.run: chain cycle detected", "external_id", user.ExternalID, "step", step, "next", tr.Next, "hops", len(res.Hops))
			return step, fmt.Errorf("%w: %s -> %s", ErrChainCycle, step, tr.Next)
		}
		step = tr.Next
	}
}

// Reposition moves a known user to step. It is the operator's way to repair
// a user parked on a step that no longer exists.
func (e *Engine) Reposition(ctx context.Context, externalID, step string) error {
	if !e.registry.Has(step) {
		return fmt.Errorf("%w: %q", ErrUnresolvedStep, step)
	}
	unlock, err := e.locks.acquire(ctx, externalID)
	if err != nil {
		return err
	}
	defer unlock()

	user, err := e.store.GetUser(ctx, externalID)
	if err != nil {
		return fmt.Errorf("load user %s: %w", externalID, err)
	}
	if user == nil {
		return fmt.Errorf("%w: %s", ErrUnknownUser, externalID)
	}
	slog.Info("Engine.Reposition: moving user", "external_id", externalID, "from", user.CurrentStep, "to", step)
	user.CurrentStep = step
	return e.store.SaveUser(ctx, user)
}

func sameUser(a, b *models.User) bool {
	return a.CurrentStep == b.CurrentStep && a.DisplayName == b.DisplayName && maps.Equal(a.Progress, b.Progress)
}
