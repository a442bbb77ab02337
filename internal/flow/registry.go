package flow

import (
	"fmt"
	"log/slog"
	"sort"
)

// Blueprint is a group of steps authored together, such as the chapter
// steps or the menus. Blueprints are merged into one Registry at startup.
type Blueprint struct {
	name  string
	steps map[string]Entry
	order []string
	forms map[string]FormRoute
}

// NewBlueprint creates an empty blueprint.
func NewBlueprint(name string) *Blueprint {
	return &Blueprint{
		name:  name,
		steps: make(map[string]Entry),
		forms: make(map[string]FormRoute),
	}
}

// Name returns the blueprint name.
func (b *Blueprint) Name() string {
	return b.name
}

// Register adds a step. Registering a name twice fails.
func (b *Blueprint) Register(e Entry) error {
	if e.Name == "" || e.Factory == nil {
		return fmt.Errorf("%w (blueprint %s)", ErrInvalidEntry, b.name)
	}
	if _, exists := b.steps[e.Name]; exists {
		return fmt.Errorf("%w: %q in blueprint %s", ErrDuplicateStep, e.Name, b.name)
	}
	b.steps[e.Name] = e
	b.order = append(b.order, e.Name)
	return nil
}

// RegisterForm binds the reply branch for forms issued with token.
func (b *Blueprint) RegisterForm(token string, route FormRoute) error {
	if token == "" || route == nil {
		return fmt.Errorf("%w: form route requires a token and a route (blueprint %s)", ErrInvalidEntry, b.name)
	}
	if _, exists := b.forms[token]; exists {
		return fmt.Errorf("%w: %q in blueprint %s", ErrDuplicateFormToken, token, b.name)
	}
	b.forms[token] = route
	return nil
}

// Registry is the merged, read-only lookup of every step and form route.
type Registry struct {
	steps map[string]Entry
	forms map[string]FormRoute
	names []string
}

// Merge combines blueprints into a Registry. It fails on any step or token
// collision, and on form tokens that do not name a registered step.
func Merge(blueprints ...*Blueprint) (*Registry, error) {
	r := &Registry{
		steps: make(map[string]Entry),
		forms: make(map[string]FormRoute),
	}
	owner := make(map[string]string)
	for _, b := range blueprints {
		for _, name := range b.order {
			if prev, exists := owner[name]; exists {
				return nil, fmt.Errorf("%w: %q registered by both %s and %s", ErrDuplicateStep, name, prev, b.name)
			}
			owner[name] = b.name
			r.steps[name] = b.steps[name]
			r.names = append(r.names, name)
		}
	}
	formOwner := make(map[string]string)
	for _, b := range blueprints {
		for token, route := range b.forms {
			if prev, exists := formOwner[token]; exists {
				return nil, fmt.Errorf("%w: %q registered by both %s and %s", ErrDuplicateFormToken, token, prev, b.name)
			}
			if _, ok := r.steps[token]; !ok {
				return nil, fmt.Errorf("%w: %q (blueprint %s)", ErrUnknownFormToken, token, b.name)
			}
			formOwner[token] = b.name
			r.forms[token] = route
		}
	}
	sort.Strings(r.names)
	slog.Debug("flow.Merge: registry built", "blueprints", len(blueprints), "steps", len(r.steps), "forms", len(r.forms))
	return r, nil
}

// Resolve looks up a step by name.
func (r *Registry) Resolve(name string) (Entry, bool) {
	e, ok := r.steps[name]
	return e, ok
}

// Has reports whether name is a registered step.
func (r *Registry) Has(name string) bool {
	_, ok := r.steps[name]
	return ok
}

// FormRoute looks up the reply branch for a form token.
func (r *Registry) FormRoute(token string) (FormRoute, bool) {
	route, ok := r.forms[token]
	return route, ok
}

// Names returns every registered step name, sorted.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len returns the number of registered steps.
func (r *Registry) Len() int {
	return len(r.steps)
}

// Candidates returns the described steps, sorted by name.
func (r *Registry) Candidates() []Entry {
	var out []Entry
	for _, name := range r.names {
		if e := r.steps[name]; e.Description != "" {
			out = append(out, e)
		}
	}
	return out
}
