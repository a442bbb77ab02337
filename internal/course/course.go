package course

import (
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ScriptPipe/internal/flow"
)

// Blueprints returns the course steps grouped the way they are authored.
func Blueprints(c *Content) ([]*flow.Blueprint, error) {
	s := &steps{c: c}
	builders := []func() (*flow.Blueprint, error){
		s.welcomeBlueprint,
		s.menuBlueprint,
		s.chapterBlueprint,
		s.exerciseBlueprint,
		s.completionBlueprint,
		s.routingBlueprint,
	}
	var out []*flow.Blueprint
	for _, build := range builders {
		bp, err := build()
		if err != nil {
			return nil, err
		}
		out = append(out, bp)
	}
	return out, nil
}

// Build merges the course into a registry and checks that every step the
// content refers to is registered.
func Build(c *Content) (*flow.Registry, error) {
	bps, err := Blueprints(c)
	if err != nil {
		return nil, err
	}
	reg, err := flow.Merge(bps...)
	if err != nil {
		return nil, err
	}
	if err := checkReferences(c, reg); err != nil {
		return nil, err
	}
	slog.Info("course.Build: registry ready", "steps", reg.Len(), "candidates", len(reg.Candidates()))
	return reg, nil
}

func (s *steps) routingBlueprint() (*flow.Blueprint, error) {
	bp := flow.NewBlueprint("routing")
	if err := bp.Register(s.entry(StepRedirecter, s.redirect)); err != nil {
		return nil, err
	}
	if err := bp.Register(s.entry(StepAIResponse, s.aiResponse)); err != nil {
		return nil, err
	}
	return bp, nil
}

func checkReferences(c *Content, reg *flow.Registry) error {
	refs := map[string]string{}
	for cmd, step := range c.Commands {
		refs["command "+cmd] = step
	}
	for step := range c.Descriptions {
		if !reg.Has(step) {
			return fmt.Errorf("%w: description for unknown step %q", ErrInvalidContent, step)
		}
	}
	for _, ch := range c.Chapters {
		if ch.Exercise != "" {
			refs["exercise of "+ch.Step] = ch.Exercise
		}
	}
	for _, ex := range c.Exercises {
		if ex.OnPass != "" {
			refs["on_pass of "+ex.Step] = ex.OnPass
		}
	}
	for where, step := range refs {
		if !reg.Has(step) {
			return fmt.Errorf("%w: %s names unknown step %q", ErrInvalidContent, where, step)
		}
	}
	return nil
}
