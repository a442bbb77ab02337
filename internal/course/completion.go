package course

import (
	"context"
	"strings"

	"github.com/BTreeMap/ScriptPipe/internal/flow"
	"github.com/BTreeMap/ScriptPipe/internal/models"
)

func (s *steps) completionBlueprint() (*flow.Blueprint, error) {
	bp := flow.NewBlueprint("completion")
	entries := []flow.Entry{
		s.entry(StepVerifyCompletion, s.verifyCompletion),
		s.prompt(StepCongratulations, message(func(sc *flow.Context) models.OutboundMessage {
			return models.NewText("", s.c.Texts.Congratulations)
		})),
		s.entry(StepNotCongratulations, s.notCongratulations),
	}
	for _, e := range entries {
		if err := bp.Register(e); err != nil {
			return nil, err
		}
	}
	return bp, nil
}

// pending lists the titles of chapters and exercises that are not done.
func (s *steps) pending(u *models.User) []string {
	var out []string
	for _, ch := range s.c.Chapters {
		if !u.IsDone(ch.ProgressKey()) {
			out = append(out, ch.Title)
		}
	}
	for _, ex := range s.c.Exercises {
		if !u.IsDone(ex.ProgressKey()) {
			out = append(out, ex.Title)
		}
	}
	return out
}

func (s *steps) verifyCompletion(ctx context.Context, sc *flow.Context) (flow.Transition, error) {
	if len(s.pending(sc.User)) == 0 {
		return jumpTo(sc, StepCongratulations), nil
	}
	return jumpTo(sc, StepNotCongratulations), nil
}

func (s *steps) notCongratulations(ctx context.Context, sc *flow.Context) (flow.Transition, error) {
	var b strings.Builder
	b.WriteString(s.c.Texts.NotCongratulations)
	for _, title := range s.pending(sc.User) {
		b.WriteString("\n- ")
		b.WriteString(title)
	}
	if err := sc.Send(ctx, models.NewText("", b.String())); err != nil {
		return flow.Transition{}, err
	}
	return jumpTo(sc, StepUserMenu), nil
}
