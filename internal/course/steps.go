package course

import (
	"context"

	"github.com/BTreeMap/ScriptPipe/internal/flow"
	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// Step names outside chapters and exercises, which are named by the content.
const (
	StepWelcomeUser        = "WelcomeUser"
	StepFirstInfo          = "FirstInfo"
	StepIntroCompleted     = "IntroCompleted"
	StepUserMenu           = "UserMenu"
	StepInfoMenu           = "InfoMenu"
	StepChapterMenu        = "ChapterMenu"
	StepContinueChapter    = "ContinueChapter"
	StepExerciseMenu       = "ExerciseMenu"
	StepContinueExercise   = "ContinueExercise"
	StepRetry              = "Retry"
	StepVerifyCompletion   = "VerifyCompletion"
	StepCongratulations    = "Congratulations"
	StepNotCongratulations = "NotCongratulations"
	StepReferences         = "References"
	StepRedirecter         = "Redirecter"
	StepAIResponse         = "AIResponse"
)

// stepFunc is the body of a step bound to one execution context.
type stepFunc func(ctx context.Context, sc *flow.Context) (flow.Transition, error)

// steps builds registry entries over one course.
type steps struct {
	c *Content
}

func (s *steps) entry(name string, fn stepFunc) flow.Entry {
	return s.described(name, s.c.Descriptions[name], fn)
}

func (s *steps) described(name, description string, fn stepFunc) flow.Entry {
	return flow.Entry{
		Name:        name,
		Description: description,
		Factory: func(sc *flow.Context) flow.Handler {
			return flow.HandlerFunc(func(ctx context.Context) (flow.Transition, error) {
				return fn(ctx, sc)
			})
		},
	}
}

// prompt builds a step that presents content and parks on itself. When an
// event arrives for a user parked there it is routed like the Redirecter
// would; a route back to the same step presents it again.
func (s *steps) prompt(name string, present func(ctx context.Context, sc *flow.Context) error) flow.Entry {
	return s.entry(name, func(ctx context.Context, sc *flow.Context) (flow.Transition, error) {
		if sc.Resumed() {
			tr, err := s.redirect(ctx, sc)
			if err != nil {
				return flow.Transition{}, err
			}
			if tr.Next != name {
				return tr, nil
			}
		}
		if err := present(ctx, sc); err != nil {
			return flow.Transition{}, err
		}
		return flow.Stay(), nil
	})
}

// message adapts a single-message builder to a prompt presenter.
func message(build func(sc *flow.Context) models.OutboundMessage) func(ctx context.Context, sc *flow.Context) error {
	return func(ctx context.Context, sc *flow.Context) error {
		return sc.Send(ctx, build(sc))
	}
}

// jumpTo runs step next with the current event, unless it already ran for
// this event, in which case the user waits there instead.
func jumpTo(sc *flow.Context, step string) flow.Transition {
	if step == "" || sc.Visited(step) {
		return flow.Wait(step)
	}
	return flow.Jump(step)
}

// sendAll sends msgs in order and stops at the first failure.
func sendAll(ctx context.Context, sc *flow.Context, msgs ...models.OutboundMessage) error {
	for _, m := range msgs {
		if err := sc.Send(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// firstName is the name the course addresses the user by.
func firstName(u *models.User) string {
	if n := u.Get(models.KeyFirstName); n != "" {
		return n
	}
	return u.DisplayName
}

func flagValue(u *models.User, key string) string {
	if v := u.Get(key); v != "" {
		return v
	}
	return models.ProgressNotDone
}
