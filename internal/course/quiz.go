package course

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ScriptPipe/internal/flow"
	"github.com/BTreeMap/ScriptPipe/internal/models"
)

func (s *steps) chapterBlueprint() (*flow.Blueprint, error) {
	bp := flow.NewBlueprint("chapters")
	for _, ch := range s.c.Chapters {
		e := s.prompt(ch.Step, s.presentChapter(ch))
		e.Description = s.describe(ch.Step, ch.Title)
		if err := bp.Register(e); err != nil {
			return nil, err
		}
		if err := bp.RegisterForm(ch.Step, s.chapterRoute(ch)); err != nil {
			return nil, err
		}
	}
	return bp, nil
}

func (s *steps) exerciseBlueprint() (*flow.Blueprint, error) {
	bp := flow.NewBlueprint("exercises")
	for _, ex := range s.c.Exercises {
		entries := []flow.Entry{
			s.described(ex.Step, s.describe(ex.Step, ex.Title), s.presentExercise(ex)),
			s.entry(ex.HandleStep(), s.handleExercise(ex)),
		}
		for _, e := range entries {
			if err := bp.Register(e); err != nil {
				return nil, err
			}
		}
		if err := bp.RegisterForm(ex.Step, exerciseRoute(ex)); err != nil {
			return nil, err
		}
	}
	return bp, nil
}

// describe returns the authored description of step, or fallback.
func (s *steps) describe(step, fallback string) string {
	if d := s.c.Descriptions[step]; d != "" {
		return d
	}
	return fallback
}

// presentChapter sends the reading flow. Its token is the chapter step.
func (s *steps) presentChapter(ch Chapter) func(ctx context.Context, sc *flow.Context) error {
	return func(ctx context.Context, sc *flow.Context) error {
		msg := models.NewTemplate("", ch.Template, s.c.Language, ch.Step, nil)
		if err := sc.Send(ctx, msg); err != nil {
			return err
		}
		sc.User.Set(models.KeyCurrentChapter, ch.Step)
		return nil
	}
}

// chapterRoute marks the chapter read and moves on to its exercise.
func (s *steps) chapterRoute(ch Chapter) flow.FormRoute {
	return func(sc *flow.Context, reply *models.FlowReply) (string, error) {
		sc.User.SetFlag(ch.ProgressKey(), true)
		slog.Info("course.chapterRoute: chapter completed", "external_id", sc.User.ExternalID, "chapter", ch.ID)
		return ch.Exercise, nil
	}
}

// presentExercise sends the quiz flow and waits for the answers.
func (s *steps) presentExercise(ex Exercise) stepFunc {
	return func(ctx context.Context, sc *flow.Context) (flow.Transition, error) {
		msg := models.NewTemplate("", ex.Template, s.c.Language, ex.Step, nil)
		if err := sc.Send(ctx, msg); err != nil {
			return flow.Transition{}, err
		}
		sc.User.Set(models.KeyCurrentExercise, ex.Step)
		return flow.Wait(ex.HandleStep()), nil
	}
}

// exerciseRoute sends answers submitted while the user was elsewhere to the grader.
func exerciseRoute(ex Exercise) flow.FormRoute {
	return func(sc *flow.Context, reply *models.FlowReply) (string, error) {
		return ex.HandleStep(), nil
	}
}

// handleExercise grades a submitted quiz. Anything other than the answers
// to this exercise is handed to the Redirecter.
func (s *steps) handleExercise(ex Exercise) stepFunc {
	return func(ctx context.Context, sc *flow.Context) (flow.Transition, error) {
		reply := sc.Event.Flow
		if sc.Event.Kind != models.EventFlowReply || reply == nil || (reply.Token != "" && reply.Token != ex.Step) {
			return jumpTo(sc, StepRedirecter), nil
		}

		passed := true
		var feedback []string
		for _, q := range ex.Questions {
			choice := strings.ToLower(strings.TrimSpace(reply.Answer(q.Key)))
			correct := choice == strings.ToLower(q.Correct)
			sc.User.SetFlag(ex.QuestionKey(q), correct)
			if !correct {
				passed = false
			}

			verdict := s.c.Texts.WrongAnswer
			if correct {
				verdict = s.c.Texts.CorrectAnswer
			}
			explanation, ok := q.Explanations[choice]
			if !ok {
				explanation = s.c.Texts.InvalidAnswer
			}
			feedback = append(feedback, strings.TrimSpace(verdict+"\n"+explanation))
		}
		sc.User.SetFlag(ex.ProgressKey(), passed)

		if err := sc.Send(ctx, models.NewText("", strings.Join(feedback, "\n\n"))); err != nil {
			return flow.Transition{}, err
		}
		slog.Info("course.handleExercise: exercise graded", "external_id", sc.User.ExternalID, "exercise", ex.ID, "passed", passed)

		if !passed {
			return jumpTo(sc, StepRetry), nil
		}
		sc.User.Set(models.KeyCurrentExercise, s.c.nextExercise(ex.Step))
		if ex.OnPass == "" {
			return flow.Wait(StepRedirecter), nil
		}
		return jumpTo(sc, ex.OnPass), nil
	}
}
