package course

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/ScriptPipe/internal/flow"
	"github.com/BTreeMap/ScriptPipe/internal/models"
)

func (s *steps) menuBlueprint() (*flow.Blueprint, error) {
	bp := flow.NewBlueprint("menus")
	entries := []flow.Entry{
		s.prompt(StepUserMenu, message(s.userMenu)),
		s.prompt(StepInfoMenu, message(s.infoMenu)),
		s.prompt(StepChapterMenu, message(s.chapterMenu)),
		s.prompt(StepExerciseMenu, message(s.exerciseMenu)),
		s.entry(StepContinueChapter, s.continueChapter),
		s.entry(StepContinueExercise, s.continueExercise),
		s.prompt(StepRetry, message(s.retry)),
		s.prompt(StepReferences, s.references),
	}
	for _, e := range entries {
		if err := bp.Register(e); err != nil {
			return nil, err
		}
	}
	if err := bp.RegisterForm(StepInfoMenu, s.profileRoute(StepUserMenu)); err != nil {
		return nil, err
	}
	return bp, nil
}

func (s *steps) userMenu(sc *flow.Context) models.OutboundMessage {
	m, l := s.c.Menus.User, s.c.Labels
	return models.NewList("", m.Header, m.Body, m.Button, models.ListSection{
		Title: m.Header,
		Rows: []models.ListRow{
			{ID: StepChapterMenu, Title: l.Chapters},
			{ID: StepExerciseMenu, Title: l.Exercises},
			{ID: StepInfoMenu, Title: l.Info},
			{ID: StepReferences, Title: l.References},
			{ID: StepVerifyCompletion, Title: l.Completion},
		},
	})
}

// infoMenu sends the profile form prefilled with the profile and grades.
func (s *steps) infoMenu(sc *flow.Context) models.OutboundMessage {
	data := s.profileActionData(sc.User)
	for _, ch := range s.c.Chapters {
		data["Chapter_"+ch.ID] = flagValue(sc.User, ch.ProgressKey())
	}
	for _, ex := range s.c.Exercises {
		data["Exercise_"+ex.ID] = flagValue(sc.User, ex.ProgressKey())
	}
	return models.NewTemplate("", s.c.Templates.InfoMenu, s.c.Language, StepInfoMenu, data)
}

func (s *steps) chapterMenu(sc *flow.Context) models.OutboundMessage {
	m, l := s.c.Menus.Chapter, s.c.Labels
	rows := []models.ListRow{{ID: StepContinueChapter, Title: l.Continue, Description: l.ContinueChapter}}
	for _, ch := range s.c.Chapters {
		rows = append(rows, models.ListRow{ID: ch.Step, Title: ch.Title})
	}
	return models.NewList("", m.Header, m.Body, m.Button, models.ListSection{Title: l.Chapters, Rows: rows})
}

func (s *steps) exerciseMenu(sc *flow.Context) models.OutboundMessage {
	m, l := s.c.Menus.Exercise, s.c.Labels
	rows := []models.ListRow{{ID: StepContinueExercise, Title: l.Continue, Description: l.ContinueExercise}}
	for _, ex := range s.c.Exercises {
		rows = append(rows, models.ListRow{ID: ex.Step, Title: ex.Title})
	}
	return models.NewList("", m.Header, m.Body, m.Button, models.ListSection{Title: l.Exercises, Rows: rows})
}

// continueChapter resumes reading at the last chapter the user opened.
func (s *steps) continueChapter(ctx context.Context, sc *flow.Context) (flow.Transition, error) {
	next := s.c.Chapters[0].Step
	current := sc.User.Get(models.KeyCurrentChapter)
	for _, ch := range s.c.Chapters {
		if ch.Step == current {
			next = current
		}
	}
	slog.Debug("course.continueChapter: resuming", "external_id", sc.User.ExternalID, "chapter", next)
	return jumpTo(sc, next), nil
}

// continueExercise resumes at the exercise the user is working on.
func (s *steps) continueExercise(ctx context.Context, sc *flow.Context) (flow.Transition, error) {
	if len(s.c.Exercises) == 0 {
		return jumpTo(sc, StepExerciseMenu), nil
	}
	next := s.c.Exercises[0].Step
	if _, ok := s.c.ExerciseByStep(sc.User.Get(models.KeyCurrentExercise)); ok {
		next = sc.User.Get(models.KeyCurrentExercise)
	}
	slog.Debug("course.continueExercise: resuming", "external_id", sc.User.ExternalID, "exercise", next)
	return jumpTo(sc, next), nil
}

func (s *steps) retry(sc *flow.Context) models.OutboundMessage {
	m, l := s.c.Menus.Retry, s.c.Labels
	msg := models.NewButtons("", m.Body,
		models.Button{ID: StepContinueExercise, Title: l.Confirm},
		models.Button{ID: StepUserMenu, Title: l.Decline},
	)
	msg.Header = m.Header
	return msg
}

// references sends the course document and a link to the source.
func (s *steps) references(ctx context.Context, sc *flow.Context) error {
	ref := s.c.References
	var msgs []models.OutboundMessage
	if ref.Document.Link != "" {
		msgs = append(msgs, models.NewMedia("", models.MediaLink{
			Type:     "document",
			Link:     ref.Document.Link,
			Filename: ref.Document.Filename,
			Caption:  ref.Document.Caption,
		}))
	}
	if ref.CTA.URL != "" {
		msgs = append(msgs, models.NewCTA("", ref.Body, ref.CTA.DisplayText, ref.CTA.URL))
	} else if ref.Body != "" {
		msgs = append(msgs, models.NewText("", ref.Body))
	}
	return sendAll(ctx, sc, msgs...)
}
