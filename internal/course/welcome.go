package course

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ScriptPipe/internal/flow"
	"github.com/BTreeMap/ScriptPipe/internal/models"
)

func (s *steps) welcomeBlueprint() (*flow.Blueprint, error) {
	bp := flow.NewBlueprint("welcome")
	entries := []flow.Entry{
		s.entry(StepWelcomeUser, s.welcomeUser),
		s.prompt(StepFirstInfo, message(s.firstInfoForm)),
		s.entry(StepIntroCompleted, s.introCompleted),
	}
	for _, e := range entries {
		if err := bp.Register(e); err != nil {
			return nil, err
		}
	}
	if err := bp.RegisterForm(StepFirstInfo, s.profileRoute(StepIntroCompleted)); err != nil {
		return nil, err
	}
	return bp, nil
}

// welcomeUser greets a user seen for the first time.
func (s *steps) welcomeUser(ctx context.Context, sc *flow.Context) (flow.Transition, error) {
	msg := models.NewTemplate("", s.c.Templates.Welcome, s.c.Language, "", nil)
	if err := sc.Send(ctx, msg); err != nil {
		return flow.Transition{}, err
	}
	return jumpTo(sc, StepFirstInfo), nil
}

func (s *steps) firstInfoForm(sc *flow.Context) models.OutboundMessage {
	data := s.profileActionData(sc.User)
	if f := s.c.ProfileFields[models.KeyFirstName]; f != "" && data[f] == "" {
		data[f] = sc.User.DisplayName
	}
	return models.NewTemplate("", s.c.Templates.FirstInfo, s.c.Language, StepFirstInfo, data)
}

func (s *steps) introCompleted(ctx context.Context, sc *flow.Context) (flow.Transition, error) {
	body := strings.ReplaceAll(s.c.Texts.IntroCompleted, "{name}", firstName(sc.User))
	if err := sc.Send(ctx, models.NewText("", body)); err != nil {
		return flow.Transition{}, err
	}
	return jumpTo(sc, StepUserMenu), nil
}

// profileActionData prefills a profile form with what the user already told us.
func (s *steps) profileActionData(u *models.User) map[string]interface{} {
	data := make(map[string]interface{}, len(s.c.ProfileFields))
	for key, field := range s.c.ProfileFields {
		data[field] = u.Get(key)
	}
	return data
}

// profileRoute stores the answers of a profile form and continues at next.
func (s *steps) profileRoute(next string) flow.FormRoute {
	return func(sc *flow.Context, reply *models.FlowReply) (string, error) {
		saved := 0
		for key, field := range s.c.ProfileFields {
			if v := strings.TrimSpace(reply.Answer(field)); v != "" {
				sc.User.Set(key, v)
				saved++
			}
		}
		slog.Info("course.profileRoute: profile updated", "external_id", sc.User.ExternalID, "token", reply.Token, "fields", saved)
		return next, nil
	}
}
