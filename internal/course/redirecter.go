package course

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ScriptPipe/internal/flow"
	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// redirect routes an event that no specific step is waiting for: replies
// to buttons and lists name their destination, form replies are routed by
// their token, commands are looked up and other text goes to the AI.
func (s *steps) redirect(ctx context.Context, sc *flow.Context) (flow.Transition, error) {
	ev := sc.Event
	switch ev.Kind {
	case models.EventButtonReply, models.EventListReply, models.EventQuickReply:
		if ev.Reply == nil || ev.Reply.ID == "" {
			return flow.Stay(), nil
		}
		return jumpTo(sc, ev.Reply.ID), nil

	case models.EventFlowReply:
		if ev.Flow == nil {
			return flow.Stay(), nil
		}
		route, ok := sc.Registry.FormRoute(ev.Flow.Token)
		if !ok {
			slog.Warn("course.redirect: no route for form token", "external_id", sc.User.ExternalID, "token", ev.Flow.Token)
			return flow.Stay(), nil
		}
		next, err := route(sc, ev.Flow)
		if err != nil {
			return flow.Transition{}, err
		}
		return jumpTo(sc, next), nil

	case models.EventText:
		if step, ok := s.c.Commands[strings.TrimSpace(ev.Text)]; ok {
			slog.Debug("course.redirect: command", "external_id", sc.User.ExternalID, "command", ev.Text, "step", step)
			return jumpTo(sc, step), nil
		}
		return jumpTo(sc, StepAIResponse), nil
	}

	slog.Debug("course.redirect: ignoring event", "external_id", sc.User.ExternalID, "event_kind", ev.Kind)
	return flow.Stay(), nil
}
