package course

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/ScriptPipe/internal/flow"
	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// errEmptyAnswer is returned when the model produces no reply text.
var errEmptyAnswer = errors.New("generator returned an empty answer")

type replyPrompt struct {
	UserPrompt   string            `json:"user_prompt"`
	Name         string            `json:"name,omitempty"`
	Progress     map[string]string `json:"progress"`
	LastExchange string            `json:"last_exchange,omitempty"`
}

type redirectCandidate struct {
	Step        string `json:"step"`
	Description string `json:"description"`
}

type redirectPrompt struct {
	UserInput  string              `json:"user_input"`
	Candidates []redirectCandidate `json:"candidates"`
}

// redirectDecision is the model's routing answer. Redirecter is accepted as
// an alias of Step.
type redirectDecision struct {
	Step       string `json:"step"`
	Redirecter string `json:"redirecter"`
	Jump       bool   `json:"jump"`
}

// aiResponse answers free text with generated content and lets the model
// pick where the conversation goes next among the described steps.
func (s *steps) aiResponse(ctx context.Context, sc *flow.Context) (flow.Transition, error) {
	if sc.Event.Kind != models.EventText {
		return jumpTo(sc, StepRedirecter), nil
	}
	text := sc.Event.Text

	replyIn, err := s.buildReplyPrompt(sc.User, text)
	if err != nil {
		return flow.Transition{}, err
	}
	redirectIn, err := buildRedirectPrompt(sc.Registry, text)
	if err != nil {
		return flow.Transition{}, err
	}

	answer, err := sc.Generate(ctx, s.c.Instructions, replyIn)
	if err != nil {
		return flow.Transition{}, err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return flow.Transition{}, errEmptyAnswer
	}
	decision, err := sc.Generate(ctx, s.c.RedirectInstructions, redirectIn)
	if err != nil {
		return flow.Transition{}, err
	}

	tr := parseRedirect(sc, decision)
	slog.Info("course.aiResponse: redirecting", "external_id", sc.User.ExternalID, "next", tr.Next, "jump", tr.Jump)

	sc.User.Set(models.KeyLastExchange, fmt.Sprintf("[user: %s] [bot: %s]", text, answer))
	if err := sc.Send(ctx, models.NewText("", truncate(answer, models.MaxTextBodyLength))); err != nil {
		return flow.Transition{}, err
	}
	return tr, nil
}

func (s *steps) buildReplyPrompt(u *models.User, text string) (string, error) {
	progress := make(map[string]string, len(u.Progress))
	for k, v := range u.Progress {
		if k != models.KeyLastExchange {
			progress[k] = v
		}
	}
	b, err := json.Marshal(replyPrompt{
		UserPrompt:   text,
		Name:         firstName(u),
		Progress:     progress,
		LastExchange: u.Get(models.KeyLastExchange),
	})
	if err != nil {
		return "", fmt.Errorf("failed to build reply prompt: %w", err)
	}
	return string(b), nil
}

func buildRedirectPrompt(reg *flow.Registry, text string) (string, error) {
	p := redirectPrompt{UserInput: text}
	for _, e := range reg.Candidates() {
		p.Candidates = append(p.Candidates, redirectCandidate{Step: e.Name, Description: e.Description})
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to build redirect prompt: %w", err)
	}
	return string(b), nil
}

// parseRedirect turns the model's routing answer into a transition. Anything
// that is not a described step falls back to waiting on the Redirecter.
func parseRedirect(sc *flow.Context, raw string) flow.Transition {
	fallback := flow.Wait(StepRedirecter)

	var d redirectDecision
	if err := json.Unmarshal([]byte(stripFences(raw)), &d); err != nil {
		slog.Warn("course.parseRedirect: unparseable decision", "raw", raw, "error", err)
		return fallback
	}
	step := d.Step
	if step == "" {
		step = d.Redirecter
	}
	if step == StepRedirecter {
		return fallback
	}
	for _, e := range sc.Registry.Candidates() {
		if e.Name == step {
			if d.Jump {
				return jumpTo(sc, step)
			}
			return flow.Wait(step)
		}
	}
	slog.Warn("course.parseRedirect: decision is not a candidate", "step", step)
	return fallback
}

// stripFences removes markdown code fences and anything around the outermost object.
func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	if i, j := strings.Index(s, "{"), strings.LastIndex(s, "}"); i >= 0 && j > i {
		return s[i : j+1]
	}
	return strings.TrimSpace(s)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
