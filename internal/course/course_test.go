package course

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ScriptPipe/internal/flow"
	"github.com/BTreeMap/ScriptPipe/internal/models"
	"github.com/BTreeMap/ScriptPipe/internal/store"
)

type recorder struct {
	mu   sync.Mutex
	sent []models.OutboundMessage
}

func (r *recorder) Send(ctx context.Context, msg models.OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

func (r *recorder) templates() []models.OutboundMessage {
	var out []models.OutboundMessage
	for _, m := range r.sent {
		if m.Kind == models.OutboundTemplate {
			out = append(out, m)
		}
	}
	return out
}

// fakeGenerator answers the reply prompt with answer and the redirect prompt with decision.
type fakeGenerator struct {
	content  *Content
	answer   string
	decision string
	err      error
	calls    int
}

func (g *fakeGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	if systemPrompt == g.content.Instructions {
		return g.answer, nil
	}
	return g.decision, nil
}

type harness struct {
	content *Content
	reg     *flow.Registry
	store   *store.InMemoryStore
	sender  *recorder
	gen     *fakeGenerator
	engine  *flow.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	content, err := DefaultContent()
	require.NoError(t, err)
	reg, err := Build(content)
	require.NoError(t, err)

	h := &harness{
		content: content,
		reg:     reg,
		store:   store.NewInMemoryStore(),
		sender:  &recorder{},
		gen:     &fakeGenerator{content: content, answer: "Olá!", decision: `{"step": "Redirecter", "jump": false}`},
	}
	h.engine, err = flow.NewEngine(reg, h.store, flow.WithSender(h.sender), flow.WithGenerator(h.gen))
	require.NoError(t, err)
	return h
}

// park stores a user positioned on step with the given progress.
func (h *harness) park(t *testing.T, id, step string, progress map[string]string) {
	t.Helper()
	u, _, err := h.store.GetOrCreateUser(context.Background(), id, "Ana")
	require.NoError(t, err)
	u.CurrentStep = step
	for k, v := range progress {
		u.Set(k, v)
	}
	require.NoError(t, h.store.SaveUser(context.Background(), u))
}

func (h *harness) user(t *testing.T, id string) *models.User {
	t.Helper()
	u, err := h.store.GetUser(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, u)
	return u
}

func (h *harness) dispatch(t *testing.T, ev models.Event) (flow.Result, error) {
	t.Helper()
	return h.engine.Dispatch(context.Background(), ev)
}

func base(id string, kind models.EventKind) models.Event {
	return models.Event{ID: "wamid." + id, From: id, Contact: models.Contact{ExternalID: id, DisplayName: "Ana"}, Kind: kind}
}

func text(id, body string) models.Event {
	ev := base(id, models.EventText)
	ev.Text = body
	return ev
}

func listReply(id, row string) models.Event {
	ev := base(id, models.EventListReply)
	ev.Reply = &models.Reply{ID: row}
	return ev
}

func buttonReply(id, button string) models.Event {
	ev := base(id, models.EventButtonReply)
	ev.Reply = &models.Reply{ID: button}
	return ev
}

func flowReply(id, token string, answers map[string]string) models.Event {
	ev := base(id, models.EventFlowReply)
	resp := map[string]interface{}{"flow_token": token}
	for k, v := range answers {
		resp[k] = v
	}
	ev.Flow = &models.FlowReply{Token: token, Name: "flow", Response: resp}
	return ev
}

func TestBuild_DefaultContent(t *testing.T) {
	h := newHarness(t)

	for _, name := range []string{
		StepWelcomeUser, StepFirstInfo, StepIntroCompleted, StepUserMenu, StepInfoMenu,
		StepChapterMenu, StepContinueChapter, StepExerciseMenu, StepContinueExercise,
		StepRetry, StepVerifyCompletion, StepCongratulations, StepNotCongratulations,
		StepReferences, StepRedirecter, StepAIResponse,
		"ChapterOne", "ChapterFour", "ExerciseOne", "ExerciseOneHandle", "ExerciseFourHandle",
	} {
		assert.True(t, h.reg.Has(name), name)
	}
	for _, token := range []string{StepFirstInfo, StepInfoMenu, "ChapterOne", "ChapterThree", "ExerciseOne", "ExerciseFour"} {
		_, ok := h.reg.FormRoute(token)
		assert.True(t, ok, token)
	}

	var candidates []string
	for _, e := range h.reg.Candidates() {
		candidates = append(candidates, e.Name)
	}
	assert.Contains(t, candidates, StepRedirecter)
	assert.Contains(t, candidates, "ChapterTwo")
	assert.Contains(t, candidates, "ExerciseThree")
	assert.NotContains(t, candidates, StepAIResponse)
	assert.NotContains(t, candidates, "ExerciseOneHandle")
}

func TestLoadContent_Validation(t *testing.T) {
	_, err := LoadContent([]byte("language: [unterminated"))
	assert.ErrorIs(t, err, ErrInvalidContent)

	_, err = LoadContent([]byte("language: pt_BR\n"))
	assert.ErrorIs(t, err, ErrInvalidContent, "no chapters")

	_, err = LoadContent([]byte(`
language: pt_BR
chapters:
  - {step: ChapterOne, id: C1, template: t1}
exercises:
  - {step: ExerciseOne, id: E1, template: e1}
commands:
  Menu: UserMenu
`))
	require.ErrorIs(t, err, ErrInvalidContent)
	assert.Contains(t, err.Error(), "no questions")
	assert.Contains(t, err.Error(), "must start with /")
}

func TestBuild_RejectsDanglingReferences(t *testing.T) {
	content, err := DefaultContent()
	require.NoError(t, err)
	content.Commands["/Ajuda"] = "HelpMenu"
	_, err = Build(content)
	require.ErrorIs(t, err, ErrInvalidContent)
	assert.Contains(t, err.Error(), "HelpMenu")

	content, err = DefaultContent()
	require.NoError(t, err)
	content.Exercises[0].OnPass = "ChapterNine"
	_, err = Build(content)
	assert.ErrorIs(t, err, ErrInvalidContent)
}

func TestBuild_DuplicateStepFails(t *testing.T) {
	content, err := DefaultContent()
	require.NoError(t, err)
	content.Chapters[1].Step = content.Chapters[0].Step
	_, err = Build(content)
	assert.ErrorIs(t, err, flow.ErrDuplicateStep)
}

func TestScenario_LiteralCommand(t *testing.T) {
	h := newHarness(t)
	h.park(t, "5511", StepRedirecter, nil)

	res, err := h.dispatch(t, text("5511", "/Menu"))
	require.NoError(t, err)
	require.NotEmpty(t, res.Hops)
	assert.Equal(t, flow.HopRecord{Step: StepRedirecter, Transition: flow.Transition{Next: StepUserMenu, Jump: true}}, res.Hops[0])
	assert.Equal(t, StepUserMenu, res.FinalStep)
	assert.Equal(t, StepUserMenu, h.user(t, "5511").CurrentStep)

	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, models.OutboundList, h.sender.sent[0].Kind)
	assert.Equal(t, "5511", h.sender.sent[0].To)
}

func TestScenario_CommandForTheCurrentMenu(t *testing.T) {
	h := newHarness(t)
	h.park(t, "5511", StepUserMenu, nil)

	res, err := h.dispatch(t, text("5511", "/Menu"))
	require.NoError(t, err)
	assert.Equal(t, []string{StepUserMenu}, res.Executed())
	assert.Equal(t, StepUserMenu, res.FinalStep)
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, models.OutboundList, h.sender.sent[0].Kind)

	h.sender.reset()
	res, err = h.dispatch(t, listReply("5511", StepChapterMenu))
	require.NoError(t, err)
	assert.Equal(t, []string{StepUserMenu, StepChapterMenu}, res.Executed())
	assert.Equal(t, StepChapterMenu, res.FinalStep)
}

func TestScenario_Onboarding(t *testing.T) {
	h := newHarness(t)

	res, err := h.dispatch(t, text("5511", "oi"))
	require.NoError(t, err)
	assert.Equal(t, []string{StepWelcomeUser, StepFirstInfo}, res.Executed())
	assert.Equal(t, StepFirstInfo, res.FinalStep)

	tpls := h.sender.templates()
	require.Len(t, tpls, 2)
	assert.Equal(t, h.content.Templates.Welcome, tpls[0].Template.Name)
	assert.Nil(t, tpls[0].Template.Flow)
	assert.Equal(t, h.content.Templates.FirstInfo, tpls[1].Template.Name)
	require.NotNil(t, tpls[1].Template.Flow)
	assert.Equal(t, StepFirstInfo, tpls[1].Template.Flow.Token)
	assert.Equal(t, "Ana", tpls[1].Template.Flow.ActionData["Nome"])

	h.sender.reset()
	res, err = h.dispatch(t, flowReply("5511", StepFirstInfo, map[string]string{
		"Nome": "Ana", "Sobrenome": "Silva", "Email": "ana@example.com", "SobreVoce": "  ",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{StepFirstInfo, StepIntroCompleted, StepUserMenu}, res.Executed())
	assert.Equal(t, StepUserMenu, res.FinalStep)

	u := h.user(t, "5511")
	assert.Equal(t, "Ana", u.Get(models.KeyFirstName))
	assert.Equal(t, "Silva", u.Get(models.KeyLastName))
	assert.Equal(t, "ana@example.com", u.Get(models.KeyEmail))
	assert.Empty(t, u.Get(models.KeyAbout))

	require.Len(t, h.sender.sent, 2)
	assert.True(t, strings.HasPrefix(h.sender.sent[0].Body, "Perfeito, Ana!"))
	assert.Equal(t, models.OutboundList, h.sender.sent[1].Kind)
}

func TestScenario_TokenRoundTrip(t *testing.T) {
	h := newHarness(t)
	issuers := []string{StepInfoMenu}
	for _, ch := range h.content.Chapters {
		issuers = append(issuers, ch.Step)
	}
	for _, ex := range h.content.Exercises {
		issuers = append(issuers, ex.Step)
	}

	for i, step := range issuers {
		t.Run(step, func(t *testing.T) {
			id := fmt.Sprintf("55%02d", i)
			h.park(t, id, StepRedirecter, nil)
			h.sender.reset()

			_, err := h.dispatch(t, listReply(id, step))
			require.NoError(t, err)
			tpls := h.sender.templates()
			require.Len(t, tpls, 1)
			require.NotNil(t, tpls[0].Template.Flow)
			token := tpls[0].Template.Flow.Token
			assert.Equal(t, step, token)
			_, ok := h.reg.FormRoute(token)
			assert.True(t, ok, "token %s has no reply route", token)
		})
	}
}

func TestScenario_ChapterLeadsToExercise(t *testing.T) {
	h := newHarness(t)
	h.park(t, "5511", StepRedirecter, nil)

	res, err := h.dispatch(t, listReply("5511", "ChapterOne"))
	require.NoError(t, err)
	assert.Equal(t, "ChapterOne", res.FinalStep)
	assert.Equal(t, "ChapterOne", h.user(t, "5511").Get(models.KeyCurrentChapter))

	h.sender.reset()
	res, err = h.dispatch(t, flowReply("5511", "ChapterOne", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"ChapterOne", "ExerciseOne"}, res.Executed())
	assert.Equal(t, "ExerciseOneHandle", res.FinalStep)

	u := h.user(t, "5511")
	assert.True(t, u.IsDone("chapter.C1"))
	assert.Equal(t, "ExerciseOne", u.Get(models.KeyCurrentExercise))
	tpls := h.sender.templates()
	require.Len(t, tpls, 1)
	assert.Equal(t, "ExerciseOne", tpls[0].Template.Flow.Token)
}

func TestScenario_QuizPass(t *testing.T) {
	h := newHarness(t)
	h.park(t, "5511", "ExerciseOneHandle", map[string]string{models.KeyCurrentExercise: "ExerciseOne"})

	res, err := h.dispatch(t, flowReply("5511", "ExerciseOne", map[string]string{"q1": "b", "q2": "C"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"ExerciseOneHandle", "ChapterTwo"}, res.Executed())
	assert.Equal(t, "ChapterTwo", res.FinalStep)

	u := h.user(t, "5511")
	assert.True(t, u.IsDone("exercise.E1"))
	assert.True(t, u.IsDone("exercise.E1.q1"))
	assert.True(t, u.IsDone("exercise.E1.q2"))
	assert.Equal(t, "ExerciseTwo", u.Get(models.KeyCurrentExercise))
	assert.Equal(t, "ChapterTwo", u.Get(models.KeyCurrentChapter))

	require.Len(t, h.sender.sent, 2)
	feedback := h.sender.sent[0].Body
	assert.Equal(t, 2, strings.Count(feedback, h.content.Texts.CorrectAnswer))
	assert.Contains(t, feedback, h.content.Exercises[0].Questions[0].Explanations["b"])
	assert.Equal(t, "ChapterTwo", h.sender.sent[1].Template.Flow.Token)
}

func TestScenario_QuizFailAndRetry(t *testing.T) {
	h := newHarness(t)
	h.park(t, "5511", "ExerciseOneHandle", map[string]string{models.KeyCurrentExercise: "ExerciseOne"})

	res, err := h.dispatch(t, flowReply("5511", "", map[string]string{"q1": "a", "q2": "c"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"ExerciseOneHandle", StepRetry}, res.Executed())
	assert.Equal(t, StepRetry, res.FinalStep)

	u := h.user(t, "5511")
	assert.Equal(t, models.ProgressNotDone, u.Get("exercise.E1"))
	assert.Equal(t, models.ProgressNotDone, u.Get("exercise.E1.q1"))
	assert.True(t, u.IsDone("exercise.E1.q2"))
	assert.Equal(t, "ExerciseOne", u.Get(models.KeyCurrentExercise))

	require.Len(t, h.sender.sent, 2)
	assert.Contains(t, h.sender.sent[0].Body, h.content.Exercises[0].Questions[0].Explanations["a"])
	assert.Equal(t, models.OutboundButtons, h.sender.sent[1].Kind)
	assert.Equal(t, StepContinueExercise, h.sender.sent[1].Buttons[0].ID)

	h.sender.reset()
	res, err = h.dispatch(t, buttonReply("5511", StepContinueExercise))
	require.NoError(t, err)
	assert.Equal(t, []string{StepRetry, StepContinueExercise, "ExerciseOne"}, res.Executed())
	assert.Equal(t, "ExerciseOneHandle", res.FinalStep)
}

func TestScenario_QuizInvalidChoice(t *testing.T) {
	h := newHarness(t)
	h.park(t, "5511", "ExerciseThreeHandle", nil)

	res, err := h.dispatch(t, flowReply("5511", "ExerciseThree", map[string]string{"q1": "z"}))
	require.NoError(t, err)
	assert.Equal(t, StepRetry, res.FinalStep)
	assert.Contains(t, h.sender.sent[0].Body, h.content.Texts.InvalidAnswer)
}

func TestScenario_QuizIgnoresOtherEvents(t *testing.T) {
	h := newHarness(t)
	h.park(t, "5511", "ExerciseOneHandle", nil)

	res, err := h.dispatch(t, text("5511", "/Menu"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ExerciseOneHandle", StepRedirecter, StepUserMenu}, res.Executed())
	assert.Equal(t, StepUserMenu, res.FinalStep)
	assert.Empty(t, h.user(t, "5511").Get("exercise.E1"))

	// A form reply for a different exercise is not graded here.
	h.park(t, "5522", "ExerciseOneHandle", nil)
	res, err = h.dispatch(t, flowReply("5522", "ExerciseTwo", map[string]string{"q1": "a"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"ExerciseOneHandle", StepRedirecter, "ExerciseTwoHandle", "ChapterThree"}, res.Executed())
	u := h.user(t, "5522")
	assert.Empty(t, u.Get("exercise.E1"))
	assert.True(t, u.IsDone("exercise.E2"))
}

func TestScenario_AnswersSubmittedFromAMenu(t *testing.T) {
	h := newHarness(t)
	h.park(t, "5511", StepUserMenu, nil)

	res, err := h.dispatch(t, flowReply("5511", "ExerciseOne", map[string]string{"q1": "b", "q2": "c"}))
	require.NoError(t, err)
	assert.Equal(t, []string{StepUserMenu, "ExerciseOneHandle", "ChapterTwo"}, res.Executed())
	assert.True(t, h.user(t, "5511").IsDone("exercise.E1"))
}

func TestScenario_Completion(t *testing.T) {
	h := newHarness(t)
	all := map[string]string{}
	for _, ch := range h.content.Chapters {
		all[ch.ProgressKey()] = models.ProgressDone
	}
	for _, ex := range h.content.Exercises[:3] {
		all[ex.ProgressKey()] = models.ProgressDone
	}
	h.park(t, "5511", "ExerciseFourHandle", all)

	res, err := h.dispatch(t, flowReply("5511", "ExerciseFour", map[string]string{"q1": "b"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"ExerciseFourHandle", StepVerifyCompletion, StepCongratulations}, res.Executed())
	assert.Equal(t, StepCongratulations, res.FinalStep)
	assert.Equal(t, h.content.Texts.Congratulations, h.sender.sent[len(h.sender.sent)-1].Body)

	h.park(t, "5522", "ExerciseFourHandle", nil)
	h.sender.reset()
	res, err = h.dispatch(t, flowReply("5522", "ExerciseFour", map[string]string{"q1": "b"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"ExerciseFourHandle", StepVerifyCompletion, StepNotCongratulations, StepUserMenu}, res.Executed())
	assert.Contains(t, h.sender.sent[1].Body, "Capítulo 1")
	assert.NotContains(t, h.sender.sent[1].Body, "Exercício 4")
}

func TestScenario_NotCongratulationsFromTheMenu(t *testing.T) {
	h := newHarness(t)
	h.park(t, "5511", StepUserMenu, nil)

	res, err := h.dispatch(t, listReply("5511", StepVerifyCompletion))
	require.NoError(t, err)
	assert.Equal(t, []string{StepUserMenu, StepVerifyCompletion, StepNotCongratulations}, res.Executed())
	assert.Equal(t, StepUserMenu, res.FinalStep)
}

func TestScenario_References(t *testing.T) {
	h := newHarness(t)
	h.park(t, "5511", StepRedirecter, nil)

	res, err := h.dispatch(t, text("5511", "/Referencias"))
	require.NoError(t, err)
	assert.Equal(t, StepReferences, res.FinalStep)
	require.Len(t, h.sender.sent, 2)
	assert.Equal(t, models.OutboundMedia, h.sender.sent[0].Kind)
	assert.Equal(t, "document", h.sender.sent[0].Media.Type)
	assert.Equal(t, models.OutboundCTA, h.sender.sent[1].Kind)
}

func TestScenario_UnknownFormToken(t *testing.T) {
	h := newHarness(t)
	h.park(t, "5511", StepRedirecter, nil)

	res, err := h.dispatch(t, flowReply("5511", "LegacyForm", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{StepRedirecter}, res.Executed())
	assert.Equal(t, StepRedirecter, res.FinalStep)
	assert.False(t, res.Committed)
	assert.Empty(t, h.sender.sent)
}

func TestAIResponse_Redirects(t *testing.T) {
	h := newHarness(t)
	h.gen.answer = "Claro! Vamos aos capítulos."
	h.gen.decision = "```json\n{\"step\": \"ChapterMenu\", \"jump\": true}\n```"
	h.park(t, "5511", StepRedirecter, nil)

	res, err := h.dispatch(t, text("5511", "quero ler o conto"))
	require.NoError(t, err)
	assert.Equal(t, []string{StepRedirecter, StepAIResponse, StepChapterMenu}, res.Executed())
	assert.Equal(t, StepChapterMenu, res.FinalStep)
	assert.Equal(t, 2, h.gen.calls)

	require.Len(t, h.sender.sent, 2)
	assert.Equal(t, "Claro! Vamos aos capítulos.", h.sender.sent[0].Body)
	assert.Equal(t, models.OutboundList, h.sender.sent[1].Kind)
	assert.Contains(t, h.user(t, "5511").Get(models.KeyLastExchange), "quero ler o conto")
}

func TestAIResponse_Decisions(t *testing.T) {
	cases := []struct {
		name     string
		decision string
		final    string
	}{
		{"malformed", "I think you want chapters", StepRedirecter},
		{"not a candidate", `{"step": "ExerciseOneHandle", "jump": true}`, StepRedirecter},
		{"unregistered", `{"step": "Nowhere", "jump": true}`, StepRedirecter},
		{"redirecter alias without jump", `{"redirecter": "UserMenu", "jump": false}`, StepUserMenu},
		{"redirecter with jump", `{"step": "Redirecter", "jump": true}`, StepRedirecter},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.gen.decision = tc.decision
			h.park(t, "5511", StepRedirecter, nil)

			res, err := h.dispatch(t, text("5511", "hmm"))
			require.NoError(t, err)
			assert.Equal(t, []string{StepRedirecter, StepAIResponse}, res.Executed())
			assert.Equal(t, tc.final, res.FinalStep)
			require.Len(t, h.sender.sent, 1)
			assert.Equal(t, "Olá!", h.sender.sent[0].Body)
		})
	}
}

func TestAIResponse_FailureKeepsStep(t *testing.T) {
	h := newHarness(t)
	h.gen.err = errors.New("model overloaded")
	h.park(t, "5511", StepRedirecter, nil)

	res, err := h.dispatch(t, text("5511", "me explica o capítulo 2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, h.gen.err)
	var stepErr *flow.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepAIResponse, stepErr.Step)
	assert.Equal(t, StepAIResponse, res.FinalStep)
	assert.Empty(t, h.sender.sent)

	u := h.user(t, "5511")
	assert.Equal(t, StepAIResponse, u.CurrentStep)
	assert.Empty(t, u.Get(models.KeyLastExchange))

	// The retry lands on the same step and succeeds once the model recovers.
	h.gen.err = nil
	res, err = h.dispatch(t, text("5511", "me explica o capítulo 2"))
	require.NoError(t, err)
	assert.Equal(t, StepAIResponse, res.Executed()[0])
}

func TestAIResponse_NonTextGoesToRedirecter(t *testing.T) {
	h := newHarness(t)
	h.park(t, "5511", StepAIResponse, nil)

	ev := base("5511", models.EventReaction)
	ev.Reaction = &models.Reaction{MessageID: "wamid.x", Emoji: "👍"}
	res, err := h.dispatch(t, ev)
	require.NoError(t, err)
	assert.Equal(t, []string{StepAIResponse, StepRedirecter}, res.Executed())
	assert.Equal(t, StepRedirecter, res.FinalStep)
	assert.Zero(t, h.gen.calls)
}

func TestParseRedirect_StripsFences(t *testing.T) {
	assert.Equal(t, `{"step":"X"}`, stripFences("```json\n{\"step\":\"X\"}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`Sure: {"a":1} hope it helps`))
	assert.Equal(t, "nothing", stripFences("  nothing "))
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "a", truncate("aé", 2))
	assert.Equal(t, "aé", truncate("aéb", 3))
}

// Every step, parked or reached, settles without tripping the cycle check
// for every kind of event a user can send.
func TestRegistry_AuthoredPathsTerminate(t *testing.T) {
	h := newHarness(t)
	h.gen.decision = `{"step": "UserMenu", "jump": true}`

	events := func(id string) []models.Event {
		evs := []models.Event{
			text(id, "oi"),
			text(id, "/Menu"),
			text(id, "/Capitulos"),
			buttonReply(id, StepContinueExercise),
			base(id, models.EventMedia),
		}
		for _, name := range []string{StepUserMenu, StepChapterMenu, StepExerciseMenu, StepInfoMenu, StepReferences, StepVerifyCompletion, StepContinueChapter} {
			evs = append(evs, listReply(id, name))
		}
		for _, token := range []string{StepFirstInfo, StepInfoMenu, "ChapterOne", "ChapterFour", "ExerciseOne", "ExerciseFour"} {
			evs = append(evs, flowReply(id, token, map[string]string{"q1": "b", "q2": "c"}))
		}
		return evs
	}

	n := 0
	for _, step := range h.reg.Names() {
		for _, ev := range events("0") {
			n++
			id := fmt.Sprintf("9%05d", n)
			ev.From, ev.Contact.ExternalID = id, id
			h.park(t, id, step, nil)

			res, err := h.dispatch(t, ev)
			require.NoError(t, err, "parked on %s, event %s", step, ev.Kind)
			assert.LessOrEqual(t, len(res.Hops), h.reg.Len())
			assert.True(t, h.reg.Has(h.user(t, id).CurrentStep))
		}
	}
}
