package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ScriptPipe/internal/models"
	"github.com/BTreeMap/ScriptPipe/internal/store"
)

// countingStore counts commits on top of the in-memory store.
type countingStore struct {
	*store.InMemoryStore
	saves   atomic.Int32
	saveErr error
}

func newCountingStore() *countingStore {
	return &countingStore{InMemoryStore: store.NewInMemoryStore()}
}

func (s *countingStore) SaveUser(ctx context.Context, u *models.User) error {
	s.saves.Add(1)
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.InMemoryStore.SaveUser(ctx, u)
}

// recordingSender captures outbound messages.
type recordingSender struct {
	mu   sync.Mutex
	sent []models.OutboundMessage
	err  error
}

func (r *recordingSender) Send(ctx context.Context, msg models.OutboundMessage) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.sent {
		out = append(out, m.Body)
	}
	return out
}

// step builds an entry from a function of the context.
func step(name string, fn func(ctx context.Context, sc *Context) (Transition, error)) Entry {
	return Entry{Name: name, Factory: func(sc *Context) Handler {
		return HandlerFunc(func(ctx context.Context) (Transition, error) { return fn(ctx, sc) })
	}}
}

// say sends body and returns tr.
func say(name, body string, tr Transition) Entry {
	return step(name, func(ctx context.Context, sc *Context) (Transition, error) {
		if err := sc.Send(ctx, models.NewText("", body)); err != nil {
			return Transition{}, err
		}
		return tr, nil
	})
}

func mustRegistry(t *testing.T, entries ...Entry) *Registry {
	t.Helper()
	bp := NewBlueprint("test")
	for _, e := range entries {
		require.NoError(t, bp.Register(e))
	}
	reg, err := Merge(bp)
	require.NoError(t, err)
	return reg
}

func textEvent(from, body string) models.Event {
	return models.Event{
		ID:      "wamid." + body,
		From:    from,
		Contact: models.Contact{ExternalID: from, DisplayName: "Ana"},
		Kind:    models.EventText,
		Text:    body,
	}
}

func newTestEngine(t *testing.T, reg *Registry, st ProgressStore, sender Sender, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithSender(sender), WithInitialStep("Start")}, opts...)
	e, err := NewEngine(reg, st, opts...)
	require.NoError(t, err)
	return e
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	bp := NewBlueprint("menus")
	require.NoError(t, bp.Register(Entry{Name: "Menu", Factory: NotImplemented}))
	err := bp.Register(Entry{Name: "Menu", Factory: NotImplemented})
	assert.ErrorIs(t, err, ErrDuplicateStep)

	assert.ErrorIs(t, bp.Register(Entry{Name: "", Factory: NotImplemented}), ErrInvalidEntry)
	assert.ErrorIs(t, bp.Register(Entry{Name: "X"}), ErrInvalidEntry)
}

func TestRegistry_MergeFailsOnCollision(t *testing.T) {
	a := NewBlueprint("a")
	require.NoError(t, a.Register(Entry{Name: "Menu", Factory: NotImplemented}))
	b := NewBlueprint("b")
	require.NoError(t, b.Register(Entry{Name: "Menu", Factory: NotImplemented}))

	_, err := Merge(a, b)
	require.ErrorIs(t, err, ErrDuplicateStep)
	assert.Contains(t, err.Error(), "Menu")
}

func TestRegistry_FormRoutes(t *testing.T) {
	route := func(sc *Context, reply *models.FlowReply) (string, error) { return "Next", nil }

	a := NewBlueprint("a")
	require.NoError(t, a.Register(Entry{Name: "Form", Factory: NotImplemented}))
	require.NoError(t, a.RegisterForm("Form", route))
	assert.ErrorIs(t, a.RegisterForm("Form", route), ErrDuplicateFormToken)

	reg, err := Merge(a)
	require.NoError(t, err)
	_, ok := reg.FormRoute("Form")
	assert.True(t, ok)
	_, ok = reg.FormRoute("Other")
	assert.False(t, ok)

	orphan := NewBlueprint("orphan")
	require.NoError(t, orphan.RegisterForm("Nowhere", route))
	_, err = Merge(a, orphan)
	assert.ErrorIs(t, err, ErrUnknownFormToken)

	dup := NewBlueprint("dup")
	require.NoError(t, dup.RegisterForm("Form", route))
	_, err = Merge(a, dup)
	assert.ErrorIs(t, err, ErrDuplicateFormToken)
}

func TestRegistry_Lookup(t *testing.T) {
	reg := mustRegistry(t,
		Entry{Name: "B", Factory: NotImplemented, Description: "second"},
		Entry{Name: "A", Factory: NotImplemented},
		Entry{Name: "C", Factory: NotImplemented, Description: "third"},
	)
	assert.Equal(t, 3, reg.Len())
	assert.Equal(t, []string{"A", "B", "C"}, reg.Names())
	assert.True(t, reg.Has("A"))
	_, ok := reg.Resolve("Z")
	assert.False(t, ok)

	var names []string
	for _, c := range reg.Candidates() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"B", "C"}, names)
}

func TestNewEngine_RequiresRegisteredInitialStep(t *testing.T) {
	reg := mustRegistry(t, Entry{Name: "Start", Factory: NotImplemented})
	_, err := NewEngine(reg, store.NewInMemoryStore(), WithInitialStep("Missing"))
	assert.ErrorIs(t, err, ErrUnresolvedStep)
}

func TestDispatch_ChainsAndCommitsOnce(t *testing.T) {
	reg := mustRegistry(t,
		say("Start", "welcome", Jump("Profile")),
		say("Profile", "tell me about you", Wait("Hub")),
		say("Hub", "hub", Stay()),
	)
	st := newCountingStore()
	sender := &recordingSender{}
	e := newTestEngine(t, reg, st, sender)

	res, err := e.Dispatch(context.Background(), textEvent("5511", "hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Start", "Profile"}, res.Executed())
	assert.Equal(t, "Hub", res.FinalStep)
	assert.True(t, res.Committed)
	assert.Equal(t, int32(1), st.saves.Load())
	assert.Equal(t, []string{"welcome", "tell me about you"}, sender.bodies())
	assert.Equal(t, "5511", sender.sent[0].To)

	u, err := st.GetUser(context.Background(), "5511")
	require.NoError(t, err)
	assert.Equal(t, "Hub", u.CurrentStep)
}

func TestDispatch_SameEventThreadedThroughChain(t *testing.T) {
	var seen []string
	record := func(name string, tr Transition) Entry {
		return step(name, func(ctx context.Context, sc *Context) (Transition, error) {
			seen = append(seen, sc.Event.ID)
			return tr, nil
		})
	}
	reg := mustRegistry(t, record("Start", Jump("A")), record("A", Jump("B")), record("B", Stay()))
	e := newTestEngine(t, reg, store.NewInMemoryStore(), &recordingSender{})

	_, err := e.Dispatch(context.Background(), textEvent("5511", "x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"wamid.x", "wamid.x", "wamid.x"}, seen)
}

func TestDispatch_StayParksOnStoppingStep(t *testing.T) {
	reg := mustRegistry(t, say("Start", "s", Jump("Menu")), say("Menu", "menu", Stay()))
	st := store.NewInMemoryStore()
	e := newTestEngine(t, reg, st, &recordingSender{})

	res, err := e.Dispatch(context.Background(), textEvent("5511", "x"))
	require.NoError(t, err)
	assert.Equal(t, "Menu", res.FinalStep)
}

func TestDispatch_UnresolvedCurrentStepLeavesUserUntouched(t *testing.T) {
	reg := mustRegistry(t, say("Start", "s", Stay()))
	st := newCountingStore()
	ctx := context.Background()
	u, _, err := st.GetOrCreateUser(ctx, "5511", "Ana")
	require.NoError(t, err)
	u.CurrentStep = "DoesNotExist"
	require.NoError(t, st.InMemoryStore.SaveUser(ctx, u))

	sender := &recordingSender{}
	e := newTestEngine(t, reg, st, sender)
	_, err = e.Dispatch(ctx, textEvent("5511", "x"))
	require.ErrorIs(t, err, ErrUnresolvedStep)

	got, err := st.GetUser(ctx, "5511")
	require.NoError(t, err)
	assert.Equal(t, "DoesNotExist", got.CurrentStep)
	assert.Zero(t, st.saves.Load())
	assert.Empty(t, sender.sent)
}

func TestDispatch_UnresolvedJumpStopsChain(t *testing.T) {
	reg := mustRegistry(t,
		step("Start", func(ctx context.Context, sc *Context) (Transition, error) {
			sc.User.Set("visited", "yes")
			return Jump("Ghost"), nil
		}),
	)
	st := store.NewInMemoryStore()
	e := newTestEngine(t, reg, st, &recordingSender{})

	res, err := e.Dispatch(context.Background(), textEvent("5511", "x"))
	require.NoError(t, err)
	assert.Equal(t, "Start", res.FinalStep)

	u, err := st.GetUser(context.Background(), "5511")
	require.NoError(t, err)
	assert.Equal(t, "Start", u.CurrentStep)
	assert.Equal(t, "yes", u.Get("visited"), "work done before the stop is kept")
}

func TestDispatch_UnresolvedWaitTargetStays(t *testing.T) {
	reg := mustRegistry(t, say("Start", "s", Wait("Ghost")))
	st := store.NewInMemoryStore()
	e := newTestEngine(t, reg, st, &recordingSender{})

	res, err := e.Dispatch(context.Background(), textEvent("5511", "x"))
	require.NoError(t, err)
	assert.Equal(t, "Start", res.FinalStep)
}

func TestDispatch_NotImplementedIsDistinct(t *testing.T) {
	reg := mustRegistry(t,
		say("Start", "s", Jump("Todo")),
		Entry{Name: "Todo", Factory: NotImplemented},
		say("Quiet", "q", Stay()),
	)
	st := store.NewInMemoryStore()
	e := newTestEngine(t, reg, st, &recordingSender{})

	res, err := e.Dispatch(context.Background(), textEvent("5511", "x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotImplemented)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "Todo", stepErr.Step)
	assert.Equal(t, models.EventText, stepErr.EventKind)
	assert.Equal(t, "Todo", res.FinalStep)

	// A step that runs and declares nothing is not an error.
	e2 := newTestEngine(t, reg, store.NewInMemoryStore(), &recordingSender{}, WithInitialStep("Quiet"))
	_, err = e2.Dispatch(context.Background(), textEvent("5522", "x"))
	assert.NoError(t, err)
}

func TestDispatch_FailureDiscardsOnlyTheFailingStep(t *testing.T) {
	sendErr := errors.New("graph api down")
	failing := &recordingSender{}
	reg := mustRegistry(t,
		step("Start", func(ctx context.Context, sc *Context) (Transition, error) {
			sc.User.Set("start", "done")
			return Jump("Flaky"), nil
		}),
		step("Flaky", func(ctx context.Context, sc *Context) (Transition, error) {
			sc.User.Set("flaky", "partial")
			if err := sc.Send(ctx, models.NewText("", "hello")); err != nil {
				return Transition{}, err
			}
			return Stay(), nil
		}),
	)
	st := store.NewInMemoryStore()
	e := newTestEngine(t, reg, st, failing)
	ctx := context.Background()

	failing.err = sendErr
	res, err := e.Dispatch(ctx, textEvent("5511", "x"))
	require.ErrorIs(t, err, sendErr)
	assert.Equal(t, "Flaky", res.FinalStep)

	u, err := st.GetUser(ctx, "5511")
	require.NoError(t, err)
	assert.Equal(t, "Flaky", u.CurrentStep)
	assert.Equal(t, "done", u.Get("start"))
	assert.Empty(t, u.Get("flaky"))

	// Redelivery re-enters the failed step and runs it from scratch.
	failing.err = nil
	res, err = e.Dispatch(ctx, textEvent("5511", "x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Flaky"}, res.Executed())
	u, err = st.GetUser(ctx, "5511")
	require.NoError(t, err)
	assert.Equal(t, "partial", u.Get("flaky"))
}

func TestDispatch_FailureOnParkedStepCommitsNothing(t *testing.T) {
	reg := mustRegistry(t,
		say("Start", "s", Stay()),
		step("Broken", func(ctx context.Context, sc *Context) (Transition, error) {
			sc.User.Set("x", "y")
			return Transition{}, errors.New("boom")
		}),
	)
	st := newCountingStore()
	ctx := context.Background()
	u, _, err := st.GetOrCreateUser(ctx, "5511", "Ana")
	require.NoError(t, err)
	u.CurrentStep = "Broken"
	require.NoError(t, st.InMemoryStore.SaveUser(ctx, u))

	e := newTestEngine(t, reg, st, &recordingSender{})
	for i := 0; i < 2; i++ {
		res, err := e.Dispatch(ctx, textEvent("5511", "x"))
		require.Error(t, err)
		assert.False(t, res.Committed)
	}
	assert.Zero(t, st.saves.Load())
}

func TestDispatch_DetectsCycles(t *testing.T) {
	reg := mustRegistry(t,
		say("Start", "a", Jump("Ping")),
		say("Ping", "ping", Jump("Pong")),
		say("Pong", "pong", Jump("Ping")),
	)
	st := store.NewInMemoryStore()
	sender := &recordingSender{}
	e := newTestEngine(t, reg, st, sender)

	done := make(chan struct{})
	var res Result
	var err error
	go func() {
		defer close(done)
		res, err = e.Dispatch(context.Background(), textEvent("5511", "x"))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not terminate on a cyclic chain")
	}
	require.ErrorIs(t, err, ErrChainCycle)
	assert.LessOrEqual(t, len(res.Hops), reg.Len())
	assert.Equal(t, "Pong", res.FinalStep)
}

func TestDispatch_ChainTerminatesWithinRegistrySize(t *testing.T) {
	names := []string{"Start", "S1", "S2", "S3", "S4", "S5"}
	var entries []Entry
	for i, n := range names {
		tr := Stay()
		if i+1 < len(names) {
			tr = Jump(names[i+1])
		}
		entries = append(entries, say(n, n, tr))
	}
	reg := mustRegistry(t, entries...)
	e := newTestEngine(t, reg, store.NewInMemoryStore(), &recordingSender{})

	res, err := e.Dispatch(context.Background(), textEvent("5511", "x"))
	require.NoError(t, err)
	assert.Len(t, res.Hops, reg.Len())
	assert.Equal(t, "S5", res.FinalStep)
}

func TestDispatch_ResumedAndFresh(t *testing.T) {
	type seen struct {
		hop            int
		fresh, resumed bool
	}
	var got []seen
	observe := func(name string, tr Transition) Entry {
		return step(name, func(ctx context.Context, sc *Context) (Transition, error) {
			got = append(got, seen{sc.Hop, sc.Fresh, sc.Resumed()})
			assert.True(t, sc.Visited(name))
			if name == "Menu" && sc.Hop == 1 {
				assert.True(t, sc.Visited("Start"))
			}
			return tr, nil
		})
	}
	reg := mustRegistry(t, observe("Start", Jump("Menu")), observe("Menu", Stay()))
	e := newTestEngine(t, reg, store.NewInMemoryStore(), &recordingSender{})
	ctx := context.Background()

	_, err := e.Dispatch(ctx, textEvent("5511", "first"))
	require.NoError(t, err)
	_, err = e.Dispatch(ctx, textEvent("5511", "second"))
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, seen{0, true, false}, got[0])
	assert.Equal(t, seen{1, true, false}, got[1])
	assert.Equal(t, seen{0, false, true}, got[2])
}

func TestDispatch_RejectsStatusAndAnonymousEvents(t *testing.T) {
	reg := mustRegistry(t, say("Start", "s", Stay()))
	e := newTestEngine(t, reg, store.NewInMemoryStore(), &recordingSender{})

	_, err := e.Dispatch(context.Background(), models.Event{Kind: models.EventStatus, From: "5511"})
	assert.ErrorIs(t, err, ErrNotConversational)

	_, err = e.Dispatch(context.Background(), models.Event{Kind: models.EventText})
	assert.ErrorIs(t, err, ErrEmptyIdentity)
}

func TestDispatch_CommitFailureIsReported(t *testing.T) {
	reg := mustRegistry(t, say("Start", "s", Stay()))
	st := newCountingStore()
	st.saveErr = errors.New("disk full")
	e := newTestEngine(t, reg, st, &recordingSender{})

	res, err := e.Dispatch(context.Background(), textEvent("5511", "x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, st.saveErr)
	assert.False(t, res.Committed)
}

func TestDispatch_SerializesPerIdentity(t *testing.T) {
	var active, maxActive atomic.Int32
	reg := mustRegistry(t,
		step("Start", func(ctx context.Context, sc *Context) (Transition, error) {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			count := len(sc.User.Progress)
			sc.User.Set("visit"+string(rune('a'+count)), "x")
			active.Add(-1)
			return Stay(), nil
		}),
	)
	st := store.NewInMemoryStore()
	e := newTestEngine(t, reg, st, &recordingSender{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Dispatch(context.Background(), textEvent("5511", "x"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	u, err := st.GetUser(context.Background(), "5511")
	require.NoError(t, err)
	assert.Len(t, u.Progress, 8, "no dispatch lost another's update")
	assert.Zero(t, e.locks.size())
}

func TestDispatch_SendTimeout(t *testing.T) {
	slow := SenderFunc(func(ctx context.Context, msg models.OutboundMessage) error {
		<-ctx.Done()
		return ctx.Err()
	})
	reg := mustRegistry(t, say("Start", "s", Wait("Start")))
	e := newTestEngine(t, reg, store.NewInMemoryStore(), slow, WithSendTimeout(20*time.Millisecond))

	_, err := e.Dispatch(context.Background(), textEvent("5511", "x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReposition(t *testing.T) {
	reg := mustRegistry(t, say("Start", "s", Stay()), say("Menu", "m", Stay()))
	st := store.NewInMemoryStore()
	e := newTestEngine(t, reg, st, &recordingSender{})
	ctx := context.Background()

	assert.ErrorIs(t, e.Reposition(ctx, "5511", "Menu"), ErrUnknownUser)
	_, err := e.Dispatch(ctx, textEvent("5511", "x"))
	require.NoError(t, err)
	assert.ErrorIs(t, e.Reposition(ctx, "5511", "Ghost"), ErrUnresolvedStep)
	require.NoError(t, e.Reposition(ctx, "5511", "Menu"))

	u, err := st.GetUser(ctx, "5511")
	require.NoError(t, err)
	assert.Equal(t, "Menu", u.CurrentStep)
}

func TestDispatch_CommitsNewDisplayName(t *testing.T) {
	reg := mustRegistry(t, say("Start", "s", Stay()))
	st := newCountingStore()
	e := newTestEngine(t, reg, st, &recordingSender{})
	ctx := context.Background()

	res, err := e.Dispatch(ctx, textEvent("5511", "x"))
	require.NoError(t, err)
	assert.True(t, res.Committed, "new users are committed")

	res, err = e.Dispatch(ctx, textEvent("5511", "y"))
	require.NoError(t, err)
	assert.False(t, res.Committed, "same name and no progress change")

	ev := textEvent("5511", "z")
	ev.Contact.DisplayName = "Ana Maria"
	res, err = e.Dispatch(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.EqualValues(t, 2, st.saves.Load())

	u, err := st.GetUser(ctx, "5511")
	require.NoError(t, err)
	assert.Equal(t, "Ana Maria", u.DisplayName)

	ev = textEvent("5511", "w")
	ev.Contact.DisplayName = ""
	res, err = e.Dispatch(ctx, ev)
	require.NoError(t, err)
	assert.False(t, res.Committed, "a missing profile name keeps the stored one")
}
