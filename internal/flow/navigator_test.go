package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

func onboardingFlow() models.FlowDefinition {
	return models.FlowDefinition{
		ID:            "onboarding",
		Name:          "Onboarding",
		StartScreenID: "ask_name",
		Screens: []models.ScreenDefinition{
			{
				ID:     "ask_name",
				Type:   models.ScreenTypeTextInput,
				Body:   "What is your name?",
				Rules:  models.ScreenRules{Required: true, Max: intPtr(50)},
				Footer: &models.ScreenFooter{NextOnOK: "pick_service"},
			},
			{
				ID:   "pick_service",
				Type: models.ScreenTypeDropdown,
				Body: "Pick a service",
				Options: []models.ScreenOption{
					{Label: "Service A", Value: "svc_a"},
					{Label: "Service B", Value: "svc_b"},
				},
				Footer: &models.ScreenFooter{NextOnChoice: map[string]string{"svc_a": "screen_x", "svc_b": "screen_y"}},
			},
			{ID: "screen_x", Type: models.ScreenTypeDisplay, Body: "A it is.", Terminal: true},
			{
				ID:     "screen_y",
				Type:   models.ScreenTypeTextInput,
				Body:   "Any notes?",
				Footer: &models.ScreenFooter{NextOnOK: "no_such_screen"},
			},
			{ID: "done", Type: models.ScreenTypeDisplay, Body: "Thanks!", Terminal: true},
		},
	}
}

func newTestNavigator(t *testing.T, flows ...models.FlowDefinition) (*Navigator, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	for _, f := range flows {
		if err := st.SaveFlow(f); err != nil {
			t.Fatalf("SaveFlow: %v", err)
		}
	}
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return NewNavigator(st, st, WithClock(func() time.Time { return fixed })), st
}

func countEvents(s *models.SessionContext, event string) int {
	n := 0
	for _, h := range s.History {
		if h.Event == event {
			n++
		}
	}
	return n
}

func TestNavigator_OnboardingWalkthrough(t *testing.T) {
	ctx := context.Background()
	nav, st := newTestNavigator(t, onboardingFlow())

	session, err := nav.StartSession(ctx, "onboarding", "15551234567")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if session.CurrentScreenID != "ask_name" {
		t.Fatalf("expected start at ask_name, got %s", session.CurrentScreenID)
	}
	if ev, _ := session.LastEvent(); ev.Event != models.EventFlowStarted {
		t.Errorf("expected flow_started, got %s", ev.Event)
	}

	// Empty required input is rejected and the screen does not change.
	res, err := nav.HandleInput(ctx, session.ID, "")
	if err != nil {
		t.Fatalf("HandleInput: %v", err)
	}
	if res.OK || res.ErrorCode != models.ValidationRequired || res.CurrentScreenID != "ask_name" {
		t.Fatalf("unexpected result for empty input: %+v", res)
	}
	var verr *models.ValidationError
	if !errors.As(res.Err(), &verr) || verr.Code != models.ValidationRequired {
		t.Errorf("expected ValidationError from result, got %v", res.Err())
	}
	saved, _ := st.GetSession(session.ID)
	if _, ok := saved.Answers["ask_name"]; ok {
		t.Error("rejected input must not be stored as an answer")
	}
	if ev, _ := saved.LastEvent(); ev.Event != models.EventValidationFailed || ev.Meta["error_code"] != "required" {
		t.Errorf("expected validation_failed entry, got %+v", ev)
	}

	res, err = nav.HandleInput(ctx, session.ID, "  Ada  ")
	if err != nil || !res.OK || res.CurrentScreenID != "pick_service" {
		t.Fatalf("expected move to pick_service, got %+v err=%v", res, err)
	}

	before, _ := st.GetSession(session.ID)
	transitions := countEvents(before, models.EventScreenTransition)

	res, err = nav.HandleInput(ctx, session.ID, "svc_b")
	if err != nil || !res.OK || res.CurrentScreenID != "screen_y" {
		t.Fatalf("expected choice to route to screen_y, got %+v err=%v", res, err)
	}
	after, _ := st.GetSession(session.ID)
	if got := countEvents(after, models.EventScreenTransition); got != transitions+1 {
		t.Errorf("expected exactly one new screen_transition, got %d -> %d", transitions, got)
	}
	if after.Answers["ask_name"] != "Ada" || after.Answers["pick_service"] != "svc_b" {
		t.Errorf("unexpected answers: %v", after.Answers)
	}

	// Unknown footer target falls back to the next declared screen, which is terminal.
	res, err = nav.HandleInput(ctx, session.ID, "none")
	if err != nil || !res.OK || !res.Ended || res.CurrentScreenID != "done" {
		t.Fatalf("expected fallback to terminal screen, got %+v err=%v", res, err)
	}
	final, _ := st.GetSession(session.ID)
	if final.EndedReason == nil || *final.EndedReason != models.EndReasonCompleted {
		t.Fatalf("expected completed, got %v", final.EndedReason)
	}

	if _, err := nav.HandleInput(ctx, session.ID, "again"); !errors.Is(err, models.ErrSessionEnded) {
		t.Errorf("expected ErrSessionEnded, got %v", err)
	}
}

func TestNavigator_RejectedChoiceKeepsScreen(t *testing.T) {
	ctx := context.Background()
	flowDef := models.FlowDefinition{
		ID:            "numbers",
		StartScreenID: "pick",
		Screens: []models.ScreenDefinition{
			{ID: "pick", Type: models.ScreenTypeDropdown, Options: []models.ScreenOption{{Label: "One", Value: 1}}},
			{ID: "end", Type: models.ScreenTypeDisplay, Terminal: true},
		},
	}
	nav, _ := newTestNavigator(t, flowDef)
	session, err := nav.StartSession(ctx, "numbers", "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	res, err := nav.HandleInput(ctx, session.ID, "1")
	if err != nil {
		t.Fatalf("HandleInput: %v", err)
	}
	if res.OK || res.ErrorCode != models.ValidationInvalidChoice || res.CurrentScreenID != "pick" {
		t.Fatalf("expected invalid_choice, got %+v", res)
	}
	// Stored definitions round-trip through JSON, so numbers are float64.
	res, err = nav.HandleInput(ctx, session.ID, map[string]any{"value": float64(1)})
	if err != nil || !res.OK || !res.Ended {
		t.Fatalf("expected numeric choice to be accepted, got %+v err=%v", res, err)
	}
}

func TestNavigator_FallbackPastLastScreenCompletes(t *testing.T) {
	ctx := context.Background()
	flowDef := models.FlowDefinition{
		ID:      "single",
		Screens: []models.ScreenDefinition{{ID: "only", Type: models.ScreenTypeTextInput}},
	}
	nav, _ := newTestNavigator(t, flowDef)
	session, err := nav.StartSession(ctx, "single", "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	res, err := nav.HandleInput(ctx, session.ID, "hi")
	if err != nil || !res.Ended || res.CurrentScreenID != "only" {
		t.Fatalf("expected completion after last screen, got %+v err=%v", res, err)
	}
}

func TestNavigator_ChoiceMappedToEmptyTargetEnds(t *testing.T) {
	ctx := context.Background()
	flowDef := models.FlowDefinition{
		ID: "quit",
		Screens: []models.ScreenDefinition{
			{
				ID:      "menu",
				Type:    models.ScreenTypeDropdown,
				Options: []models.ScreenOption{{Label: "Stop", Value: "stop"}, {Label: "Go", Value: "go"}},
				Footer:  &models.ScreenFooter{NextOnChoice: map[string]string{"stop": ""}},
			},
			{ID: "next", Type: models.ScreenTypeTextInput},
		},
	}
	nav, _ := newTestNavigator(t, flowDef)
	session, _ := nav.StartSession(ctx, "quit", "")
	res, err := nav.HandleInput(ctx, session.ID, "stop")
	if err != nil || !res.Ended || res.CurrentScreenID != "menu" {
		t.Fatalf("expected end on empty target, got %+v err=%v", res, err)
	}
}

func TestNavigator_MissingCurrentScreenEndsSession(t *testing.T) {
	ctx := context.Background()
	nav, st := newTestNavigator(t, onboardingFlow())
	session, err := nav.StartSession(ctx, "onboarding", "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	session.CurrentScreenID = "removed_screen"
	if err := st.SaveSession(*session); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	res, err := nav.HandleInput(ctx, session.ID, "x")
	if err != nil || !res.Ended {
		t.Fatalf("expected session to end, got %+v err=%v", res, err)
	}
	saved, _ := st.GetSession(session.ID)
	if saved.EndedReason == nil || *saved.EndedReason != models.EndReasonInvalidScreen {
		t.Errorf("expected invalid_screen, got %v", saved.EndedReason)
	}
}

func TestNavigator_StartSupersedesActiveSession(t *testing.T) {
	ctx := context.Background()
	nav, st := newTestNavigator(t, onboardingFlow())

	first, err := nav.StartSession(ctx, "onboarding", "15550001111")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	second, err := nav.StartSession(ctx, "onboarding", "15550001111")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("expected a new session id")
	}
	old, _ := st.GetSession(first.ID)
	if old.EndedReason == nil || *old.EndedReason != models.EndReasonSuperseded {
		t.Errorf("expected first session superseded, got %v", old.EndedReason)
	}
	active, _ := st.GetActiveSessionByPhone("15550001111")
	if active == nil || active.ID != second.ID {
		t.Errorf("expected second session active, got %+v", active)
	}
}

func TestNavigator_Cancel(t *testing.T) {
	ctx := context.Background()
	nav, _ := newTestNavigator(t, onboardingFlow())
	session, _ := nav.StartSession(ctx, "onboarding", "")

	ended, err := nav.Cancel(ctx, session.ID, "")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ended.EndedReason == nil || *ended.EndedReason != models.EndReasonCancelled {
		t.Fatalf("expected cancelled, got %v", ended.EndedReason)
	}
	entries := len(ended.History)

	again, err := nav.Cancel(ctx, session.ID, "other")
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if *again.EndedReason != models.EndReasonCancelled || len(again.History) != entries {
		t.Errorf("expected cancelling an ended session to be a no-op, got %+v", again)
	}

	if _, err := nav.Cancel(ctx, "missing", ""); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestNavigator_NotFound(t *testing.T) {
	ctx := context.Background()
	nav, _ := newTestNavigator(t)
	if _, err := nav.StartSession(ctx, "nope", ""); !errors.Is(err, models.ErrFlowNotFound) {
		t.Errorf("expected ErrFlowNotFound, got %v", err)
	}
	if _, err := nav.HandleInput(ctx, "nope", "x"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if _, _, err := nav.CurrentScreen(ctx, "nope"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

// hookComponent counts hook calls and misbehaves on request.
type hookComponent struct {
	Base
	enters *atomic.Int32
	leaves *atomic.Int32
}

func (c *hookComponent) OnEnter(ctx context.Context, hc HookContext) error {
	c.enters.Add(1)
	return errors.New("enter failed")
}

func (c *hookComponent) OnLeave(ctx context.Context, hc HookContext, value any) error {
	c.leaves.Add(1)
	panic("leave exploded")
}

func (c *hookComponent) Validate(raw any) ValidationResult {
	if raw == "bad" {
		return reject(models.ValidationFormat)
	}
	return accept(raw)
}

func TestNavigator_HookFailuresDoNotCorruptSession(t *testing.T) {
	ctx := context.Background()
	var enters, leaves atomic.Int32
	const hookType models.ScreenType = "test_hooks"
	Register(hookType, func(def models.ScreenDefinition) ScreenComponent {
		return &hookComponent{Base: Base{Def: def}, enters: &enters, leaves: &leaves}
	})

	flowDef := models.FlowDefinition{
		ID: "hooks",
		Screens: []models.ScreenDefinition{
			{ID: "first", Type: hookType},
			{ID: "second", Type: models.ScreenTypeTextInput},
		},
	}
	nav, st := newTestNavigator(t, flowDef)
	session, err := nav.StartSession(ctx, "hooks", "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if enters.Load() != 1 {
		t.Fatalf("expected one enter on arrival, got %d", enters.Load())
	}

	for i := 0; i < 3; i++ {
		if res, err := nav.HandleInput(ctx, session.ID, "bad"); err != nil || res.OK {
			t.Fatalf("expected rejection, got %+v err=%v", res, err)
		}
	}
	if enters.Load() != 1 {
		t.Errorf("enter hook must fire once per arrival, got %d", enters.Load())
	}

	res, err := nav.HandleInput(ctx, session.ID, "good")
	if err != nil || !res.OK || res.CurrentScreenID != "second" {
		t.Fatalf("expected transition despite panicking leave hook, got %+v err=%v", res, err)
	}
	if leaves.Load() != 1 {
		t.Errorf("expected one leave call, got %d", leaves.Load())
	}
	saved, _ := st.GetSession(session.ID)
	if saved.Answers["first"] != "good" || saved.Ended() {
		t.Errorf("session state corrupted: %+v", saved)
	}
}

func TestNavigator_ConcurrentInputsAreSerialized(t *testing.T) {
	ctx := context.Background()
	flowDef := models.FlowDefinition{
		ID: "loop",
		Screens: []models.ScreenDefinition{
			{ID: "again", Type: models.ScreenTypeTextInput, Footer: &models.ScreenFooter{NextOnOK: "again"}},
		},
	}
	nav, st := newTestNavigator(t, flowDef)
	session, err := nav.StartSession(ctx, "loop", "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	const turns = 25
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := nav.HandleInput(ctx, session.ID, "tick"); err != nil {
				t.Errorf("HandleInput: %v", err)
			}
		}()
	}
	wg.Wait()

	saved, _ := st.GetSession(session.ID)
	if got := countEvents(saved, models.EventScreenTransition); got != turns {
		t.Errorf("expected %d transitions with no lost updates, got %d", turns, got)
	}
}

func TestNavigator_StartSessionOnce(t *testing.T) {
	ctx := context.Background()
	nav, st := newTestNavigator(t, onboardingFlow())

	first, started, err := nav.StartSessionOnce(ctx, "onboarding", "15551234567", "unit-1")
	if err != nil || !started {
		t.Fatalf("first start: started=%v err=%v", started, err)
	}
	if _, err := nav.HandleInput(ctx, first.ID, "Ada"); err != nil {
		t.Fatalf("HandleInput: %v", err)
	}

	again, started, err := nav.StartSessionOnce(ctx, "onboarding", "15551234567", "unit-1")
	if err != nil || started {
		t.Fatalf("repeat start: started=%v err=%v", started, err)
	}
	if again.ID != first.ID || again.CurrentScreenID != "pick_service" || again.Answers["ask_name"] != "Ada" {
		t.Errorf("repeat start must return the untouched session, got %+v", again)
	}
	active, _ := st.GetActiveSessionByPhone("15551234567")
	if active == nil || active.ID != first.ID {
		t.Errorf("active session changed: %+v", active)
	}

	other, started, err := nav.StartSessionOnce(ctx, "onboarding", "15551234567", "unit-2")
	if err != nil || !started || other.ID == first.ID {
		t.Fatalf("new key should start a new session: started=%v err=%v", started, err)
	}
	if old, _ := st.GetSession(first.ID); old == nil || old.EndedReason == nil || *old.EndedReason != models.EndReasonSuperseded {
		t.Errorf("expected first session superseded, got %+v", old)
	}
}

func TestNavigator_HandleTextConvertsAgainstCurrentScreen(t *testing.T) {
	ctx := context.Background()
	nav, st := newTestNavigator(t, onboardingFlow())
	session, err := nav.StartSession(ctx, "onboarding", "15551234567")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// A numeric reply on a text screen stays text.
	res, err := nav.HandleText(ctx, session.ID, "2")
	if err != nil || !res.OK || res.CurrentScreenID != "pick_service" {
		t.Fatalf("text turn: %+v err=%v", res, err)
	}
	// The same reply on a choice screen selects the second option.
	res, err = nav.HandleText(ctx, session.ID, "2")
	if err != nil || !res.OK || res.CurrentScreenID != "screen_y" {
		t.Fatalf("choice turn: %+v err=%v", res, err)
	}

	got, _ := st.GetSession(session.ID)
	if got.Answers["ask_name"] != "2" || got.Answers["pick_service"] != "svc_b" {
		t.Errorf("unexpected answers: %+v", got.Answers)
	}

	screen, err := nav.Screen("onboarding", "screen_x")
	if err != nil || screen == nil || !screen.Terminal {
		t.Errorf("Screen lookup: %+v err=%v", screen, err)
	}
	if screen, _ := nav.Screen("onboarding", "nope"); screen != nil {
		t.Errorf("unknown screen should be nil, got %+v", screen)
	}
}
