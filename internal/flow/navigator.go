package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/sessionlock"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/google/uuid"
)

// Navigator owns session progression. Every mutation of a session happens
// under the session's lock, so turns of one session never interleave.
type Navigator struct {
	flows    store.FlowRepo
	sessions store.SessionRepo
	locker   sessionlock.Locker
	now      func() time.Time
}

// NavigatorOption configures a Navigator.
type NavigatorOption func(*Navigator)

// WithLocker replaces the default in-process session lock.
func WithLocker(l sessionlock.Locker) NavigatorOption {
	return func(n *Navigator) { n.locker = l }
}

// WithClock overrides the time source used for history timestamps.
func WithClock(now func() time.Time) NavigatorOption {
	return func(n *Navigator) { n.now = now }
}

func NewNavigator(flows store.FlowRepo, sessions store.SessionRepo, opts ...NavigatorOption) *Navigator {
	n := &Navigator{
		flows:    flows,
		sessions: sessions,
		locker:   sessionlock.NewMemoryLocker(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// StartSession begins flowID for phone at the flow's start screen. An active
// session of the same phone is ended as superseded first.
func (n *Navigator) StartSession(ctx context.Context, flowID, phone string) (*models.SessionContext, error) {
	return n.start(ctx, flowID, phone, "")
}

// StartSessionOnce is StartSession for work that may be delivered more than
// once. A session already created under key is returned with started=false,
// ended or not, and nothing else changes.
func (n *Navigator) StartSessionOnce(ctx context.Context, flowID, phone, key string) (*models.SessionContext, bool, error) {
	if key == "" {
		session, err := n.start(ctx, flowID, phone, "")
		return session, err == nil, err
	}
	unlock, err := n.locker.Lock(ctx, "start:"+key)
	if err != nil {
		return nil, false, fmt.Errorf("lock start key %s: %w", key, err)
	}
	defer unlock()

	existing, err := n.sessions.GetSessionByStartKey(key)
	if err != nil {
		return nil, false, fmt.Errorf("look up session for start key %s: %w", key, err)
	}
	if existing != nil {
		slog.Info("Navigator.StartSessionOnce: already started", "startKey", key, "sessionID", existing.ID)
		return existing, false, nil
	}
	session, err := n.start(ctx, flowID, phone, key)
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

func (n *Navigator) start(ctx context.Context, flowID, phone, key string) (*models.SessionContext, error) {
	def, err := n.flows.GetFlow(flowID)
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", flowID, err)
	}
	if def == nil {
		slog.Warn("Navigator.StartSession: flow not found", "flowID", flowID)
		return nil, fmt.Errorf("%w: %s", models.ErrFlowNotFound, flowID)
	}
	start, _ := def.StartScreen()
	if start == nil {
		return nil, fmt.Errorf("%w: flow %s has no start screen", models.ErrInvalidFlow, flowID)
	}

	if phone != "" {
		active, err := n.sessions.GetActiveSessionByPhone(phone)
		if err != nil {
			return nil, fmt.Errorf("look up active session for %s: %w", phone, err)
		}
		if active != nil {
			if _, err := n.Cancel(ctx, active.ID, models.EndReasonSuperseded); err != nil {
				return nil, err
			}
		}
	}

	now := n.now()
	session := models.SessionContext{
		ID:              uuid.NewString(),
		FlowID:          def.ID,
		Phone:           phone,
		CurrentScreenID: start.ID,
		Answers:         make(map[string]any),
		StartKey:        key,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	session.Record(now, models.EventFlowStarted, start.ID, nil)
	n.arrive(ctx, &session, start, now)

	if err := n.sessions.CreateSession(session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	slog.Info("Navigator.StartSession: session started", "sessionID", session.ID, "flowID", flowID, "screenID", start.ID)
	return &session, nil
}

// HandleInput applies one input to the session's current screen. A rejected
// input leaves the current screen and answers untouched and is reported in
// the result rather than as an error.
func (n *Navigator) HandleInput(ctx context.Context, sessionID string, raw any) (models.TurnResult, error) {
	return n.turn(ctx, sessionID, func(models.ScreenDefinition) any { return raw })
}

// HandleText applies a chat reply. The reply is converted with InputFromText
// against the screen that is current once the turn holds the session lock.
func (n *Navigator) HandleText(ctx context.Context, sessionID, text string) (models.TurnResult, error) {
	return n.turn(ctx, sessionID, func(screen models.ScreenDefinition) any { return InputFromText(screen, text) })
}

// Screen returns screenID of flowID, or nil when either is unknown.
func (n *Navigator) Screen(flowID, screenID string) (*models.ScreenDefinition, error) {
	def, err := n.flows.GetFlow(flowID)
	if err != nil || def == nil {
		return nil, err
	}
	screen, _ := def.Screen(screenID)
	return screen, nil
}

func (n *Navigator) turn(ctx context.Context, sessionID string, input func(models.ScreenDefinition) any) (models.TurnResult, error) {
	unlock, err := n.locker.Lock(ctx, sessionID)
	if err != nil {
		return models.TurnResult{}, fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	defer unlock()

	session, def, err := n.load(sessionID)
	if err != nil {
		return models.TurnResult{}, err
	}
	if session.Ended() {
		return models.TurnResult{CurrentScreenID: session.CurrentScreenID, Ended: true}, models.ErrSessionEnded
	}

	now := n.now()
	screen, idx := def.Screen(session.CurrentScreenID)
	if screen == nil {
		slog.Warn("Navigator.HandleInput: current screen missing from flow, ending session",
			"sessionID", sessionID, "flowID", def.ID, "screenID", session.CurrentScreenID)
		n.end(session, now, models.EndReasonInvalidScreen)
		return n.save(session, now, models.TurnResult{CurrentScreenID: session.CurrentScreenID, Ended: true})
	}

	comp := NewComponent(*screen)
	n.enter(ctx, session, comp)

	res := comp.Validate(input(*screen))
	if !res.OK {
		slog.Debug("Navigator.HandleInput: input rejected", "sessionID", sessionID, "screenID", screen.ID, "code", res.Code)
		session.Record(now, models.EventValidationFailed, screen.ID, map[string]any{"error_code": string(res.Code)})
		return n.save(session, now, models.TurnResult{ErrorCode: res.Code, CurrentScreenID: screen.ID})
	}

	session.Answers[screen.ID] = res.Value
	if err := callHook(func() error { return comp.OnLeave(ctx, hookContext(session), res.Value) }); err != nil {
		slog.Warn("Navigator.HandleInput: OnLeave hook failed", "sessionID", sessionID, "screenID", screen.ID, "error", err)
	}
	n.advance(ctx, session, def, idx, comp.ResolveNext(res.Value), now)

	return n.save(session, now, models.TurnResult{OK: true, CurrentScreenID: session.CurrentScreenID, Ended: session.Ended()})
}

// Cancel ends a session. Cancelling an ended session is a no-op.
func (n *Navigator) Cancel(ctx context.Context, sessionID, reason string) (*models.SessionContext, error) {
	if reason == "" {
		reason = models.EndReasonCancelled
	}
	unlock, err := n.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	defer unlock()

	session, err := n.sessions.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session == nil {
		slog.Warn("Navigator.Cancel: session not found", "sessionID", sessionID)
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
	if session.Ended() {
		return session, nil
	}
	now := n.now()
	n.end(session, now, reason)
	if _, err := n.save(session, now, models.TurnResult{}); err != nil {
		return nil, err
	}
	slog.Info("Navigator.Cancel: session ended", "sessionID", sessionID, "reason", reason)
	return session, nil
}

// CurrentScreen returns the session and the definition of its current screen.
// The screen is nil when the flow no longer declares it.
func (n *Navigator) CurrentScreen(ctx context.Context, sessionID string) (*models.SessionContext, *models.ScreenDefinition, error) {
	session, def, err := n.load(sessionID)
	if err != nil {
		return nil, nil, err
	}
	screen, _ := def.Screen(session.CurrentScreenID)
	return session, screen, nil
}

func (n *Navigator) load(sessionID string) (*models.SessionContext, *models.FlowDefinition, error) {
	session, err := n.sessions.GetSession(sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session == nil {
		slog.Warn("Navigator: session not found", "sessionID", sessionID)
		return nil, nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
	def, err := n.flows.GetFlow(session.FlowID)
	if err != nil {
		return nil, nil, fmt.Errorf("load flow %s: %w", session.FlowID, err)
	}
	if def == nil {
		slog.Warn("Navigator: flow of session not found", "sessionID", sessionID, "flowID", session.FlowID)
		return nil, nil, fmt.Errorf("%w: %s", models.ErrFlowNotFound, session.FlowID)
	}
	return session, def, nil
}

func (n *Navigator) save(session *models.SessionContext, now time.Time, result models.TurnResult) (models.TurnResult, error) {
	session.UpdatedAt = now
	if err := n.sessions.SaveSession(*session); err != nil {
		return models.TurnResult{}, fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return result, nil
}

// advance applies a transition. Targets that do not exist in the flow and
// fallbacks both resolve to the next declared screen, or the end of the flow.
func (n *Navigator) advance(ctx context.Context, session *models.SessionContext, def *models.FlowDefinition, idx int, tr Transition, now time.Time) {
	if tr.Kind == TransitionGoto {
		if target, _ := def.Screen(tr.Target); target == nil {
			slog.Warn("Navigator.advance: unknown target screen, using sequential fallback",
				"sessionID", session.ID, "screenID", session.CurrentScreenID, "target", tr.Target)
			tr = Transition{Kind: TransitionFallback}
		}
	}
	if tr.Kind == TransitionFallback {
		if idx+1 < len(def.Screens) {
			tr = Transition{Kind: TransitionGoto, Target: def.Screens[idx+1].ID}
		} else {
			tr = Transition{Kind: TransitionEnd}
		}
	}

	if tr.Kind == TransitionEnd {
		n.end(session, now, models.EndReasonCompleted)
		return
	}

	from := session.CurrentScreenID
	target, _ := def.Screen(tr.Target)
	session.CurrentScreenID = target.ID
	session.EnteredScreenID = ""
	session.Record(now, models.EventScreenTransition, target.ID, map[string]any{"from": from})
	n.arrive(ctx, session, target, now)
}

// arrive fires the enter hook of a newly current screen and ends the session
// on terminal screens.
func (n *Navigator) arrive(ctx context.Context, session *models.SessionContext, screen *models.ScreenDefinition, now time.Time) {
	n.enter(ctx, session, NewComponent(*screen))
	if screen.Terminal {
		n.end(session, now, models.EndReasonCompleted)
	}
}

func (n *Navigator) enter(ctx context.Context, session *models.SessionContext, comp ScreenComponent) {
	if session.EnteredScreenID == session.CurrentScreenID {
		return
	}
	if err := callHook(func() error { return comp.OnEnter(ctx, hookContext(session)) }); err != nil {
		slog.Warn("Navigator: OnEnter hook failed", "sessionID", session.ID, "screenID", session.CurrentScreenID, "error", err)
	}
	session.EnteredScreenID = session.CurrentScreenID
}

func (n *Navigator) end(session *models.SessionContext, now time.Time, reason string) {
	r := reason
	session.EndedReason = &r
	session.Record(now, models.EventFlowEnded, session.CurrentScreenID, map[string]any{"reason": reason})
}

func hookContext(s *models.SessionContext) HookContext {
	return HookContext{SessionID: s.ID, FlowID: s.FlowID, Phone: s.Phone, ScreenID: s.CurrentScreenID}
}

// callHook runs a lifecycle hook, converting a panic into an error.
func callHook(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return fn()
}
