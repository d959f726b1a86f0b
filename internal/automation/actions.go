package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// Built-in action types.
const (
	ActionSendMessage = "send_message"
	ActionTagContact  = "tag_contact"
	ActionWebhook     = "call_webhook"
	ActionMQTTPublish = "mqtt_publish"
	ActionAIMessage   = "ai_message"
	ActionStartFlow   = "start_flow"
)

// DefaultActionTimeout bounds one action when no timeout is configured.
const DefaultActionTimeout = 30 * time.Second

// ErrActionUnavailable is returned by actions whose backing service is not configured.
var ErrActionUnavailable = errors.New("action not configured")

// ActionFunc performs one action type.
type ActionFunc func(ctx context.Context, req ActionRequest) error

// Actions dispatches a step's action to the function registered for its type.
// Every call runs under the registry's timeout.
type Actions struct {
	mu       sync.RWMutex
	handlers map[string]ActionFunc
	timeout  time.Duration
}

// Compile-time check that Actions implements ActionPerformer.
var _ ActionPerformer = (*Actions)(nil)

func NewActions(timeout time.Duration) *Actions {
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	return &Actions{handlers: make(map[string]ActionFunc), timeout: timeout}
}

// Register associates an action type with its function, replacing any previous one.
func (a *Actions) Register(actionType string, fn ActionFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[actionType] = fn
}

// Types returns the registered action types.
func (a *Actions) Types() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	types := make([]string, 0, len(a.handlers))
	for t := range a.handlers {
		types = append(types, t)
	}
	return types
}

func (a *Actions) Perform(ctx context.Context, req ActionRequest) error {
	a.mu.RLock()
	fn, ok := a.handlers[req.Step.Action.Type]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", models.ErrUnknownAction, req.Step.Action.Type)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return fn(ctx, req)
}

// unavailable is registered for action types whose dependency is missing.
func unavailable(actionType string) ActionFunc {
	return func(ctx context.Context, req ActionRequest) error {
		return fmt.Errorf("%w: %s", ErrActionUnavailable, actionType)
	}
}

var paramsValidator = validator.New()

// decodeParams fills out from a step's params map, coercing scalar types, and
// checks its validate tags.
func decodeParams(params map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create params decoder: %w", err)
	}
	if err := decoder.Decode(params); err != nil {
		return fmt.Errorf("invalid action params: %w", err)
	}
	if err := paramsValidator.Struct(out); err != nil {
		return fmt.Errorf("invalid action params: %w", err)
	}
	return nil
}

// eventEnvelope is the JSON body delivered to external systems.
type eventEnvelope struct {
	AutomationID   string              `json:"automation_id"`
	StepID         string              `json:"step_id"`
	RecipientPhone string              `json:"recipient_phone"`
	IdempotencyKey string              `json:"idempotency_key"`
	Event          models.EventPayload `json:"event"`
	SentAt         time.Time           `json:"sent_at"`
}

func envelopeFor(req ActionRequest) eventEnvelope {
	return eventEnvelope{
		AutomationID:   req.Step.AutomationID,
		StepID:         req.Step.ID,
		RecipientPhone: req.RecipientPhone,
		IdempotencyKey: req.IdempotencyKey,
		Event:          req.Event,
		SentAt:         time.Now().UTC(),
	}
}

func logAction(req ActionRequest, msg string, args ...any) {
	attrs := append([]any{"stepID", req.Step.ID, "action", req.Step.Action.Type}, args...)
	slog.Debug("Actions."+req.Step.Action.Type+": "+msg, attrs...)
}

func marshalPayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}
