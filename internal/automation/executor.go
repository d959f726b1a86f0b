package automation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// ActionRequest is everything an action needs to run once for one unit.
type ActionRequest struct {
	Step           models.AutomationStep
	RecipientPhone string
	Event          models.EventPayload
	// IdempotencyKey is stable across redeliveries of the same unit.
	IdempotencyKey string
}

// ActionPerformer performs the action a step declares.
type ActionPerformer interface {
	Perform(ctx context.Context, req ActionRequest) error
}

// Executor runs scheduled units.
type Executor struct {
	steps     store.AutomationRepo
	performer ActionPerformer
}

func NewExecutor(steps store.AutomationRepo, performer ActionPerformer) *Executor {
	return &Executor{steps: steps, performer: performer}
}

// Execute re-loads the unit's step and performs its action. Conditions are
// not evaluated again. A step deleted since scheduling makes this a no-op.
func (e *Executor) Execute(ctx context.Context, unit StepUnit) error {
	step, err := e.steps.GetAutomationStep(unit.AutomationID, unit.StepID)
	if err != nil {
		return fmt.Errorf("load step %s/%s: %w", unit.AutomationID, unit.StepID, err)
	}
	if step == nil {
		slog.Warn("Executor.Execute: step no longer exists, skipping", "automationID", unit.AutomationID, "stepID", unit.StepID, "dispatchID", unit.DispatchID)
		return nil
	}

	req := ActionRequest{
		Step:           *step,
		RecipientPhone: unit.RecipientPhone,
		Event:          unit.Event,
		IdempotencyKey: "action:" + unit.IdempotencyKey(),
	}
	if err := e.performer.Perform(ctx, req); err != nil {
		slog.Error("Executor.Execute: action failed", "stepID", step.ID, "action", step.Action.Type, "error", err)
		return &models.ActionExecutionError{StepID: step.ID, ActionType: step.Action.Type, Err: err}
	}
	slog.Info("Executor.Execute: action performed", "stepID", step.ID, "action", step.Action.Type, "to", unit.RecipientPhone)
	return nil
}
