// Package automation runs event-triggered automations: it evaluates each
// step's conditions against the triggering event, schedules the qualifying
// steps as independent delayed units, and executes their actions.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// StepUnit is one scheduled execution of a step. Event is the snapshot that
// qualified the step, not the live state at execution time.
type StepUnit struct {
	DispatchID     string              `json:"dispatch_id"`
	AutomationID   string              `json:"automation_id"`
	StepID         string              `json:"step_id"`
	RecipientPhone string              `json:"recipient_phone"`
	Event          models.EventPayload `json:"event"`
}

// IdempotencyKey identifies the unit across redeliveries.
func (u StepUnit) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s", u.DispatchID, u.StepID)
}

// Scheduler submits a unit to the work queue. The unit must not run before
// notBefore.
type Scheduler interface {
	ScheduleStep(ctx context.Context, unit StepUnit, notBefore time.Time) error
}

// ScheduledStep records one step handed to the Scheduler.
type ScheduledStep struct {
	StepID    string    `json:"step_id"`
	NotBefore time.Time `json:"not_before"`
}

// DispatchReport describes what a dispatch did.
type DispatchReport struct {
	AutomationID string          `json:"automation_id"`
	Found        bool            `json:"found"`
	Disabled     bool            `json:"disabled,omitempty"`
	Scheduled    []ScheduledStep `json:"scheduled"`
	Skipped      []string        `json:"skipped"`
}

// Dispatcher decides which steps of an automation qualify for an event and
// schedules them.
type Dispatcher struct {
	automations store.AutomationRepo
	scheduler   Scheduler
	now         func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchClock overrides the time source used for eligibility times.
func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(automations store.AutomationRepo, scheduler Scheduler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		automations: automations,
		scheduler:   scheduler,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch evaluates every step of automationID against event and schedules
// those whose conditions hold, each eligible at now plus its own delay.
// Steps are independent: no order between them is implied. An unknown
// automation is a logged no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, dispatchID, automationID, recipientPhone string, event models.EventPayload) (DispatchReport, error) {
	report := DispatchReport{AutomationID: automationID}

	a, err := d.automations.GetAutomation(automationID)
	if err != nil {
		return report, fmt.Errorf("load automation %s: %w", automationID, err)
	}
	if a == nil {
		slog.Warn("Dispatcher.Dispatch: automation not found", "automationID", automationID, "dispatchID", dispatchID)
		return report, nil
	}
	report.Found = true
	if a.Disabled {
		slog.Info("Dispatcher.Dispatch: automation disabled, skipping", "automationID", automationID)
		report.Disabled = true
		return report, nil
	}

	snapshot, err := event.Snapshot()
	if err != nil {
		return report, fmt.Errorf("snapshot event for %s: %w", automationID, err)
	}

	now := d.now()
	for _, step := range a.Steps {
		if !AllConditionsMet(step.Conditions, snapshot) {
			slog.Debug("Dispatcher.Dispatch: step conditions not met", "automationID", automationID, "stepID", step.ID)
			report.Skipped = append(report.Skipped, step.ID)
			continue
		}
		notBefore := now
		if step.DelayMinutes > 0 {
			notBefore = now.Add(time.Duration(step.DelayMinutes) * time.Minute)
		}
		unit := StepUnit{
			DispatchID:     dispatchID,
			AutomationID:   automationID,
			StepID:         step.ID,
			RecipientPhone: recipientPhone,
			Event:          snapshot,
		}
		if err := d.scheduler.ScheduleStep(ctx, unit, notBefore); err != nil {
			return report, fmt.Errorf("schedule step %s: %w", step.ID, err)
		}
		report.Scheduled = append(report.Scheduled, ScheduledStep{StepID: step.ID, NotBefore: notBefore})
	}

	slog.Info("Dispatcher.Dispatch: automation dispatched", "automationID", automationID, "dispatchID", dispatchID,
		"scheduled", len(report.Scheduled), "skipped", len(report.Skipped))
	return report, nil
}
