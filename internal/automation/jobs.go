package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/google/uuid"
)

// Job kinds run by the durable job runner.
const (
	JobKindDispatch = "automation_dispatch"
	JobKindStep     = "automation_step"
)

// DispatchPayload is the JSON payload of automation_dispatch jobs.
type DispatchPayload struct {
	DispatchID     string              `json:"dispatch_id"`
	AutomationID   string              `json:"automation_id"`
	RecipientPhone string              `json:"recipient_phone"`
	Event          models.EventPayload `json:"event"`
}

// JobScheduler schedules step units as automation_step jobs with run_at set
// to the unit's eligibility time.
type JobScheduler struct {
	jobs store.JobRepo
}

// Compile-time check that JobScheduler implements Scheduler.
var _ Scheduler = (*JobScheduler)(nil)

func NewJobScheduler(jobs store.JobRepo) *JobScheduler {
	return &JobScheduler{jobs: jobs}
}

// ScheduleStep enqueues unit once per dispatch and step, so a redelivered
// dispatch does not schedule the same step twice.
func (s *JobScheduler) ScheduleStep(ctx context.Context, unit StepUnit, notBefore time.Time) error {
	payload, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("failed to encode step payload: %w", err)
	}
	id, err := s.jobs.EnqueueJob(JobKindStep, notBefore, string(payload), "step:"+unit.IdempotencyKey())
	if err != nil {
		return fmt.Errorf("enqueue step %s: %w", unit.StepID, err)
	}
	slog.Debug("JobScheduler.ScheduleStep: step scheduled", "jobID", id, "stepID", unit.StepID, "notBefore", notBefore)
	return nil
}

// TriggerReceipt acknowledges an accepted trigger.
type TriggerReceipt struct {
	DispatchID string `json:"dispatch_id"`
	JobID      string `json:"job_id"`
}

// Service is the entry point for event producers. Triggers are queued and
// dispatched asynchronously by the job runner.
type Service struct {
	jobs       store.JobRepo
	dispatcher *Dispatcher
	executor   *Executor
}

func NewService(jobs store.JobRepo, automations store.AutomationRepo, performer ActionPerformer, opts ...DispatcherOption) *Service {
	return &Service{
		jobs:       jobs,
		dispatcher: NewDispatcher(automations, NewJobScheduler(jobs), opts...),
		executor:   NewExecutor(automations, performer),
	}
}

// Trigger queues a dispatch of automationID for recipientPhone. The event is
// snapshotted now; later changes by the caller are not seen by any step.
func (s *Service) Trigger(ctx context.Context, automationID, recipientPhone string, event models.EventPayload) (TriggerReceipt, error) {
	snapshot, err := event.Snapshot()
	if err != nil {
		return TriggerReceipt{}, err
	}
	p := DispatchPayload{
		DispatchID:     uuid.NewString(),
		AutomationID:   automationID,
		RecipientPhone: recipientPhone,
		Event:          snapshot,
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return TriggerReceipt{}, fmt.Errorf("failed to encode dispatch payload: %w", err)
	}
	jobID, err := s.jobs.EnqueueJob(JobKindDispatch, time.Now(), string(payload), "dispatch:"+p.DispatchID)
	if err != nil {
		return TriggerReceipt{}, fmt.Errorf("enqueue dispatch of %s: %w", automationID, err)
	}
	slog.Info("Service.Trigger: automation triggered", "automationID", automationID, "dispatchID", p.DispatchID, "jobID", jobID)
	return TriggerReceipt{DispatchID: p.DispatchID, JobID: jobID}, nil
}

// RegisterJobHandlers registers the dispatch and step handlers with runner.
func (s *Service) RegisterJobHandlers(runner *store.JobRunner) {
	runner.RegisterHandler(JobKindDispatch, s.handleDispatch)
	runner.RegisterHandler(JobKindStep, s.handleStep)
}

func (s *Service) handleDispatch(ctx context.Context, payload string) error {
	var p DispatchPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("invalid %s payload: %w", JobKindDispatch, err)
	}
	slog.Info("JobHandler.automation_dispatch: executing", "automationID", p.AutomationID, "dispatchID", p.DispatchID)
	_, err := s.dispatcher.Dispatch(ctx, p.DispatchID, p.AutomationID, p.RecipientPhone, p.Event)
	return err
}

func (s *Service) handleStep(ctx context.Context, payload string) error {
	var unit StepUnit
	if err := json.Unmarshal([]byte(payload), &unit); err != nil {
		return fmt.Errorf("invalid %s payload: %w", JobKindStep, err)
	}
	slog.Info("JobHandler.automation_step: executing", "stepID", unit.StepID, "dispatchID", unit.DispatchID)
	return s.executor.Execute(ctx, unit)
}
