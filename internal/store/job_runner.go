package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler is a function that executes a job's work. It receives the job's
// payload JSON and returns an error if the execution failed.
type JobHandler func(ctx context.Context, payload string) error

// JobRunner periodically claims due jobs from the database and hands them to a
// bounded pool of workers. Jobs whose run_at lies in the future are never
// claimed, so no worker slot is held while a delay elapses.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	workers        int
	slots          chan struct{}
	wg             sync.WaitGroup
	now            func() time.Time
}

const (
	jobRetryBase    = 30 * time.Second
	jobRetryCeiling = 15 * time.Minute
)

// JobRunnerOption configures a JobRunner.
type JobRunnerOption func(*JobRunner)

// WithWorkers sets the number of jobs executed concurrently.
func WithWorkers(n int) JobRunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithStaleThreshold sets how long a job may stay running before startup
// recovery requeues it.
func WithStaleThreshold(d time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if d > 0 {
			r.staleThreshold = d
		}
	}
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	r := &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		workers:        4,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.slots = make(chan struct{}, r.workers)
	return r
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when the process crashed.
// Should be called once at startup.
func (r *JobRunner) RecoverStaleJobs() error {
	staleBefore := r.now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled and
// all in-flight jobs have returned.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval, "workers", r.workers)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping, waiting for in-flight jobs")
			r.wg.Wait()
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// poll claims at most as many due jobs as there are idle workers.
func (r *JobRunner) poll(ctx context.Context) {
	free := r.workers - len(r.slots)
	if free <= 0 {
		return
	}
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(now, free)
	if err != nil {
		slog.Error("JobRunner.poll: claim failed", "error", err)
		return
	}

	for _, job := range jobs {
		r.slots <- struct{}{}
		r.wg.Add(1)
		go func(job Job) {
			defer func() {
				<-r.slots
				r.wg.Done()
			}()
			r.execute(ctx, job)
		}(job)
	}
}

func (r *JobRunner) execute(ctx context.Context, job Job) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("JobRunner.execute: no handler for job kind", "kind", job.Kind, "id", job.ID)
		if err := r.repo.FailJob(job.ID, "no handler registered for kind: "+job.Kind, r.now().Add(jobRetryCeiling)); err != nil {
			slog.Error("JobRunner.execute: fail job error", "id", job.ID, "error", err)
		}
		return
	}

	slog.Debug("JobRunner.execute: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	if err := handler(ctx, job.PayloadJSON); err != nil {
		slog.Error("JobRunner.execute: job execution failed", "id", job.ID, "kind", job.Kind, "error", err)
		retryAt := r.now().Add(retryDelay(jobRetryBase, job.Attempt, jobRetryCeiling))
		if err := r.repo.FailJob(job.ID, err.Error(), retryAt); err != nil {
			slog.Error("JobRunner.execute: fail job error", "id", job.ID, "error", err)
		}
		return
	}
	if err := r.repo.CompleteJob(job.ID); err != nil {
		slog.Error("JobRunner.execute: complete job error", "id", job.ID, "error", err)
	}
	slog.Debug("JobRunner.execute: job completed", "id", job.ID, "kind", job.Kind)
}
