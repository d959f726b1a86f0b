package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "flowpipe_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(tempDir, "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// runFor runs fn until d elapses and waits for it to return.
func runFor(d time.Duration, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	done := make(chan struct{})
	go func() {
		fn(ctx)
		close(done)
	}()
	<-done
}

func TestSQLiteStore_JobRepo_EnqueueAndGet(t *testing.T) {
	s := newTestSQLiteStore(t)

	id, err := s.EnqueueJob("automation_step", time.Now().Add(time.Hour), `{"step_id":"s1"}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	job, err := s.GetJob(id)
	if err != nil || job == nil {
		t.Fatalf("GetJob failed: %v (job=%v)", err, job)
	}
	if job.Kind != "automation_step" || job.Status != JobStatusQueued || job.PayloadJSON != `{"step_id":"s1"}` {
		t.Errorf("unexpected job: %+v", job)
	}

	missing, err := s.GetJob("job_missing")
	if err != nil || missing != nil {
		t.Errorf("expected (nil, nil) for missing job, got (%v, %v)", missing, err)
	}
}

func TestSQLiteStore_JobRepo_DedupeKey(t *testing.T) {
	s := newTestSQLiteStore(t)
	runAt := time.Now().Add(time.Hour)

	id1, err := s.EnqueueJob("automation_step", runAt, `{}`, "step:d1:s1")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	id2, _ := s.EnqueueJob("automation_step", runAt, `{}`, "step:d1:s1")
	if id2 != id1 {
		t.Errorf("expected dedupe to return %q, got %q", id1, id2)
	}
	id3, _ := s.EnqueueJob("automation_step", runAt, `{}`, "step:d1:s2")
	if id3 == id1 {
		t.Error("expected a new job for a different dedupe key")
	}

	// A retried dispatch must not reschedule a step that already ran.
	if err := s.CompleteJob(id1); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	id4, _ := s.EnqueueJob("automation_step", runAt, `{}`, "step:d1:s1")
	if id4 != id1 {
		t.Errorf("expected the completed job %q to keep its key, got %q", id1, id4)
	}

	// Jobs without a key never collide.
	a, _ := s.EnqueueJob("automation_dispatch", runAt, `{}`, "")
	b, _ := s.EnqueueJob("automation_dispatch", runAt, `{}`, "")
	if a == b {
		t.Error("expected distinct jobs for empty dedupe keys")
	}
}

func TestSQLiteStore_JobRepo_ClaimOnlyDueJobs(t *testing.T) {
	s := newTestSQLiteStore(t)

	if _, err := s.EnqueueJob("due", time.Now().Add(-time.Hour), `{}`, ""); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if _, err := s.EnqueueJob("later", time.Now().Add(time.Hour), `{}`, ""); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	jobs, err := s.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Kind != "due" || jobs[0].Status != JobStatusRunning {
		t.Fatalf("expected only the due job to be claimed, got %+v", jobs)
	}

	again, _ := s.ClaimDueJobs(time.Now(), 10)
	if len(again) != 0 {
		t.Errorf("expected a running job not to be claimed twice, got %d", len(again))
	}
}

func TestSQLiteStore_JobRepo_FailRetryAndExhaust(t *testing.T) {
	s := newTestSQLiteStore(t)

	id, _ := s.EnqueueJob("flaky", time.Now().Add(-time.Minute), `{}`, "")
	s.ClaimDueJobs(time.Now(), 10)
	if err := s.FailJob(id, "transient error", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}
	job, _ := s.GetJob(id)
	if job.Status != JobStatusQueued || job.Attempt != 1 || job.LastError != "transient error" {
		t.Errorf("unexpected job after first failure: %+v", job)
	}

	for i := 0; i < 2; i++ {
		if err := s.FailJob(id, "persistent error", time.Now()); err != nil {
			t.Fatalf("FailJob %d failed: %v", i, err)
		}
	}
	job, _ = s.GetJob(id)
	if job.Status != JobStatusFailed || job.Attempt != 3 {
		t.Errorf("expected job to fail permanently after 3 attempts, got %+v", job)
	}
}

func TestSQLiteStore_JobRepo_RequeueStaleAndCount(t *testing.T) {
	s := newTestSQLiteStore(t)

	s.EnqueueJob("later", time.Now().Add(time.Hour), `{}`, "")
	staleID, _ := s.EnqueueJob("stale", time.Now().Add(-time.Hour), `{}`, "")
	s.ClaimDueJobs(time.Now(), 10)
	n, err := s.RequeueStaleRunningJobs(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleRunningJobs failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 requeued job, got %d", n)
	}
	if job, _ := s.GetJob(staleID); job.Status != JobStatusQueued {
		t.Errorf("expected queued after requeue, got %q", job.Status)
	}

	counts, err := s.CountJobs()
	if err != nil {
		t.Fatalf("CountJobs failed: %v", err)
	}
	if counts[JobStatusQueued] != 2 || counts[JobStatusRunning] != 0 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestSQLiteStore_OutboxRepo_Lifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)

	id, err := s.EnqueueOutboxMessage("15551234567", "text", `{"body":"Hello"}`, "")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	msgs, err := s.ClaimDueOutboxMessages(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Phone != "15551234567" || msgs[0].Status != OutboxStatusSending {
		t.Fatalf("unexpected claim result: %+v", msgs)
	}

	if err := s.FailOutboxMessage(id, "send error", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("FailOutboxMessage failed: %v", err)
	}
	msgs, _ = s.ClaimDueOutboxMessages(time.Now(), 10)
	if len(msgs) != 1 || msgs[0].Attempts != 1 {
		t.Fatalf("expected the failed message to be retried, got %+v", msgs)
	}

	if err := s.MarkOutboxMessageSent(id); err != nil {
		t.Fatalf("MarkOutboxMessageSent failed: %v", err)
	}
	if msgs, _ := s.ClaimDueOutboxMessages(time.Now(), 10); len(msgs) != 0 {
		t.Errorf("expected nothing to claim after send, got %d", len(msgs))
	}
}

func TestSQLiteStore_OutboxRepo_DedupeCoversSentMessages(t *testing.T) {
	s := newTestSQLiteStore(t)

	id1, _ := s.EnqueueOutboxMessage("15551234567", "text", `{}`, "action:d1:s1")
	id2, _ := s.EnqueueOutboxMessage("15551234567", "text", `{}`, "action:d1:s1")
	if id1 != id2 {
		t.Fatalf("expected duplicate enqueue to return %q, got %q", id1, id2)
	}

	s.ClaimDueOutboxMessages(time.Now(), 10)
	if err := s.MarkOutboxMessageSent(id1); err != nil {
		t.Fatalf("MarkOutboxMessageSent failed: %v", err)
	}
	id3, _ := s.EnqueueOutboxMessage("15551234567", "text", `{}`, "action:d1:s1")
	if id3 != id1 {
		t.Errorf("expected a re-executed step not to send twice, got new id %q", id3)
	}
}

func TestSQLiteStore_OutboxRepo_RequeueStale(t *testing.T) {
	s := newTestSQLiteStore(t)

	s.EnqueueOutboxMessage("15551234567", "text", `{}`, "")
	s.ClaimDueOutboxMessages(time.Now(), 10)
	n, err := s.RequeueStaleSendingMessages(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleSendingMessages failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 requeued message, got %d", n)
	}
}

func TestSQLiteStore_DedupRepo(t *testing.T) {
	s := newTestSQLiteStore(t)

	isNew, err := s.RecordInbound("wamid-1", "15551234567")
	if err != nil || !isNew {
		t.Fatalf("expected first record to be new, got %v err=%v", isNew, err)
	}
	isNew, err = s.RecordInbound("wamid-1", "15551234567")
	if err != nil || isNew {
		t.Errorf("expected second record to be a duplicate, got %v err=%v", isNew, err)
	}
	if err := s.MarkProcessed("wamid-1"); err != nil {
		t.Errorf("MarkProcessed failed: %v", err)
	}
	if _, err := s.RecordInbound("wamid-2", "15551234567"); err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}

	// Only processed records are purged.
	n, err := s.PurgeInbound(time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged record, got %d err=%v", n, err)
	}
	isNew, _ = s.RecordInbound("wamid-2", "15551234567")
	if isNew {
		t.Error("expected the unprocessed record to survive the purge")
	}
}

func TestJobRunner_ExecutesDueJobsAndRetriesFailures(t *testing.T) {
	s := newTestSQLiteStore(t)
	runner := NewJobRunner(s, 20*time.Millisecond)

	var ok, failed int32
	runner.RegisterHandler("ok", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&ok, 1)
		return nil
	})
	runner.RegisterHandler("boom", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&failed, 1)
		return errors.New("boom")
	})

	okID, _ := s.EnqueueJob("ok", time.Now().Add(-time.Second), `{}`, "")
	boomID, _ := s.EnqueueJob("boom", time.Now().Add(-time.Second), `{}`, "")
	laterID, _ := s.EnqueueJob("ok", time.Now().Add(time.Hour), `{}`, "")

	runFor(300*time.Millisecond, runner.Run)

	if atomic.LoadInt32(&ok) != 1 || atomic.LoadInt32(&failed) != 1 {
		t.Fatalf("expected one run of each due job, got ok=%d boom=%d", ok, failed)
	}
	if job, _ := s.GetJob(okID); job.Status != JobStatusDone {
		t.Errorf("expected done, got %q", job.Status)
	}
	if job, _ := s.GetJob(boomID); job.Status != JobStatusQueued || job.Attempt != 1 || !job.RunAt.After(time.Now()) {
		t.Errorf("expected failed job to be rescheduled with backoff, got %+v", job)
	}
	if job, _ := s.GetJob(laterID); job.Status != JobStatusQueued {
		t.Errorf("expected future job to stay queued, got %q", job.Status)
	}
}

func TestJobRunner_WorkerPoolBoundsConcurrency(t *testing.T) {
	s := newTestSQLiteStore(t)
	runner := NewJobRunner(s, 10*time.Millisecond, WithWorkers(2))

	var running, peak, done int32
	runner.RegisterHandler("slow", func(ctx context.Context, payload string) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		atomic.AddInt32(&done, 1)
		return nil
	})
	for i := 0; i < 6; i++ {
		if _, err := s.EnqueueJob("slow", time.Now().Add(-time.Second), `{}`, ""); err != nil {
			t.Fatalf("EnqueueJob failed: %v", err)
		}
	}

	runFor(600*time.Millisecond, runner.Run)

	if got := atomic.LoadInt32(&done); got != 6 {
		t.Errorf("expected all 6 jobs to run, got %d", got)
	}
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Errorf("expected at most 2 concurrent jobs, saw %d", got)
	}
}

func TestJobRunner_RecoversStaleJobsAfterRestart(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "flowpipe_restart_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)
	dbPath := filepath.Join(tempDir, "test.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	jobID, _ := s1.EnqueueJob("automation_step", time.Now().Add(-time.Second), `{}`, "step:d1:s1")
	// Claimed but never completed: the process died mid-job.
	if jobs, _ := s1.ClaimDueJobs(time.Now(), 10); len(jobs) != 1 {
		t.Fatalf("expected to claim the job")
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (restart) failed: %v", err)
	}
	defer s2.Close()

	var executed int32
	runner := NewJobRunner(s2, 20*time.Millisecond, WithStaleThreshold(time.Millisecond))
	runner.RegisterHandler("automation_step", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})
	time.Sleep(5 * time.Millisecond)
	if err := runner.RecoverStaleJobs(); err != nil {
		t.Fatalf("RecoverStaleJobs failed: %v", err)
	}
	runFor(200*time.Millisecond, runner.Run)

	if atomic.LoadInt32(&executed) != 1 {
		t.Errorf("expected the interrupted job to run once, got %d", executed)
	}
	if job, _ := s2.GetJob(jobID); job.Status != JobStatusDone {
		t.Errorf("expected done after recovery, got %q", job.Status)
	}
}

func TestOutboxSender_SendsQueuedMessages(t *testing.T) {
	s := newTestSQLiteStore(t)

	var sent int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}, 20*time.Millisecond)

	if _, err := s.EnqueueOutboxMessage("15551234567", "text", `{"body":"Hello"}`, ""); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	runFor(200*time.Millisecond, sender.Run)

	if atomic.LoadInt32(&sent) != 1 {
		t.Errorf("expected 1 send, got %d", sent)
	}
}

func TestOutboxSender_AbandonsAfterMaxAttempts(t *testing.T) {
	s := newTestSQLiteStore(t)

	var calls int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("provider down")
	}, time.Hour, WithOutboxMaxAttempts(2))

	id, _ := s.EnqueueOutboxMessage("15551234567", "text", `{}`, "")
	sender.poll(context.Background())

	var status string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts FROM outbox_messages WHERE id = ?`, id).Scan(&status, &attempts); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if status != string(OutboxStatusQueued) || attempts != 1 {
		t.Fatalf("expected a retry after the first failure, got %s/%d", status, attempts)
	}

	// Make the retry due now.
	sender.now = func() time.Time { return time.Now().Add(time.Hour) }
	sender.poll(context.Background())
	if err := s.db.QueryRow(`SELECT status, attempts FROM outbox_messages WHERE id = ?`, id).Scan(&status, &attempts); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if status != string(OutboxStatusFailed) || attempts != 2 {
		t.Errorf("expected the message to be abandoned, got %s/%d", status, attempts)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 send attempts, got %d", calls)
	}
}

func TestDialectRebind(t *testing.T) {
	q := `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`
	if got := sqliteDialect.rebind(q); got != q {
		t.Errorf("sqlite rebind changed the query: %s", got)
	}
	want := `UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`
	if got := postgresDialect.rebind(q); got != want {
		t.Errorf("postgres rebind = %s, want %s", got, want)
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 10 * time.Second},
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{3, 80 * time.Second},
		{10, 10 * time.Minute},
		{40, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := retryDelay(10*time.Second, tt.attempt, 10*time.Minute); got != tt.want {
			t.Errorf("retryDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
