package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/util"
)

// DefaultJobMaxAttempts is how many times a job runs before it is marked failed.
const DefaultJobMaxAttempts = 3

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

var _ JobRepo = (*sqlQueue)(nil)

func (q *sqlQueue) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := util.NewJobID()
	now := time.Now().UTC()
	res, err := q.exec(
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		id, kind, runAt.UTC(), payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	if n, _ := res.RowsAffected(); n == 0 && dedupeKey != "" {
		var existing string
		if err := q.queryRow(`SELECT id FROM jobs WHERE dedupe_key = ?`, dedupeKey).Scan(&existing); err != nil {
			return "", fmt.Errorf("look up job with dedupe key %s: %w", dedupeKey, err)
		}
		slog.Debug(q.dialect.name+".EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existing)
		return existing, nil
	}
	slog.Debug(q.dialect.name+".EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (q *sqlQueue) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	var jobs []Job
	err := q.claimTx(
		`SELECT id FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
		`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`,
		now.UTC(), limit,
		func(row rowScanner) error {
			j, err := scanJob(row)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	return jobs, nil
}

func (q *sqlQueue) CompleteJob(id string) error {
	if _, err := q.exec(`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

func (q *sqlQueue) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	var attempt, maxAttempts int
	if err := q.queryRow(`SELECT attempt, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempt, &maxAttempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("fail job %s: not found", id)
		}
		return fmt.Errorf("fail job %s: %w", id, err)
	}

	attempt++
	now := time.Now().UTC()
	var err error
	if attempt >= maxAttempts {
		slog.Warn(q.dialect.name+".FailJob: attempts exhausted", "id", id, "attempt", attempt, "error", errMsg)
		_, err = q.exec(
			`UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempt, errMsg, now, id,
		)
	} else {
		_, err = q.exec(
			`UPDATE jobs SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempt, errMsg, nextRunAt.UTC(), now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

func (q *sqlQueue) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	res, err := q.exec(
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *sqlQueue) GetJob(id string) (*Job, error) {
	j, err := scanJob(q.queryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}

// CountJobs returns the number of jobs per status.
func (q *sqlQueue) CountJobs() (map[JobStatus]int, error) {
	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
