package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/util"
)

const outboxColumns = `id, phone, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

var _ OutboxRepo = (*sqlQueue)(nil)

func (q *sqlQueue) EnqueueOutboxMessage(phone, kind, payloadJSON, dedupeKey string) (string, error) {
	id := util.NewOutboxID()
	now := time.Now().UTC()
	res, err := q.exec(
		`INSERT INTO outbox_messages (id, phone, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		id, phone, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue %s message to %s: %w", kind, phone, err)
	}
	if n, _ := res.RowsAffected(); n == 0 && dedupeKey != "" {
		var existing string
		if err := q.queryRow(`SELECT id FROM outbox_messages WHERE dedupe_key = ?`, dedupeKey).Scan(&existing); err != nil {
			return "", fmt.Errorf("look up message with dedupe key %s: %w", dedupeKey, err)
		}
		slog.Debug(q.dialect.name+".EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existing)
		return existing, nil
	}
	slog.Debug(q.dialect.name+".EnqueueOutboxMessage", "id", id, "phone", phone, "kind", kind)
	return id, nil
}

func (q *sqlQueue) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	var msgs []OutboxMessage
	err := q.claimTx(
		`SELECT id FROM outbox_messages
		 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
		`SELECT `+outboxColumns+` FROM outbox_messages WHERE id = ?`,
		now.UTC(), limit,
		func(row rowScanner) error {
			m, err := scanOutboxMessage(row)
			if err != nil {
				return err
			}
			msgs = append(msgs, m)
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages: %w", err)
	}
	return msgs, nil
}

func (q *sqlQueue) MarkOutboxMessageSent(id string) error {
	if _, err := q.exec(
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, last_error = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("mark message %s sent: %w", id, err)
	}
	return nil
}

func (q *sqlQueue) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	if _, err := q.exec(
		`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("requeue message %s: %w", id, err)
	}
	return nil
}

func (q *sqlQueue) AbandonOutboxMessage(id string, errMsg string) error {
	if _, err := q.exec(
		`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("abandon message %s: %w", id, err)
	}
	return nil
}

func (q *sqlQueue) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	res, err := q.exec(
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
