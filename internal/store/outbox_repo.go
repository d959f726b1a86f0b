package store

import (
	"time"
)

// OutboxStatus is the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	// OutboxStatusFailed messages exhausted their attempts and are never retried.
	OutboxStatusFailed OutboxStatus = "failed"
)

// OutboxMessage is a durable outgoing message to one phone.
type OutboxMessage struct {
	ID            string       `json:"id"`
	Phone         string       `json:"phone"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo persists outgoing messages so replies and action sends survive a
// restart and go out once.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a message for phone. A non-empty dedupeKey
	// is unique: enqueueing it again returns the existing ID, including after
	// the first message was sent.
	EnqueueOutboxMessage(phone, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages marks up to limit queued messages whose
	// next_attempt_at is NULL or <= now as sending and returns them, oldest first.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage records a failed attempt and requeues the message at nextAttemptAt.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error

	// AbandonOutboxMessage records a final failed attempt and stops retrying.
	AbandonOutboxMessage(id string, errMsg string) error

	// RequeueStaleSendingMessages returns messages left sending since before
	// staleBefore to the queue.
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
}
