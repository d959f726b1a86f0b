package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc delivers one outbox message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

const (
	// DefaultOutboxMaxAttempts is how many sends are tried before a message is abandoned.
	DefaultOutboxMaxAttempts = 5
	outboxRetryBase          = 10 * time.Second
	outboxRetryCeiling       = 10 * time.Minute
)

// OutboxSender claims due outbox messages and delivers them through a send
// function, retrying failures with capped exponential backoff.
type OutboxSender struct {
	repo           OutboxRepo
	send           OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	now            func() time.Time
}

// OutboxSenderOption configures an OutboxSender.
type OutboxSenderOption func(*OutboxSender)

// WithOutboxMaxAttempts sets how many sends are tried per message.
func WithOutboxMaxAttempts(n int) OutboxSenderOption {
	return func(s *OutboxSender) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithClaimLimit bounds how many messages one poll sends.
func WithClaimLimit(n int) OutboxSenderOption {
	return func(s *OutboxSender) {
		if n > 0 {
			s.claimLimit = n
		}
	}
}

func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, pollInterval time.Duration, opts ...OutboxSenderOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	s := &OutboxSender{
		repo:           repo,
		send:           send,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		maxAttempts:    DefaultOutboxMaxAttempts,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues messages a crashed process left in sending.
// Call once at startup, before Run.
func (s *OutboxSender) RecoverStaleMessages() error {
	n, err := s.repo.RequeueStaleSendingMessages(s.now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting", "pollInterval", s.pollInterval, "maxAttempts", s.maxAttempts)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *OutboxSender) poll(ctx context.Context) {
	msgs, err := s.repo.ClaimDueOutboxMessages(s.now(), s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			// Left in sending; RecoverStaleMessages requeues it on the next start.
			return
		}
		s.deliver(ctx, msg)
	}
}

func (s *OutboxSender) deliver(ctx context.Context, msg OutboxMessage) {
	err := s.send(ctx, msg)
	if err == nil {
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.deliver: mark sent failed", "id", msg.ID, "error", err)
		}
		slog.Debug("OutboxSender.deliver: sent", "id", msg.ID, "phone", msg.Phone, "kind", msg.Kind)
		return
	}

	if msg.Attempts+1 >= s.maxAttempts {
		slog.Error("OutboxSender.deliver: giving up", "id", msg.ID, "phone", msg.Phone, "attempts", msg.Attempts+1, "error", err)
		if err := s.repo.AbandonOutboxMessage(msg.ID, err.Error()); err != nil {
			slog.Error("OutboxSender.deliver: abandon failed", "id", msg.ID, "error", err)
		}
		return
	}
	retryAt := s.now().Add(retryDelay(outboxRetryBase, msg.Attempts, outboxRetryCeiling))
	slog.Warn("OutboxSender.deliver: send failed, will retry", "id", msg.ID, "phone", msg.Phone, "retryAt", retryAt, "error", err)
	if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), retryAt); err != nil {
		slog.Error("OutboxSender.deliver: requeue failed", "id", msg.ID, "error", err)
	}
}
