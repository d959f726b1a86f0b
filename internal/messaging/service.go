// Package messaging connects FlowPipe to a WhatsApp provider: it sends queued
// outbox messages and turns inbound replies into flow input.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer size of the responses channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound message waits for room in the channel.
	DefaultChannelTimeout = 1 * time.Second
	// MinPhoneDigits is the shortest accepted canonical phone number.
	MinPhoneDigits = 6
)

// ErrServiceStopped is returned by SendMessage after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and closes the responses channel.
	Stop() error

	// Responses returns a channel of incoming contact messages.
	Responses() <-chan models.Response
}

// CanonicalizePhone strips every non-digit from recipient and requires at
// least MinPhoneDigits digits.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinPhoneDigits)
	}
	if canonical != recipient {
		slog.Debug("CanonicalizePhone: canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// inbox is the stop-aware responses channel shared by the providers.
type inbox struct {
	name      string
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
}

func newInbox(name string) *inbox {
	return &inbox{
		name:      name,
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// emit pushes a response, dropping it when stopped or when the channel stays
// full past DefaultChannelTimeout.
func (b *inbox) emit(response models.Response) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(b.name+".emit: dropping inbound response, service stopped", "from", response.From)
		return false
	}
	select {
	case b.responses <- response:
		slog.Debug(b.name+".emit: emitted inbound response", "from", response.From, "messageID", response.MessageID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+".emit: responses channel blocked, dropping message", "from", response.From)
		return false
	}
}

// close marks the inbox stopped and closes the channel once. Holding the write
// lock waits out any emit in flight.
func (b *inbox) close() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.stopped = true
	close(b.responses)
	return true
}
