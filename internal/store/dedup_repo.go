package store

import (
	"time"
)

// DefaultInboundRetention is how long processed inbound message ids are kept
// for redelivery detection.
const DefaultInboundRetention = 30 * 24 * time.Hour

// InboundMessage records a provider message id seen from a phone.
type InboundMessage struct {
	MessageID   string     `json:"message_id"`
	Phone       string     `json:"phone"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo drops provider redeliveries of inbound messages.
type DedupRepo interface {
	// RecordInbound stores messageID and reports whether it was new. The check
	// and insert are one statement, so two concurrent deliveries of the same
	// message see exactly one true.
	RecordInbound(messageID, phone string) (bool, error)

	MarkProcessed(messageID string) error

	// PurgeInbound deletes processed records received before cutoff.
	PurgeInbound(cutoff time.Time) (int, error)
}
