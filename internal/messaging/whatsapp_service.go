package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

// messageSource is implemented by clients that deliver inbound messages.
type messageSource interface {
	OnMessage(fn func(models.Response))
}

// WhatsAppService implements Service using the whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client whatsapp.Sender
	source messageSource
	inbox  *inbox
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
// Inbound messages are only received when the sender can deliver them.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		client: client,
		inbox:  newInbox("WhatsAppService"),
	}
	if src, ok := client.(messageSource); ok {
		s.source = src
		slog.Debug("WhatsAppService created with inbound event source")
	} else {
		slog.Debug("WhatsAppService created with send-only client (likely mock)")
	}
	return s
}

// ValidateAndCanonicalizeRecipient canonicalizes a WhatsApp phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start subscribes to inbound messages from the client.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.source == nil {
		slog.Debug("WhatsAppService.Start: no event source, inbound disabled")
		return nil
	}
	s.source.OnMessage(func(r models.Response) {
		canonical, err := CanonicalizePhone(r.From)
		if err != nil {
			slog.Warn("WhatsAppService: ignoring message from invalid sender", "from", r.From, "error", err)
			return
		}
		r.From = canonical
		s.inbox.emit(r)
	})
	slog.Info("WhatsAppService.Start: listening for inbound messages")
	return nil
}

// Stop closes the responses channel and disconnects a live client.
func (s *WhatsAppService) Stop() error {
	if !s.inbox.close() {
		return nil
	}
	if d, ok := s.client.(interface{ Disconnect() }); ok {
		d.Disconnect()
	}
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a text message after canonicalizing the recipient.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService.SendMessage: invalid recipient", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", canonicalTo)
		return err
	}
	slog.Debug("WhatsAppService.SendMessage: sent", "to", canonicalTo, "bodyLength", len(body))
	return nil
}

// Responses returns the channel of inbound messages.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.inbox.responses
}
