package messaging

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

// TwilioSignatureHeader carries the request signature on Twilio webhooks.
const TwilioSignatureHeader = "X-Twilio-Signature"

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhook requests whose X-Twilio-Signature
// does not match authToken. publicURL is the webhook URL as configured in
// Twilio; when empty it is rebuilt from the request.
func WithSignatureValidation(authToken, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		v := client.NewRequestValidator(authToken)
		s.validator = &v
		s.publicURL = publicURL
	}
}

// TwilioService implements Service using the Twilio API. Inbound messages
// arrive through WebhookHandler.
type TwilioService struct {
	client    twiliowhatsapp.Sender
	inbox     *inbox
	validator *client.RequestValidator
	publicURL string
	now       func() time.Time
}

// NewTwilioService creates a new TwilioService around a real or mock Twilio client.
func NewTwilioService(sender twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client: sender,
		inbox:  newInbox("TwilioService"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start is a no-op; Twilio pushes inbound messages to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the responses channel.
func (s *TwilioService) Stop() error {
	if s.inbox.close() {
		slog.Info("TwilioService stopped")
	}
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// Responses returns the channel of inbound messages received by the webhook.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.inbox.responses
}

// WebhookHandler handles inbound Twilio webhook requests and emits them on
// the Responses channel.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil && !s.validSignature(r) {
		slog.Warn("TwilioService.WebhookHandler: signature mismatch", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	from := strings.TrimPrefix(r.PostFormValue("From"), twiliowhatsapp.ChannelPrefix)
	body := r.PostFormValue("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService.WebhookHandler: missing fields", "from", from, "bodyLength", len(body))
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	canonical, err := CanonicalizePhone(from)
	if err != nil {
		slog.Warn("TwilioService.WebhookHandler: invalid sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	s.inbox.emit(models.Response{
		From:      canonical,
		Body:      body,
		Time:      s.now().Unix(),
		MessageID: r.PostFormValue("MessageSid"),
	})

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

func (s *TwilioService) validSignature(r *http.Request) bool {
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return s.validator.Validate(s.requestURL(r), params, r.Header.Get(TwilioSignatureHeader))
}

func (s *TwilioService) requestURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
