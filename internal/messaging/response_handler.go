package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Navigator is the part of flow.Navigator the response handler drives.
type Navigator interface {
	StartSession(ctx context.Context, flowID, phone string) (*models.SessionContext, error)
	HandleText(ctx context.Context, sessionID, text string) (models.TurnResult, error)
	CurrentScreen(ctx context.Context, sessionID string) (*models.SessionContext, *models.ScreenDefinition, error)
	Screen(flowID, screenID string) (*models.ScreenDefinition, error)
}

// ResponseHandlerOption configures a ResponseHandler.
type ResponseHandlerOption func(*ResponseHandler)

// WithDedup drops inbound messages whose provider message id was already seen.
func WithDedup(repo store.DedupRepo) ResponseHandlerOption {
	return func(rh *ResponseHandler) { rh.dedup = repo }
}

// WithDefaultFlow starts flowID for contacts that write in without an active session.
func WithDefaultFlow(flowID string) ResponseHandlerOption {
	return func(rh *ResponseHandler) { rh.defaultFlow = flowID }
}

// ResponseHandler routes inbound messages to the sender's active session and
// queues the reply: a re-prompt after a rejected answer, the next screen's
// prompt after an accepted one.
type ResponseHandler struct {
	msgService  Service
	navigator   Navigator
	sessions    store.SessionRepo
	outbox      store.OutboxRepo
	dedup       store.DedupRepo
	defaultFlow string
}

// NewResponseHandler creates a ResponseHandler reading from msgService.
func NewResponseHandler(msgService Service, nav Navigator, sessions store.SessionRepo, outbox store.OutboxRepo, opts ...ResponseHandlerOption) *ResponseHandler {
	rh := &ResponseHandler{
		msgService: msgService,
		navigator:  nav,
		sessions:   sessions,
		outbox:     outbox,
	}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// ProcessResponse handles one inbound message.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	from, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler.ProcessResponse: invalid sender", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}

	if rh.dedup != nil && response.MessageID != "" {
		fresh, err := rh.dedup.RecordInbound(response.MessageID, from)
		if err != nil {
			return fmt.Errorf("record inbound %s: %w", response.MessageID, err)
		}
		if !fresh {
			slog.Info("ResponseHandler.ProcessResponse: duplicate message dropped", "messageID", response.MessageID, "from", from)
			return nil
		}
	}

	reply, err := rh.converse(ctx, from, response.Body)
	if err != nil {
		return err
	}
	if reply != "" {
		if err := rh.enqueue(from, reply, response.MessageID); err != nil {
			return err
		}
	}

	if rh.dedup != nil && response.MessageID != "" {
		if err := rh.dedup.MarkProcessed(response.MessageID); err != nil {
			slog.Warn("ResponseHandler.ProcessResponse: mark processed failed", "messageID", response.MessageID, "error", err)
		}
	}
	return nil
}

// converse applies text to the active session of phone and returns the reply
// to send, or "" when there is nothing to say.
func (rh *ResponseHandler) converse(ctx context.Context, phone, text string) (string, error) {
	active, err := rh.sessions.GetActiveSessionByPhone(phone)
	if err != nil {
		return "", fmt.Errorf("look up session for %s: %w", phone, err)
	}
	if active == nil {
		return rh.startDefault(ctx, phone)
	}

	res, err := rh.navigator.HandleText(ctx, active.ID, text)
	if errors.Is(err, models.ErrSessionEnded) {
		slog.Debug("ResponseHandler: session ended before input was applied", "sessionID", active.ID, "phone", phone)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("handle input for session %s: %w", active.ID, err)
	}

	// Prompts follow the screen the turn ended on, not whatever is current now.
	screen, err := rh.navigator.Screen(active.FlowID, res.CurrentScreenID)
	if err != nil {
		return "", fmt.Errorf("load screen %s of flow %s: %w", res.CurrentScreenID, active.FlowID, err)
	}
	if !res.OK && res.ErrorCode != "" {
		msg := flow.ValidationMessage(res.ErrorCode)
		if screen != nil {
			msg += "\n\n" + flow.RenderPrompt(*screen)
		}
		return msg, nil
	}

	if screen == nil || (res.Ended && !screen.Terminal) {
		slog.Info("ResponseHandler: session ended", "sessionID", active.ID, "phone", phone)
		return "", nil
	}
	return flow.RenderPrompt(*screen), nil
}

func (rh *ResponseHandler) startDefault(ctx context.Context, phone string) (string, error) {
	if rh.defaultFlow == "" {
		slog.Info("ResponseHandler: no active session, message ignored", "phone", phone)
		return "", nil
	}
	session, err := rh.navigator.StartSession(ctx, rh.defaultFlow, phone)
	if err != nil {
		return "", fmt.Errorf("start default flow %s for %s: %w", rh.defaultFlow, phone, err)
	}
	_, screen, err := rh.navigator.CurrentScreen(ctx, session.ID)
	if err != nil {
		return "", err
	}
	if screen == nil {
		return "", nil
	}
	return flow.RenderPrompt(*screen), nil
}

// enqueue queues reply for phone. The inbound message id keys the outbox entry
// so a redelivered message is answered once.
func (rh *ResponseHandler) enqueue(phone, reply, messageID string) error {
	payload, err := json.Marshal(models.OutboundMessage{Body: reply})
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	key := ""
	if messageID != "" {
		key = "reply:" + messageID
	}
	if _, err := rh.outbox.EnqueueOutboxMessage(phone, models.OutboxKindText, string(payload), key); err != nil {
		return fmt.Errorf("enqueue reply to %s: %w", phone, err)
	}
	return nil
}

// Start consumes the service's responses until ctx is done or the channel closes.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")
	go func() {
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				if err := rh.ProcessResponse(ctx, response); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// NewOutboxSendFunc returns the OutboxSender callback that delivers text
// messages through svc.
func NewOutboxSendFunc(svc Service) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		switch strings.TrimSpace(msg.Kind) {
		case models.OutboxKindText:
			var out models.OutboundMessage
			if err := json.Unmarshal([]byte(msg.PayloadJSON), &out); err != nil {
				return fmt.Errorf("decode outbox message %s: %w", msg.ID, err)
			}
			return svc.SendMessage(ctx, msg.Phone, out.Body)
		default:
			return fmt.Errorf("unsupported outbox kind %q", msg.Kind)
		}
	}
}
