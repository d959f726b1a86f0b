package automation

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/go-resty/resty/v2"
)

// Publisher publishes a message to a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

// Generator produces a text reply from a system and user prompt.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// FlowStarter starts a conversation flow for a phone at most once per key.
type FlowStarter interface {
	StartSessionOnce(ctx context.Context, flowID, phone, key string) (*models.SessionContext, bool, error)
	CurrentScreen(ctx context.Context, sessionID string) (*models.SessionContext, *models.ScreenDefinition, error)
}

// ActionDeps are the services the built-in actions run against. A nil
// dependency leaves its actions registered but unavailable.
type ActionDeps struct {
	Outbox    store.OutboxRepo
	Contacts  store.ContactRepo
	HTTP      *resty.Client
	Publisher Publisher
	Generator Generator
	Flows     FlowStarter
}

// RegisterBuiltins registers every built-in action on a.
func RegisterBuiltins(a *Actions, deps ActionDeps) {
	if deps.Outbox != nil {
		a.Register(ActionSendMessage, SendMessageAction(deps.Outbox))
	} else {
		a.Register(ActionSendMessage, unavailable(ActionSendMessage))
	}
	if deps.Contacts != nil {
		a.Register(ActionTagContact, TagContactAction(deps.Contacts))
	} else {
		a.Register(ActionTagContact, unavailable(ActionTagContact))
	}
	if deps.HTTP == nil {
		deps.HTTP = resty.New()
	}
	a.Register(ActionWebhook, WebhookAction(deps.HTTP))
	if deps.Publisher != nil {
		a.Register(ActionMQTTPublish, MQTTPublishAction(deps.Publisher))
	} else {
		a.Register(ActionMQTTPublish, unavailable(ActionMQTTPublish))
	}
	if deps.Generator != nil && deps.Outbox != nil {
		a.Register(ActionAIMessage, AIMessageAction(deps.Generator, deps.Outbox))
	} else {
		a.Register(ActionAIMessage, unavailable(ActionAIMessage))
	}
	if deps.Flows != nil && deps.Outbox != nil {
		a.Register(ActionStartFlow, StartFlowAction(deps.Flows, deps.Outbox))
	} else {
		a.Register(ActionStartFlow, unavailable(ActionStartFlow))
	}
}

// enqueueText queues a text message in the outbox. The dedupe key makes
// repeated executions of the same unit send once.
func enqueueText(outbox store.OutboxRepo, to, body, dedupeKey string) (string, error) {
	payload, err := marshalPayload(models.OutboundMessage{Body: body})
	if err != nil {
		return "", err
	}
	id, err := outbox.EnqueueOutboxMessage(to, models.OutboxKindText, string(payload), dedupeKey)
	if err != nil {
		return "", fmt.Errorf("enqueue message to %s: %w", to, err)
	}
	return id, nil
}

type sendMessageParams struct {
	Body string `json:"body" validate:"required"`
}

// SendMessageAction queues params.body for the recipient.
func SendMessageAction(outbox store.OutboxRepo) ActionFunc {
	return func(ctx context.Context, req ActionRequest) error {
		var p sendMessageParams
		if err := decodeParams(req.Step.Action.Params, &p); err != nil {
			return err
		}
		id, err := enqueueText(outbox, req.RecipientPhone, p.Body, req.IdempotencyKey)
		if err != nil {
			return err
		}
		logAction(req, "message queued", "outboxID", id)
		return nil
	}
}

type tagContactParams struct {
	Tag string `json:"tag" validate:"required"`
}

// TagContactAction adds params.tag to the recipient. Tagging twice is a no-op.
func TagContactAction(contacts store.ContactRepo) ActionFunc {
	return func(ctx context.Context, req ActionRequest) error {
		var p tagContactParams
		if err := decodeParams(req.Step.Action.Params, &p); err != nil {
			return err
		}
		if err := contacts.AddContactTag(req.RecipientPhone, p.Tag); err != nil {
			return fmt.Errorf("tag contact %s: %w", req.RecipientPhone, err)
		}
		logAction(req, "contact tagged", "tag", p.Tag)
		return nil
	}
}

type webhookParams struct {
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE get post put patch delete"`
	Headers map[string]string `json:"headers"`
}

// WebhookAction sends the event envelope to params.url. The idempotency key
// is passed in the Idempotency-Key header so receivers can drop redeliveries.
func WebhookAction(client *resty.Client) ActionFunc {
	return func(ctx context.Context, req ActionRequest) error {
		var p webhookParams
		if err := decodeParams(req.Step.Action.Params, &p); err != nil {
			return err
		}
		method := strings.ToUpper(p.Method)
		if method == "" {
			method = http.MethodPost
		}

		r := client.R().
			SetContext(ctx).
			SetHeaders(p.Headers).
			SetHeader("Idempotency-Key", req.IdempotencyKey)
		if method != http.MethodGet {
			r.SetBody(envelopeFor(req))
		}
		resp, err := r.Execute(method, p.URL)
		if err != nil {
			return fmt.Errorf("webhook %s %s: %w", method, p.URL, err)
		}
		if resp.IsError() {
			return fmt.Errorf("webhook %s %s returned %s", method, p.URL, resp.Status())
		}
		logAction(req, "webhook delivered", "url", p.URL, "status", resp.StatusCode())
		return nil
	}
}

type mqttParams struct {
	Topic    string `json:"topic" validate:"required"`
	QoS      int    `json:"qos" validate:"min=0,max=2"`
	Retained bool   `json:"retained"`
}

// MQTTPublishAction publishes the event envelope to params.topic.
func MQTTPublishAction(pub Publisher) ActionFunc {
	return func(ctx context.Context, req ActionRequest) error {
		var p mqttParams
		if err := decodeParams(req.Step.Action.Params, &p); err != nil {
			return err
		}
		payload, err := marshalPayload(envelopeFor(req))
		if err != nil {
			return err
		}
		if err := pub.Publish(ctx, p.Topic, byte(p.QoS), p.Retained, payload); err != nil {
			return fmt.Errorf("publish to %s: %w", p.Topic, err)
		}
		logAction(req, "event published", "topic", p.Topic)
		return nil
	}
}

type aiMessageParams struct {
	SystemPrompt string `json:"system_prompt"`
	UserPrompt   string `json:"user_prompt" validate:"required"`
	IncludeEvent bool   `json:"include_event"`
}

// AIMessageAction generates a reply and queues it for the recipient. A
// redelivered unit may generate again but the outbox sends only the first.
func AIMessageAction(gen Generator, outbox store.OutboxRepo) ActionFunc {
	return func(ctx context.Context, req ActionRequest) error {
		var p aiMessageParams
		if err := decodeParams(req.Step.Action.Params, &p); err != nil {
			return err
		}
		userPrompt := p.UserPrompt
		if p.IncludeEvent {
			data, err := marshalPayload(req.Event)
			if err != nil {
				return err
			}
			userPrompt += "\n\nEvent data: " + string(data)
		}
		reply, err := gen.Generate(ctx, p.SystemPrompt, userPrompt)
		if err != nil {
			return fmt.Errorf("generate reply: %w", err)
		}
		if strings.TrimSpace(reply) == "" {
			return fmt.Errorf("generate reply: empty response")
		}
		id, err := enqueueText(outbox, req.RecipientPhone, reply, req.IdempotencyKey)
		if err != nil {
			return err
		}
		logAction(req, "generated message queued", "outboxID", id)
		return nil
	}
}

type startFlowParams struct {
	FlowID string `json:"flow_id" validate:"required"`
}

// StartFlowAction starts params.flow_id for the recipient and queues the
// first screen's prompt. A redelivered unit finds the session it already
// started and leaves the conversation alone; the prompt is queued again only
// while that session has not moved past its start screen.
func StartFlowAction(flows FlowStarter, outbox store.OutboxRepo) ActionFunc {
	return func(ctx context.Context, req ActionRequest) error {
		var p startFlowParams
		if err := decodeParams(req.Step.Action.Params, &p); err != nil {
			return err
		}
		session, started, err := flows.StartSessionOnce(ctx, p.FlowID, req.RecipientPhone, req.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("start flow %s: %w", p.FlowID, err)
		}
		if !started && (session.Ended() || len(session.History) > 1) {
			logAction(req, "flow already started by this unit", "flowID", p.FlowID, "sessionID", session.ID)
			return nil
		}
		_, screen, err := flows.CurrentScreen(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("load start screen of %s: %w", p.FlowID, err)
		}
		if screen != nil {
			if prompt := flow.RenderPrompt(*screen); prompt != "" {
				if _, err := enqueueText(outbox, req.RecipientPhone, prompt, req.IdempotencyKey); err != nil {
					return err
				}
			}
		}
		logAction(req, "flow started", "flowID", p.FlowID, "sessionID", session.ID)
		return nil
	}
}
