// Package models defines the data types shared across FlowPipe: flow and screen
// definitions, session state, automations, inbound messages and the API envelope.
package models

// APIStatus is the top-level outcome of an API call.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
	// APIStatusAccepted means the work was queued and runs asynchronously.
	APIStatusAccepted APIStatus = "accepted"
)

// Response is an inbound message from a contact.
type Response struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	Time      int64  `json:"time"`
	MessageID string `json:"message_id,omitempty"`
}

// APIResponse is the JSON envelope of every API reply. Code is a stable,
// machine-readable error identifier such as "session_ended".
type APIResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// APIResponseBuilder assembles an APIResponse.
type APIResponseBuilder struct {
	response APIResponse
}

func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

func (b *APIResponseBuilder) WithCode(code string) *APIResponseBuilder {
	b.response.Code = code
	return b
}

func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

func (b *APIResponseBuilder) WithResult(result any) *APIResponseBuilder {
	b.response.Result = result
	return b
}

func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success wraps result in an ok envelope.
func Success(result any) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage wraps result in an ok envelope with a human-readable note.
func SuccessWithMessage(message string, result any) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Accepted acknowledges queued work; result usually identifies the job.
func Accepted(result any) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusAccepted).WithResult(result).Build()
}

// Error is an error envelope without a code.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}

// ErrorWithCode is an error envelope carrying a machine-readable code.
func ErrorWithCode(code, message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithCode(code).WithMessage(message).Build()
}

// OutboxKindText is the outbox kind for a plain text message.
const OutboxKindText = "text"

// OutboundMessage is the JSON payload of a text outbox message.
type OutboundMessage struct {
	Body string `json:"body"`
}
