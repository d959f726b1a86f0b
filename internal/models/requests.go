package models

import (
	"errors"
	"strings"
)

// StartSessionRequest is the body of POST /sessions.
type StartSessionRequest struct {
	FlowID string `json:"flow_id"`
	Phone  string `json:"phone,omitempty"`
}

func (r StartSessionRequest) Validate() error {
	if strings.TrimSpace(r.FlowID) == "" {
		return errors.New("flow_id is required")
	}
	return nil
}

// SessionInputRequest is the body of POST /sessions/{id}/input. Input is the
// raw value handed to the current screen.
type SessionInputRequest struct {
	Input any `json:"input"`
}

// CancelSessionRequest is the optional body of POST /sessions/{id}/cancel.
type CancelSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TriggerRequest is the body of POST /automations/{id}/trigger.
type TriggerRequest struct {
	Phone string       `json:"phone"`
	Event EventPayload `json:"event"`
}

func (r TriggerRequest) Validate() error {
	if strings.TrimSpace(r.Phone) == "" {
		return errors.New("phone is required")
	}
	return nil
}

// SessionView is a session together with the prompt of its current screen.
type SessionView struct {
	Session *SessionContext `json:"session"`
	Prompt  string          `json:"prompt,omitempty"`
}
