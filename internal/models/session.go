package models

import "time"

// History event names recorded on a session.
const (
	EventFlowStarted      = "flow_started"
	EventValidationFailed = "validation_failed"
	EventScreenTransition = "screen_transition"
	EventFlowEnded        = "flow_ended"
)

// Reasons recorded when a session ends.
const (
	EndReasonCompleted     = "completed"
	EndReasonCancelled     = "cancelled"
	EndReasonSuperseded    = "superseded"
	EndReasonInvalidScreen = "invalid_screen"
)

// HistoryEntry is one append-only record of a session's lifecycle.
type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	ScreenID  string         `json:"screen_id"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// SessionContext is the mutable state of one conversation running a flow.
// EnteredScreenID records which screen last had its enter hook fired so the
// hook runs once per arrival. StartKey, when set, is unique across sessions
// and names the unit of work that started the session.
type SessionContext struct {
	ID              string         `json:"id"`
	FlowID          string         `json:"flow_id"`
	Phone           string         `json:"phone"`
	CurrentScreenID string         `json:"current_screen_id"`
	EnteredScreenID string         `json:"entered_screen_id,omitempty"`
	Answers         map[string]any `json:"answers"`
	History         []HistoryEntry `json:"history"`
	EndedReason     *string        `json:"ended_reason"`
	StartKey        string         `json:"start_key,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Ended reports whether the session has been retired.
func (s *SessionContext) Ended() bool {
	return s.EndedReason != nil
}

// Record appends a history entry.
func (s *SessionContext) Record(at time.Time, event, screenID string, meta map[string]any) {
	s.History = append(s.History, HistoryEntry{
		Timestamp: at,
		Event:     event,
		ScreenID:  screenID,
		Meta:      meta,
	})
}

// LastEvent returns the most recent history entry, if any.
func (s *SessionContext) LastEvent() (HistoryEntry, bool) {
	if len(s.History) == 0 {
		return HistoryEntry{}, false
	}
	return s.History[len(s.History)-1], true
}

// TurnResult is the outcome of handing one input to a session.
type TurnResult struct {
	OK              bool           `json:"ok"`
	ErrorCode       ValidationCode `json:"error_code,omitempty"`
	CurrentScreenID string         `json:"current_screen_id"`
	Ended           bool           `json:"ended"`
}

// Err returns the validation error of a rejected turn, or nil.
func (r TurnResult) Err() error {
	if r.OK || r.ErrorCode == "" {
		return nil
	}
	return &ValidationError{ScreenID: r.CurrentScreenID, Code: r.ErrorCode}
}
