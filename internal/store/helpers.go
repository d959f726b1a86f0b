package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeJSON marshals v for a JSON column, substituting fallback for nil values.
func encodeJSON(v any, fallback string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return fallback, nil
	}
	return string(data), nil
}

// scanJob scans a Job from a row.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// scanOutboxMessage scans an OutboxMessage from a row.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.Phone, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

const sessionColumns = `id, flow_id, phone, current_screen_id, entered_screen_id, answers_json, history_json, ended_reason, created_at, updated_at, start_key`

// scanSession scans a SessionContext selected with sessionColumns.
func scanSession(row rowScanner) (*models.SessionContext, error) {
	var s models.SessionContext
	var answersJSON, historyJSON string
	var endedReason, startKey sql.NullString
	err := row.Scan(
		&s.ID, &s.FlowID, &s.Phone, &s.CurrentScreenID, &s.EnteredScreenID,
		&answersJSON, &historyJSON, &endedReason, &s.CreatedAt, &s.UpdatedAt, &startKey,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(answersJSON), &s.Answers); err != nil {
		return nil, fmt.Errorf("decode answers of session %s: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &s.History); err != nil {
		return nil, fmt.Errorf("decode history of session %s: %w", s.ID, err)
	}
	if s.Answers == nil {
		s.Answers = make(map[string]any)
	}
	s.StartKey = startKey.String
	if endedReason.Valid {
		reason := endedReason.String
		s.EndedReason = &reason
	}
	return &s, nil
}

// sessionArgs returns the encoded JSON columns and nullable end reason of a session.
func sessionArgs(s models.SessionContext) (answersJSON, historyJSON string, endedReason interface{}, err error) {
	if answersJSON, err = encodeJSON(s.Answers, "{}"); err != nil {
		return "", "", nil, fmt.Errorf("encode answers of session %s: %w", s.ID, err)
	}
	if historyJSON, err = encodeJSON(s.History, "[]"); err != nil {
		return "", "", nil, fmt.Errorf("encode history of session %s: %w", s.ID, err)
	}
	if s.EndedReason != nil {
		endedReason = *s.EndedReason
	}
	return answersJSON, historyJSON, endedReason, nil
}

const stepColumns = `id, automation_id, position, conditions_json, delay_minutes, action_type, action_params_json`

// scanStep scans an AutomationStep selected with stepColumns.
func scanStep(row rowScanner) (*models.AutomationStep, error) {
	var step models.AutomationStep
	var conditionsJSON, paramsJSON string
	err := row.Scan(
		&step.ID, &step.AutomationID, &step.Position, &conditionsJSON,
		&step.DelayMinutes, &step.Action.Type, &paramsJSON,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(conditionsJSON), &step.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions of step %s: %w", step.ID, err)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &step.Action.Params); err != nil {
		return nil, fmt.Errorf("decode params of step %s: %w", step.ID, err)
	}
	return &step, nil
}

// stepArgs returns the encoded JSON columns of a step.
func stepArgs(step models.AutomationStep) (conditionsJSON, paramsJSON string, err error) {
	if conditionsJSON, err = encodeJSON(step.Conditions, "[]"); err != nil {
		return "", "", fmt.Errorf("encode conditions of step %s: %w", step.ID, err)
	}
	if paramsJSON, err = encodeJSON(step.Action.Params, "{}"); err != nil {
		return "", "", fmt.Errorf("encode params of step %s: %w", step.ID, err)
	}
	return conditionsJSON, paramsJSON, nil
}
