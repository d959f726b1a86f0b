package models

import (
	"encoding/json"
	"fmt"
)

// Condition is one clause of a step's conjunctive condition list.
type Condition struct {
	Field string `json:"field" yaml:"field"`
	Op    string `json:"op" yaml:"op"`
	Value any    `json:"value,omitempty" yaml:"value"`
}

// Action describes the side effect a step performs. Params are decoded by the
// action implementation registered for Type.
type Action struct {
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params"`
}

// AutomationStep is one independently scheduled unit of an automation.
type AutomationStep struct {
	ID           string      `json:"id" yaml:"id"`
	AutomationID string      `json:"automation_id" yaml:"-"`
	Position     int         `json:"position" yaml:"-"`
	Conditions   []Condition `json:"conditions,omitempty" yaml:"conditions"`
	DelayMinutes int         `json:"delay_minutes" yaml:"delay_minutes"`
	Action       Action      `json:"action" yaml:"action"`
}

// Automation is a named trigger owning an ordered list of steps.
type Automation struct {
	ID       string           `json:"id" yaml:"id"`
	Name     string           `json:"name,omitempty" yaml:"name"`
	Disabled bool             `json:"disabled,omitempty" yaml:"disabled"`
	Steps    []AutomationStep `json:"steps" yaml:"steps"`
}

// Normalize fills derived step fields from their position in the automation.
func (a *Automation) Normalize() {
	for i := range a.Steps {
		a.Steps[i].AutomationID = a.ID
		a.Steps[i].Position = i
	}
}

// Validate checks the structural integrity of the automation.
func (a *Automation) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("automation id is required")
	}
	seen := make(map[string]bool, len(a.Steps))
	for i, step := range a.Steps {
		if step.ID == "" {
			return fmt.Errorf("step %d of automation %s has no id", i, a.ID)
		}
		if seen[step.ID] {
			return fmt.Errorf("duplicate step id %s in automation %s", step.ID, a.ID)
		}
		seen[step.ID] = true
		if step.DelayMinutes < 0 {
			return fmt.Errorf("step %s has negative delay", step.ID)
		}
		if step.Action.Type == "" {
			return fmt.Errorf("step %s has no action type", step.ID)
		}
	}
	return nil
}

// EventPayload is the key/value data that triggered a dispatch.
type EventPayload map[string]any

// Snapshot returns a deep copy of the payload normalized through JSON, the same
// shape a delayed step sees after the payload is persisted with its job.
func (e EventPayload) Snapshot() (EventPayload, error) {
	if e == nil {
		return EventPayload{}, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot event payload: %w", err)
	}
	var out EventPayload
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to snapshot event payload: %w", err)
	}
	return out, nil
}
