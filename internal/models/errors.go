package models

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrFlowNotFound       = errors.New("flow not found")
	ErrAutomationNotFound = errors.New("automation not found")
	ErrStepNotFound       = errors.New("automation step not found")
	ErrSessionEnded       = errors.New("session has ended")
	ErrUnknownAction      = errors.New("unknown action type")
	ErrInvalidFlow        = errors.New("invalid flow definition")
)

// ValidationCode identifies which screen rule rejected an input.
type ValidationCode string

const (
	ValidationRequired      ValidationCode = "required"
	ValidationMin           ValidationCode = "min"
	ValidationMax           ValidationCode = "max"
	ValidationFormat        ValidationCode = "format"
	ValidationInvalidChoice ValidationCode = "invalid_choice"
)

// ValidationError reports that user input was rejected by a screen. The user is
// re-prompted; the session is not advanced.
type ValidationError struct {
	ScreenID string
	Code     ValidationCode
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("input rejected by screen %q: %s", e.ScreenID, e.Code)
}

// ActionExecutionError reports a failed side effect of an automation step.
type ActionExecutionError struct {
	StepID     string
	ActionType string
	Err        error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("action %s for step %s failed: %v", e.ActionType, e.StepID, e.Err)
}

func (e *ActionExecutionError) Unwrap() error {
	return e.Err
}
