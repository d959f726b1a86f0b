package models

import (
	"fmt"
)

// ScreenType selects the component variant that validates and routes a screen.
type ScreenType string

const (
	ScreenTypeTextInput ScreenType = "text_input"
	ScreenTypeDropdown  ScreenType = "dropdown"
	ScreenTypeDisplay   ScreenType = "display"
)

// ScreenOption is one selectable entry of a choice screen.
type ScreenOption struct {
	Label string `json:"label" yaml:"label"`
	Value any    `json:"value" yaml:"value"`
}

// ScreenRules are the validation rules applied by text screens. Min and Max
// count runes of the trimmed input.
type ScreenRules struct {
	Required bool   `json:"required,omitempty" yaml:"required"`
	Min      *int   `json:"min,omitempty" yaml:"min"`
	Max      *int   `json:"max,omitempty" yaml:"max"`
	Regex    string `json:"regex,omitempty" yaml:"regex"`
}

// ScreenFooter holds the routing table of a screen. An empty-string target in
// NextOnChoice ends the flow.
type ScreenFooter struct {
	NextOnChoice map[string]string `json:"next_on_choice,omitempty" yaml:"next_on_choice"`
	NextOnOK     string            `json:"next_on_ok,omitempty" yaml:"next_on_ok"`
	NextOnCancel string            `json:"next_on_cancel,omitempty" yaml:"next_on_cancel"`
}

// ScreenDefinition describes one screen of a flow. Definitions are treated as
// immutable once saved.
type ScreenDefinition struct {
	ID       string         `json:"id" yaml:"id"`
	Type     ScreenType     `json:"type" yaml:"type"`
	Body     string         `json:"body,omitempty" yaml:"body"`
	Options  []ScreenOption `json:"options,omitempty" yaml:"options"`
	Rules    ScreenRules    `json:"rules" yaml:"rules"`
	Footer   *ScreenFooter  `json:"footer,omitempty" yaml:"footer"`
	Terminal bool           `json:"terminal,omitempty" yaml:"terminal"`
}

// FlowDefinition is an ordered set of screens. Declaration order defines the
// sequential fallback used when a screen has no explicit route.
type FlowDefinition struct {
	ID            string             `json:"id" yaml:"id"`
	Name          string             `json:"name,omitempty" yaml:"name"`
	StartScreenID string             `json:"start_screen_id,omitempty" yaml:"start_screen_id"`
	Screens       []ScreenDefinition `json:"screens" yaml:"screens"`
}

// Screen returns the screen with the given id and its index, or (nil, -1).
func (f *FlowDefinition) Screen(id string) (*ScreenDefinition, int) {
	for i := range f.Screens {
		if f.Screens[i].ID == id {
			return &f.Screens[i], i
		}
	}
	return nil, -1
}

// StartScreen returns the configured start screen, or the first declared one.
func (f *FlowDefinition) StartScreen() (*ScreenDefinition, int) {
	if f.StartScreenID != "" {
		return f.Screen(f.StartScreenID)
	}
	if len(f.Screens) == 0 {
		return nil, -1
	}
	return &f.Screens[0], 0
}

// Validate checks the structural integrity of the definition. Dangling routing
// targets are tolerated; they degrade to the sequential fallback at runtime.
func (f *FlowDefinition) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidFlow)
	}
	if len(f.Screens) == 0 {
		return fmt.Errorf("%w: flow %s has no screens", ErrInvalidFlow, f.ID)
	}
	seen := make(map[string]bool, len(f.Screens))
	for i, s := range f.Screens {
		if s.ID == "" {
			return fmt.Errorf("%w: screen %d of flow %s has no id", ErrInvalidFlow, i, f.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate screen id %s in flow %s", ErrInvalidFlow, s.ID, f.ID)
		}
		seen[s.ID] = true
	}
	if f.StartScreenID != "" && !seen[f.StartScreenID] {
		return fmt.Errorf("%w: start screen %s not found in flow %s", ErrInvalidFlow, f.StartScreenID, f.ID)
	}
	return nil
}
