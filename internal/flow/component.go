package flow

import (
	"context"
	"fmt"
	"reflect"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// TransitionKind says how a screen wants the navigator to move on.
type TransitionKind int

const (
	// TransitionFallback leaves the choice to the navigator's sequential policy.
	TransitionFallback TransitionKind = iota
	// TransitionGoto moves to Target.
	TransitionGoto
	// TransitionEnd ends the flow.
	TransitionEnd
)

// Transition is the result of ResolveNext.
type Transition struct {
	Kind   TransitionKind
	Target string
}

// ValidationResult is the outcome of Validate. Value holds the normalized
// input when OK is true.
type ValidationResult struct {
	OK    bool
	Value any
	Code  models.ValidationCode
}

func accept(v any) ValidationResult {
	return ValidationResult{OK: true, Value: v}
}

func reject(code models.ValidationCode) ValidationResult {
	return ValidationResult{Code: code}
}

// HookContext is the read-only view of a session passed to lifecycle hooks.
type HookContext struct {
	SessionID string
	FlowID    string
	Phone     string
	ScreenID  string
}

// ScreenComponent validates input for one screen type and resolves the next screen.
type ScreenComponent interface {
	Definition() models.ScreenDefinition
	Validate(raw any) ValidationResult
	ResolveNext(value any) Transition
	// OnEnter runs when the screen becomes current, before any input is accepted.
	OnEnter(ctx context.Context, hc HookContext) error
	// OnLeave runs after input was accepted, before the transition is applied.
	OnLeave(ctx context.Context, hc HookContext, value any) error
}

// Base is the default component: it accepts any input unchanged and routes
// through the screen footer. Variants embed it and override what they need.
type Base struct {
	Def models.ScreenDefinition
}

// Compile-time check that Base implements ScreenComponent.
var _ ScreenComponent = (*Base)(nil)

func (b *Base) Definition() models.ScreenDefinition { return b.Def }

func (b *Base) Validate(raw any) ValidationResult { return accept(raw) }

func (b *Base) ResolveNext(value any) Transition { return resolveFooter(b.Def.Footer, value) }

func (b *Base) OnEnter(ctx context.Context, hc HookContext) error { return nil }

func (b *Base) OnLeave(ctx context.Context, hc HookContext, value any) error { return nil }

// resolveFooter applies the routing table: choice mapping, then next_on_ok,
// then next_on_cancel, then fallback.
func resolveFooter(footer *models.ScreenFooter, value any) Transition {
	if footer == nil {
		return Transition{Kind: TransitionFallback}
	}
	if key, ok := ChoiceKey(value); ok {
		if target, mapped := footer.NextOnChoice[key]; mapped {
			if target == "" {
				return Transition{Kind: TransitionEnd}
			}
			return Transition{Kind: TransitionGoto, Target: target}
		}
	}
	if footer.NextOnOK != "" {
		return Transition{Kind: TransitionGoto, Target: footer.NextOnOK}
	}
	if footer.NextOnCancel != "" {
		return Transition{Kind: TransitionGoto, Target: footer.NextOnCancel}
	}
	return Transition{Kind: TransitionFallback}
}

// UnwrapChoice returns the option value carried by raw. Inputs may be the bare
// value, a {"value": ...} object, or a ScreenOption.
func UnwrapChoice(raw any) any {
	switch v := raw.(type) {
	case map[string]any:
		if inner, ok := v["value"]; ok {
			return inner
		}
	case models.ScreenOption:
		return v.Value
	case *models.ScreenOption:
		if v != nil {
			return v.Value
		}
	}
	return raw
}

// ChoiceKey returns the key used to look an input up in next_on_choice. Only
// scalar values discriminate.
func ChoiceKey(value any) (string, bool) {
	v := UnwrapChoice(value)
	if v == nil {
		return "", false
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return fmt.Sprint(v), true
	}
	return "", false
}
