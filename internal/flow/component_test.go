package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func intPtr(n int) *int { return &n }

func TestTextInput_RuleOrder(t *testing.T) {
	def := models.ScreenDefinition{
		ID:   "ask_name",
		Type: models.ScreenTypeTextInput,
		Rules: models.ScreenRules{
			Required: true,
			Min:      intPtr(3),
			Max:      intPtr(5),
			Regex:    `^[a-zé]+$`,
		},
	}
	c := NewTextInput(def)

	tests := []struct {
		name     string
		input    any
		wantOK   bool
		wantCode models.ValidationCode
		wantVal  string
	}{
		{"empty is required before length", "", false, models.ValidationRequired, ""},
		{"whitespace only is empty", "   ", false, models.ValidationRequired, ""},
		{"nil is empty", nil, false, models.ValidationRequired, ""},
		{"below min", "ab", false, models.ValidationMin, ""},
		{"above max", "abcdef", false, models.ValidationMax, ""},
		{"runes not bytes", "éééé", true, "", "éééé"},
		{"regex mismatch", "ABC", false, models.ValidationFormat, ""},
		{"trimmed success", "  abc  ", true, "", "abc"},
		{"non-string coerced", 12345, false, models.ValidationFormat, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Validate(tt.input)
			if res.OK != tt.wantOK || res.Code != tt.wantCode {
				t.Fatalf("Validate(%v) = %+v, want ok=%v code=%q", tt.input, res, tt.wantOK, tt.wantCode)
			}
			if tt.wantOK && res.Value != tt.wantVal {
				t.Errorf("expected normalized %q, got %v", tt.wantVal, res.Value)
			}
		})
	}
}

func TestTextInput_LengthBoundsAcrossSizes(t *testing.T) {
	c := NewTextInput(models.ScreenDefinition{Rules: models.ScreenRules{Min: intPtr(4), Max: intPtr(8)}})
	for n := 0; n <= 12; n++ {
		res := c.Validate(strings.Repeat("x", n))
		switch {
		case n < 4:
			if res.Code != models.ValidationMin {
				t.Errorf("len %d: expected min, got %+v", n, res)
			}
		case n > 8:
			if res.Code != models.ValidationMax {
				t.Errorf("len %d: expected max, got %+v", n, res)
			}
		default:
			if !res.OK {
				t.Errorf("len %d: expected ok, got %+v", n, res)
			}
		}
	}
}

func TestTextInput_InvalidRegexFailsOpen(t *testing.T) {
	c := NewTextInput(models.ScreenDefinition{ID: "s", Rules: models.ScreenRules{Regex: "([a-z"}})
	res := c.Validate("anything at all")
	if !res.OK || res.Value != "anything at all" {
		t.Fatalf("expected malformed pattern to be ignored, got %+v", res)
	}
}

func TestDropdown_StrictMembership(t *testing.T) {
	c := NewDropdown(models.ScreenDefinition{
		ID:   "pick",
		Type: models.ScreenTypeDropdown,
		Options: []models.ScreenOption{
			{Label: "One", Value: 1},
			{Label: "B", Value: "svc_b"},
			{Label: "Placeholder", Value: nil},
		},
	})

	tests := []struct {
		name   string
		input  any
		wantOK bool
	}{
		{"exact int", 1, true},
		{"string of int rejected", "1", false},
		{"float of int rejected", 1.0, false},
		{"exact string", "svc_b", true},
		{"wrapped value", map[string]any{"value": "svc_b"}, true},
		{"screen option", models.ScreenOption{Label: "B", Value: "svc_b"}, true},
		{"null option not selectable", nil, false},
		{"wrapped null", map[string]any{"value": nil}, false},
		{"unknown", "svc_c", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Validate(tt.input)
			if res.OK != tt.wantOK {
				t.Fatalf("Validate(%v) = %+v, want ok=%v", tt.input, res, tt.wantOK)
			}
			if !tt.wantOK && res.Code != models.ValidationInvalidChoice {
				t.Errorf("expected invalid_choice, got %q", res.Code)
			}
		})
	}

	res := c.Validate(map[string]any{"value": "svc_b"})
	if res.Value != "svc_b" {
		t.Errorf("expected unwrapped matched value, got %v", res.Value)
	}
}

func TestResolveNext_Precedence(t *testing.T) {
	footer := &models.ScreenFooter{
		NextOnChoice: map[string]string{"svc_a": "screen_x", "quit": "", "1": "screen_one"},
		NextOnOK:     "screen_ok",
		NextOnCancel: "screen_cancel",
	}
	base := &Base{Def: models.ScreenDefinition{Footer: footer}}

	tests := []struct {
		name  string
		input any
		want  Transition
	}{
		{"choice wins over ok", "svc_a", Transition{Kind: TransitionGoto, Target: "screen_x"}},
		{"wrapped choice", map[string]any{"value": "svc_a"}, Transition{Kind: TransitionGoto, Target: "screen_x"}},
		{"empty target ends", "quit", Transition{Kind: TransitionEnd}},
		{"numeric key", float64(1), Transition{Kind: TransitionGoto, Target: "screen_one"}},
		{"unmapped falls to ok", "other", Transition{Kind: TransitionGoto, Target: "screen_ok"}},
		{"non-scalar falls to ok", []any{"svc_a"}, Transition{Kind: TransitionGoto, Target: "screen_ok"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base.ResolveNext(tt.input); got != tt.want {
				t.Errorf("ResolveNext(%v) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}

	cancelOnly := &Base{Def: models.ScreenDefinition{Footer: &models.ScreenFooter{NextOnCancel: "bye"}}}
	if got := cancelOnly.ResolveNext("x"); got.Target != "bye" {
		t.Errorf("expected next_on_cancel, got %+v", got)
	}
	noFooter := &Base{Def: models.ScreenDefinition{}}
	if got := noFooter.ResolveNext("x"); got.Kind != TransitionFallback {
		t.Errorf("expected fallback without footer, got %+v", got)
	}
	emptyFooter := &Base{Def: models.ScreenDefinition{Footer: &models.ScreenFooter{}}}
	if got := emptyFooter.ResolveNext("x"); got.Kind != TransitionFallback {
		t.Errorf("expected fallback with empty footer, got %+v", got)
	}
}

func TestNewComponent_SelectsByTypeTag(t *testing.T) {
	if _, ok := NewComponent(models.ScreenDefinition{Type: models.ScreenTypeTextInput}).(*TextInput); !ok {
		t.Error("expected TextInput for text_input")
	}
	if _, ok := NewComponent(models.ScreenDefinition{Type: models.ScreenTypeDropdown}).(*Dropdown); !ok {
		t.Error("expected Dropdown for dropdown")
	}
	def := NewComponent(models.ScreenDefinition{Type: "carousel"})
	if _, ok := def.(*Base); !ok {
		t.Fatalf("expected default component for unknown type, got %T", def)
	}
	if res := def.Validate(map[string]any{"x": 1}); !res.OK {
		t.Error("expected default component to accept any input")
	}
	if err := def.OnEnter(context.Background(), HookContext{}); err != nil {
		t.Errorf("expected no-op OnEnter, got %v", err)
	}
}
