package flow

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// TextInput validates free text against the screen rules in fixed order:
// required, min, max, regex.
type TextInput struct {
	Base
	pattern *regexp.Regexp
}

// NewTextInput compiles the screen's pattern. A pattern that does not compile
// is ignored and the rule treated as absent.
func NewTextInput(def models.ScreenDefinition) *TextInput {
	c := &TextInput{Base: Base{Def: def}}
	if def.Rules.Regex != "" {
		re, err := regexp.Compile(def.Rules.Regex)
		if err != nil {
			slog.Warn("TextInput: invalid regex rule ignored", "screenID", def.ID, "regex", def.Rules.Regex, "error", err)
		} else {
			c.pattern = re
		}
	}
	return c
}

func (c *TextInput) Validate(raw any) ValidationResult {
	text := strings.TrimSpace(stringify(raw))
	rules := c.Def.Rules
	length := utf8.RuneCountInString(text)

	if rules.Required && text == "" {
		return reject(models.ValidationRequired)
	}
	if rules.Min != nil && length < *rules.Min {
		return reject(models.ValidationMin)
	}
	if rules.Max != nil && length > *rules.Max {
		return reject(models.ValidationMax)
	}
	if c.pattern != nil && !c.pattern.MatchString(text) {
		return reject(models.ValidationFormat)
	}
	return accept(text)
}

func stringify(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
