package flow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

const (
	// OptionFormat is the format string for a numbered choice line.
	OptionFormat = "\n%d. %s"
)

var validationMessages = map[models.ValidationCode]string{
	models.ValidationRequired:      "This answer is required.",
	models.ValidationMin:           "That answer is too short.",
	models.ValidationMax:           "That answer is too long.",
	models.ValidationFormat:        "That answer is not in the expected format.",
	models.ValidationInvalidChoice: "Please reply with one of the listed options.",
}

// RenderPrompt returns the message text for a screen: its body followed by
// the numbered selectable options of choice screens.
func RenderPrompt(screen models.ScreenDefinition) string {
	var sb strings.Builder
	sb.WriteString(screen.Body)
	if screen.Type == models.ScreenTypeDropdown {
		for i, opt := range selectableOptions(screen) {
			sb.WriteString(fmt.Sprintf(OptionFormat, i+1, opt.Label))
		}
	}
	return strings.TrimSpace(sb.String())
}

// ValidationMessage returns the user-facing text for a rejection code.
func ValidationMessage(code models.ValidationCode) string {
	if msg, ok := validationMessages[code]; ok {
		return msg
	}
	return "Sorry, that answer was not accepted."
}

// InputFromText converts a chat reply into the raw input for screen. For
// choice screens it matches, in order, an option value, a 1-based option
// number and an option label, and wraps the match as {"value": ...}. Other
// replies are passed through for the screen to validate.
func InputFromText(screen models.ScreenDefinition, text string) any {
	if screen.Type != models.ScreenTypeDropdown {
		return text
	}
	reply := strings.TrimSpace(text)
	opts := selectableOptions(screen)
	for _, opt := range opts {
		if fmt.Sprint(opt.Value) == reply {
			return map[string]any{"value": opt.Value}
		}
	}
	if n, err := strconv.Atoi(reply); err == nil && n >= 1 && n <= len(opts) {
		return map[string]any{"value": opts[n-1].Value}
	}
	for _, opt := range opts {
		if strings.EqualFold(opt.Label, reply) {
			return map[string]any{"value": opt.Value}
		}
	}
	return reply
}

func selectableOptions(screen models.ScreenDefinition) []models.ScreenOption {
	opts := make([]models.ScreenOption, 0, len(screen.Options))
	for _, opt := range screen.Options {
		if opt.Value != nil {
			opts = append(opts, opt)
		}
	}
	return opts
}
