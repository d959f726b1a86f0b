package flow

import (
	"reflect"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Dropdown accepts exactly one of the screen's non-null option values.
// Membership is strict: the string "1" does not match the number 1.
type Dropdown struct {
	Base
}

func NewDropdown(def models.ScreenDefinition) *Dropdown {
	return &Dropdown{Base: Base{Def: def}}
}

func (c *Dropdown) Validate(raw any) ValidationResult {
	value := UnwrapChoice(raw)
	if value == nil {
		return reject(models.ValidationInvalidChoice)
	}
	for _, opt := range c.Def.Options {
		if opt.Value == nil {
			continue
		}
		if reflect.DeepEqual(opt.Value, value) {
			return accept(value)
		}
	}
	return reject(models.ValidationInvalidChoice)
}
