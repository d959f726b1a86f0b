// Package flow implements the screen-based conversation engine: the
// ScreenComponent variants that validate input and pick the next screen, and
// the Navigator that applies them to a session one turn at a time.
package flow

import (
	"log/slog"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ComponentFactory builds the component for one screen definition.
type ComponentFactory func(def models.ScreenDefinition) ScreenComponent

var (
	registryMu sync.RWMutex
	registry   = make(map[models.ScreenType]ComponentFactory)
)

// Register associates a ScreenType with a ComponentFactory. Registering an
// existing type replaces it.
func Register(st models.ScreenType, factory ComponentFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[st] = factory
}

// Get retrieves the ComponentFactory for a given ScreenType.
func Get(st models.ScreenType) (ComponentFactory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[st]
	return factory, ok
}

// NewComponent resolves the variant for def by its type tag. Unknown tags get
// the permissive default component.
func NewComponent(def models.ScreenDefinition) ScreenComponent {
	if factory, ok := Get(def.Type); ok {
		return factory(def)
	}
	if def.Type != "" {
		slog.Warn("flow.NewComponent: unknown screen type, using default component", "screenID", def.ID, "type", def.Type)
	}
	return &Base{Def: def}
}

func init() {
	Register(models.ScreenTypeTextInput, func(def models.ScreenDefinition) ScreenComponent { return NewTextInput(def) })
	Register(models.ScreenTypeDropdown, func(def models.ScreenDefinition) ScreenComponent { return NewDropdown(def) })
	Register(models.ScreenTypeDisplay, func(def models.ScreenDefinition) ScreenComponent { return &Base{Def: def} })
}
