package flow

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"gopkg.in/yaml.v3"
)

// Definitions is the content of a seed file: flow templates and automations.
type Definitions struct {
	Flows       []models.FlowDefinition `yaml:"flows"`
	Automations []models.Automation     `yaml:"automations"`
}

// LoadDefinitions reads and validates a YAML seed file.
func LoadDefinitions(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions %s: %w", path, err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes and validates YAML definitions.
func ParseDefinitions(data []byte) (*Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}
	for i := range defs.Flows {
		if err := defs.Flows[i].Validate(); err != nil {
			return nil, err
		}
	}
	for i := range defs.Automations {
		if err := defs.Automations[i].Validate(); err != nil {
			return nil, err
		}
		defs.Automations[i].Normalize()
	}
	return &defs, nil
}

// Apply upserts every definition into st.
func (d *Definitions) Apply(st store.Store) error {
	for _, f := range d.Flows {
		if err := st.SaveFlow(f); err != nil {
			return fmt.Errorf("save flow %s: %w", f.ID, err)
		}
	}
	for _, a := range d.Automations {
		if err := st.SaveAutomation(a); err != nil {
			return fmt.Errorf("save automation %s: %w", a.ID, err)
		}
	}
	slog.Info("Definitions.Apply: definitions loaded", "flows", len(d.Flows), "automations", len(d.Automations))
	return nil
}
