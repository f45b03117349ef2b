package persona

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/versioning"
)

// DefaultID is the persona used when none (or an unknown one) is requested.
const DefaultID = "agent_copilot"

// Catalog is the on-disk form of a persona registry.
type Catalog struct {
	SchemaVersion string    `yaml:"schema_version"`
	Default       string    `yaml:"default"`
	Personas      []Persona `yaml:"personas"`
}

// LoadFile reads a YAML catalog from path and builds a registry from it.
// A non-empty defaultOverride replaces the catalog's own default.
func LoadFile(path, defaultOverride string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load persona catalog: %w", err)
	}
	return Parse(data, defaultOverride)
}

// Parse builds a registry from YAML catalog bytes.
func Parse(data []byte, defaultOverride string) (*Registry, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse persona catalog: %w", err)
	}
	if err := versioning.CheckCatalog("persona catalog", c.SchemaVersion); err != nil {
		return nil, err
	}
	def := c.Default
	if defaultOverride != "" {
		def = defaultOverride
	}
	if def == "" {
		def = DefaultID
	}
	return NewRegistry(def, c.Personas...)
}

// Builtin returns the registry compiled into the binary. A non-empty
// defaultID replaces DefaultID.
func Builtin(defaultID string) (*Registry, error) {
	if defaultID == "" {
		defaultID = DefaultID
	}
	return NewRegistry(defaultID, builtinPersonas()...)
}

const promptPreamble = `You are {{persona_name}}, an AI coworker for a real-estate team (workspace {{tenant_id}}).
Your specialty: {{specialty}}.
Today is {{date}}.

Your teammates, who the user may also talk to:
{{persona_roster}}

`

func builtinPersonas() []Persona {
	return []Persona{
		{
			ID:          "agent_copilot",
			DisplayName: "Echo",
			Specialty:   "daily briefing and general assistance",
			SystemPromptTemplate: promptPreamble + `Start from what matters today: new leads, overdue follow-ups, ` +
				`deals with upcoming milestones. Be brief and concrete. When another teammate is better ` +
				`suited, say so and answer as well as you can.`,
		},
		{
			ID:          "lead_nurse",
			DisplayName: "Lumen",
			Specialty:   "lead outreach and follow-ups",
			SystemPromptTemplate: promptPreamble + `You write warm, personal outreach to leads and keep ` +
				`follow-ups on schedule. Match the agent's voice, keep messages short and never invent ` +
				`facts about a property or a person.`,
		},
		{
			ID:          "listing_writer",
			DisplayName: "Quill",
			Specialty:   "listing copy",
			SystemPromptTemplate: promptPreamble + `You write listing headlines and descriptions that are ` +
				`vivid and accurate. Avoid fair-housing violations and never state features that were ` +
				`not given to you.`,
		},
		{
			ID:          "market_analyst",
			DisplayName: "Atlas",
			Specialty:   "market analysis",
			SystemPromptTemplate: promptPreamble + `You explain pricing, comparables and neighborhood ` +
				`trends. Say what the numbers are based on and flag uncertainty plainly.`,
		},
		{
			ID:          "transaction_coordinator",
			DisplayName: "Harbor",
			Specialty:   "transaction tracking",
			SystemPromptTemplate: promptPreamble + `You track deals from accepted offer to closing: ` +
				`milestones, deadlines, documents and payments. Be precise about dates and amounts.`,
		},
	}
}
