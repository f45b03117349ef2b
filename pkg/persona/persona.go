// Package persona holds the catalog of AI coworkers: named, domain-scoped
// conversational identities with their own system-prompt template.
//
// A Registry is built once at start-up and never mutated afterwards, so it is
// safe to share between goroutines without locking.
package persona

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownPersona is returned when a persona id is not in the registry.
var ErrUnknownPersona = errors.New("unknown persona")

// Persona is an immutable catalog entry.
type Persona struct {
	ID                   string `json:"id" yaml:"id"`
	DisplayName          string `json:"display_name" yaml:"display_name"`
	Specialty            string `json:"specialty" yaml:"specialty"`
	SystemPromptTemplate string `json:"-" yaml:"system_prompt"`
}

// Validate checks the fields every persona must carry.
func (p Persona) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("persona: missing id")
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		return fmt.Errorf("persona %s: missing display_name", p.ID)
	}
	if strings.TrimSpace(p.SystemPromptTemplate) == "" {
		return fmt.Errorf("persona %s: missing system_prompt", p.ID)
	}
	return nil
}

// Registry is the read-only persona catalog.
type Registry struct {
	byID      map[string]Persona
	order     []string
	defaultID string
}

// NewRegistry builds a registry from personas. defaultID must name one of
// them; it is the fallback for unknown ids.
func NewRegistry(defaultID string, personas ...Persona) (*Registry, error) {
	if len(personas) == 0 {
		return nil, fmt.Errorf("persona registry: no personas")
	}
	r := &Registry{
		byID:      make(map[string]Persona, len(personas)),
		order:     make([]string, 0, len(personas)),
		defaultID: defaultID,
	}
	for _, p := range personas {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("persona registry: duplicate id %q", p.ID)
		}
		r.byID[p.ID] = p
		r.order = append(r.order, p.ID)
	}
	if _, ok := r.byID[defaultID]; !ok {
		return nil, fmt.Errorf("persona registry: default %q: %w", defaultID, ErrUnknownPersona)
	}
	return r, nil
}

// Get returns the persona with the given id.
func (r *Registry) Get(id string) (Persona, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Contains reports whether id is in the catalog.
func (r *Registry) Contains(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// Default returns the fallback persona.
func (r *Registry) Default() Persona {
	return r.byID[r.defaultID]
}

// Resolve returns the persona for id, or the default persona when id is
// unknown. The boolean reports whether id itself was known.
func (r *Registry) Resolve(id string) (Persona, bool) {
	if p, ok := r.byID[id]; ok {
		return p, true
	}
	return r.Default(), false
}

// FindByName matches ref against persona ids and display names, ignoring
// case and surrounding whitespace.
func (r *Registry) FindByName(ref string) (Persona, bool) {
	ref = strings.TrimSpace(ref)
	if p, ok := r.byID[ref]; ok {
		return p, true
	}
	for _, id := range r.order {
		p := r.byID[id]
		if strings.EqualFold(p.ID, ref) || strings.EqualFold(p.DisplayName, ref) {
			return p, true
		}
	}
	return Persona{}, false
}

// All returns the personas in catalog order.
func (r *Registry) All() []Persona {
	out := make([]Persona, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Roster renders one line per persona, in catalog order, for prompts.
func (r *Registry) Roster() string {
	var b strings.Builder
	for _, id := range r.order {
		p := r.byID[id]
		fmt.Fprintf(&b, "- %s (%s): %s\n", p.ID, p.DisplayName, p.Specialty)
	}
	return strings.TrimRight(b.String(), "\n")
}
