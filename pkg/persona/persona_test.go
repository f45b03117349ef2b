package persona

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltin(t *testing.T) {
	reg, err := Builtin("")
	require.NoError(t, err)

	assert.Equal(t, "agent_copilot", reg.Default().ID)
	assert.Len(t, reg.All(), 5)

	p, ok := reg.Get("lead_nurse")
	require.True(t, ok)
	assert.Equal(t, "Lumen", p.DisplayName)

	p, ok = reg.FindByName("lumen")
	require.True(t, ok)
	assert.Equal(t, "lead_nurse", p.ID)

	_, ok = reg.FindByName("Zed")
	assert.False(t, ok)
}

func TestRegistry_Resolve(t *testing.T) {
	reg, err := Builtin("")
	require.NoError(t, err)

	p, known := reg.Resolve("market_analyst")
	assert.True(t, known)
	assert.Equal(t, "Atlas", p.DisplayName)

	p, known = reg.Resolve("nobody")
	assert.False(t, known)
	assert.Equal(t, "agent_copilot", p.ID)

	_, err = Builtin("nobody")
	assert.True(t, errors.Is(err, ErrUnknownPersona))
}

func TestNewRegistry_Errors(t *testing.T) {
	ok := Persona{ID: "a", DisplayName: "A", SystemPromptTemplate: "x"}

	_, err := NewRegistry("a")
	require.Error(t, err)

	_, err = NewRegistry("a", ok, ok)
	require.Error(t, err)

	_, err = NewRegistry("b", ok)
	require.True(t, errors.Is(err, ErrUnknownPersona))

	_, err = NewRegistry("a", Persona{ID: "a", DisplayName: "A"})
	require.Error(t, err)
}

func TestRender(t *testing.T) {
	reg, err := Builtin("")
	require.NoError(t, err)
	p, _ := reg.Get("lead_nurse")

	out := Render(p, PromptVars{
		TenantID: "org-42",
		Roster:   reg.Roster(),
		Date:     time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	})

	assert.Contains(t, out, "You are Lumen")
	assert.Contains(t, out, "org-42")
	assert.Contains(t, out, "Monday, March 2, 2026")
	assert.Contains(t, out, "- transaction_coordinator (Harbor): transaction tracking")
	assert.NotContains(t, out, "{{")
}

func TestRender_LeavesUnknownPlaceholders(t *testing.T) {
	p := Persona{ID: "x", DisplayName: "X", SystemPromptTemplate: "{{persona_name}} {{unknown}}"}
	assert.Equal(t, "X {{unknown}}", Render(p, PromptVars{}))
}

const catalogYAML = `
schema_version: "1.2.0"
default: scout
personas:
  - id: scout
    display_name: Scout
    specialty: prospecting
    system_prompt: "You are {{persona_name}}."
  - id: closer
    display_name: Closer
    specialty: negotiation
    system_prompt: "You are {{persona_name}}, focused on {{specialty}}."
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	reg, err := LoadFile(path, "")
	require.NoError(t, err)
	assert.Equal(t, "scout", reg.Default().ID)
	assert.True(t, reg.Contains("closer"))
	assert.Len(t, reg.All(), 2)

	reg, err = LoadFile(path, "closer")
	require.NoError(t, err)
	assert.Equal(t, "closer", reg.Default().ID)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.Error(t, err)
}

func TestParse_SchemaVersion(t *testing.T) {
	_, err := Parse([]byte(strings.Replace(catalogYAML, `"1.2.0"`, `"2.0.0"`, 1)), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")

	_, err = Parse([]byte("personas: []"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing schema_version")

	_, err = Parse([]byte("schema_version: [oops"), "")
	require.Error(t, err)
}
