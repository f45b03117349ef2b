package persona

import (
	"strings"
	"time"
)

// PromptVars are the values substituted into a system-prompt template.
type PromptVars struct {
	TenantID string
	Roster   string
	Date     time.Time
}

// Render substitutes the template placeholders of p. Substitution is plain
// string replacement; unknown placeholders are left as-is.
func Render(p Persona, vars PromptVars) string {
	date := ""
	if !vars.Date.IsZero() {
		date = vars.Date.Format("Monday, January 2, 2006")
	}
	r := strings.NewReplacer(
		"{{persona_name}}", p.DisplayName,
		"{{specialty}}", p.Specialty,
		"{{tenant_id}}", vars.TenantID,
		"{{persona_roster}}", vars.Roster,
		"{{date}}", date,
	)
	return r.Replace(p.SystemPromptTemplate)
}
