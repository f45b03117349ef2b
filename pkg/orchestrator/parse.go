package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/actions"
)

// actionFence matches ```action / ```actions blocks. The body is a JSON object
// or an array of objects.
var actionFence = regexp.MustCompile("(?s)```[ \\t]*(?:action|actions)[ \\t]*\\r?\\n(.*?)```")

// RawAction is an action as written by the model, before normalization.
type RawAction struct {
	Type   string         `json:"type"`
	Action string         `json:"action,omitempty"`
	Params actions.Params `json:"params,omitempty"`
}

func (r RawAction) rawType() string {
	if r.Type != "" {
		return r.Type
	}
	return r.Action
}

// ParsedReply is a generation reply split into visible text and actions.
type ParsedReply struct {
	Text    string
	Actions []RawAction
	// Malformed holds one error per block that could not be decoded.
	Malformed []error
}

// ParseReply removes action blocks from raw and decodes them. Blocks that do
// not decode are dropped from both the text and the action list.
func ParseReply(raw string) ParsedReply {
	var out ParsedReply
	text := actionFence.ReplaceAllStringFunc(raw, func(block string) string {
		m := actionFence.FindStringSubmatch(block)
		parsed, err := decodeActions(m[1])
		if err != nil {
			out.Malformed = append(out.Malformed, err)
			return ""
		}
		out.Actions = append(out.Actions, parsed...)
		return ""
	})
	out.Text = collapseBlankLines(strings.TrimSpace(text))
	return out
}

func decodeActions(body string) ([]RawAction, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("empty action block")
	}
	if strings.HasPrefix(body, "[") {
		var list []RawAction
		if err := json.Unmarshal([]byte(body), &list); err != nil {
			return nil, fmt.Errorf("decode action list: %w", err)
		}
		return list, nil
	}
	var one RawAction
	if err := json.Unmarshal([]byte(body), &one); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	return []RawAction{one}, nil
}

var blankRun = regexp.MustCompile(`\n{3,}`)

func collapseBlankLines(s string) string {
	return blankRun.ReplaceAllString(s, "\n\n")
}

// ActionInstructions tells the model how to propose actions. It is appended
// to every persona's system prompt.
func ActionInstructions(vocab []actions.Type) string {
	names := make([]string, len(vocab))
	for i, t := range vocab {
		names[i] = string(t)
	}
	return "\n\nWhen the user wants something done, propose it instead of claiming it is done. " +
		"Write each proposal as a fenced block tagged `action` containing JSON, for example:\n" +
		"```action\n{\"type\": \"CREATE_TASK\", \"params\": {\"title\": \"Call the Hendersons\", \"due_date\": \"2026-01-15\"}}\n```\n" +
		"Use a block tagged `actions` with a JSON array for several proposals. " +
		"Available types: " + strings.Join(names, ", ") + ". " +
		"A teammate reviews sensitive actions before they run."
}
