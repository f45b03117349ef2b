package router

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/llm"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/persona"
)

func reply(text string, err error) llm.Generator {
	return llm.GeneratorFunc(func(context.Context, string, []llm.Message) (string, error) {
		return text, err
	})
}

func registry(t testing.TB) *persona.Registry {
	reg, err := persona.Builtin("")
	require.NoError(t, err)
	return reg
}

func TestRoute(t *testing.T) {
	reg := registry(t)

	tests := []struct {
		name     string
		current  string
		reply    string
		err      error
		target   string
		handoff  bool
		reason   string
		fallback bool
		previous string
		message  string
	}{
		{
			name: "handoff to lead nurse", current: "agent_copilot",
			reply:  `{"persona": "lead_nurse", "reason": "outreach request"}`,
			target: "lead_nurse", handoff: true, reason: "outreach request", previous: "agent_copilot",
		},
		{
			name: "stay", current: "market_analyst",
			reply:  `{"persona": "market_analyst", "reason": "pricing question"}`,
			target: "market_analyst", reason: "pricing question", previous: "market_analyst",
		},
		{
			name: "display name accepted", current: "agent_copilot",
			reply:  "Sure:\n```json\n{\"persona\": \"Quill\", \"reason\": \"listing copy\"}\n```",
			target: "listing_writer", handoff: true, reason: "listing copy", previous: "agent_copilot",
		},
		{
			name: "unknown target keeps current", current: "lead_nurse",
			reply:  `{"persona": "astronaut", "reason": "space"}`,
			target: "lead_nurse", previous: "lead_nurse",
			reason: `unknown persona "astronaut" requested; staying with Lumen`,
		},
		{
			name: "generation failure", current: "lead_nurse", err: errors.New("503"),
			target: "lead_nurse", reason: ReasonUnavailable, fallback: true, previous: "lead_nurse",
		},
		{
			name: "garbage reply", current: "lead_nurse", reply: "I think Lumen",
			target: "lead_nurse", reason: ReasonUnavailable, fallback: true, previous: "lead_nurse",
		},
		{
			name: "unknown current falls back to default", current: "ghost",
			reply:  `{"persona": "agent_copilot"}`,
			target: "agent_copilot", previous: "agent_copilot",
		},
		{
			name: "unknown current and handoff", current: "ghost",
			reply:  `{"persona": "transaction_coordinator", "reason": "closing date"}`,
			target: "transaction_coordinator", handoff: true, reason: "closing date", previous: "agent_copilot",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(reg, reply(tt.reply, tt.err), time.Second)
			msg := tt.message
			if msg == "" {
				msg = "hello"
			}
			d := r.Route(context.Background(), tt.current, msg)
			assert.Equal(t, tt.target, d.TargetPersonaID)
			assert.Equal(t, tt.previous, d.PreviousPersonaID)
			assert.Equal(t, tt.handoff, d.HandoffOccurred)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.fallback, d.Fallback())
			if tt.fallback {
				assert.ErrorIs(t, d.Cause, ErrRoutingUnavailable)
			}
		})
	}
}

func TestRoute_Timeout(t *testing.T) {
	slow := llm.GeneratorFunc(func(ctx context.Context, _ string, _ []llm.Message) (string, error) {
		select {
		case <-time.After(5 * time.Second):
			return `{"persona": "lead_nurse"}`, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	r := New(registry(t), slow, 20*time.Millisecond)

	d := r.Route(context.Background(), "agent_copilot", "Lumen, draft a warm follow-up")
	assert.Equal(t, "agent_copilot", d.TargetPersonaID)
	assert.Equal(t, ReasonUnavailable, d.Reason)
	assert.False(t, d.HandoffOccurred)
	assert.ErrorIs(t, d.Cause, context.DeadlineExceeded)
}

func TestRoute_EmptyMessageSkipsGeneration(t *testing.T) {
	called := false
	g := llm.GeneratorFunc(func(context.Context, string, []llm.Message) (string, error) {
		called = true
		return "", nil
	})
	d := New(registry(t), g, 0).Route(context.Background(), "lead_nurse", "   ")
	assert.False(t, called)
	assert.Equal(t, "lead_nurse", d.TargetPersonaID)
}

func TestRoute_PromptListsRoster(t *testing.T) {
	var prompt string
	g := llm.GeneratorFunc(func(_ context.Context, system string, msgs []llm.Message) (string, error) {
		prompt = system
		require.Len(t, msgs, 1)
		return `{"persona":"agent_copilot"}`, nil
	})
	New(registry(t), g, 0).Route(context.Background(), "agent_copilot", "morning brief")
	assert.Contains(t, prompt, "lead_nurse (Lumen)")
	assert.Contains(t, prompt, "currently talking to agent_copilot (Echo)")
}

func TestRoute_NeverLeavesRegistry(t *testing.T) {
	reg := registry(t)
	var ids []string
	for _, p := range reg.All() {
		ids = append(ids, p.ID)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	candidates := append([]string{}, ids...)
	candidates = append(candidates, "ghost", "", "Lumen", "AGENT_COPILOT")

	properties.Property("target is always a registered persona; unknown names keep current", prop.ForAll(
		func(cur int, named string, noise string, fail bool) bool {
			current := ids[cur]
			var g llm.Generator
			if fail {
				g = reply("", errors.New("down"))
			} else {
				g = reply(fmt.Sprintf(`%s{"persona": %q}`, noise, named), nil)
			}
			d := New(reg, g, 0).Route(context.Background(), current, "message")

			if !reg.Contains(d.TargetPersonaID) {
				return false
			}
			if _, ok := reg.FindByName(named); !ok || fail {
				return d.TargetPersonaID == current && !d.HandoffOccurred
			}
			return d.HandoffOccurred == (d.TargetPersonaID != current)
		},
		gen.IntRange(0, len(ids)-1),
		gen.OneConstOf(toAny(candidates)...),
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.Property("arbitrary names outside the registry never route", prop.ForAll(
		func(cur int, named string) bool {
			current := ids[cur]
			d := New(reg, reply(fmt.Sprintf(`{"persona": %q}`, "x-"+named), nil), 0).
				Route(context.Background(), current, "message")
			return d.TargetPersonaID == current && !d.HandoffOccurred
		},
		gen.IntRange(0, len(ids)-1),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
