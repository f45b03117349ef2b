// Package router decides which persona answers an inbound message.
//
// The decision is delegated to the generation collaborator under a fixed
// routing prompt, then checked against the persona registry. The router only
// ever returns personas that exist in the registry.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/llm"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/persona"
)

// ErrRoutingUnavailable marks a decision that fell back because the
// generation call failed or returned nothing usable.
var ErrRoutingUnavailable = errors.New("routing unavailable")

// ReasonUnavailable is the reason attached to fallback decisions.
const ReasonUnavailable = "routing unavailable"

// Decision is the routing result for one message.
type Decision struct {
	TargetPersonaID string `json:"target_persona_id"`
	// PreviousPersonaID is the resolved current persona (the default persona
	// when the requested one was unknown).
	PreviousPersonaID string `json:"previous_persona_id"`
	Reason            string `json:"reason,omitempty"`
	HandoffOccurred   bool   `json:"handoff_occurred"`
	// Cause is set when the decision is a fallback.
	Cause error `json:"-"`
}

// Fallback reports whether routing failed and the current persona was kept.
func (d Decision) Fallback() bool {
	return d.Cause != nil
}

// Router routes messages between personas.
type Router struct {
	registry  *persona.Registry
	generator llm.Generator
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a router. A zero timeout means no router-level deadline.
func New(registry *persona.Registry, generator llm.Generator, timeout time.Duration) *Router {
	return &Router{
		registry:  registry,
		generator: generator,
		timeout:   timeout,
		logger:    slog.Default().With("component", "router"),
	}
}

type routingReply struct {
	Persona string `json:"persona"`
	Reason  string `json:"reason"`
}

// Route resolves the persona that should answer message. It never fails:
// generation errors and malformed or unknown answers keep the current persona.
func (r *Router) Route(ctx context.Context, currentPersonaID, message string) Decision {
	current, known := r.registry.Resolve(currentPersonaID)
	if !known && currentPersonaID != "" {
		r.logger.WarnContext(ctx, "unknown current persona, using default",
			"requested", currentPersonaID, "default", current.ID)
	}
	stay := Decision{TargetPersonaID: current.ID, PreviousPersonaID: current.ID}

	if strings.TrimSpace(message) == "" {
		return stay
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	raw, err := r.generator.Generate(ctx, r.systemPrompt(current), []llm.Message{
		{Role: llm.RoleUser, Content: message},
	})
	if err != nil {
		r.logger.WarnContext(ctx, "routing unavailable, keeping current persona",
			"persona", current.ID, "error", err)
		stay.Reason = ReasonUnavailable
		stay.Cause = fmt.Errorf("%w: %w", ErrRoutingUnavailable, err)
		return stay
	}

	reply, err := parseReply(raw)
	if err != nil {
		r.logger.WarnContext(ctx, "unparseable routing decision, keeping current persona",
			"persona", current.ID, "error", err)
		stay.Reason = ReasonUnavailable
		stay.Cause = fmt.Errorf("%w: %w", ErrRoutingUnavailable, err)
		return stay
	}

	target, ok := r.registry.FindByName(reply.Persona)
	if !ok {
		r.logger.WarnContext(ctx, "routing named unknown persona, keeping current persona",
			"persona", current.ID, "requested", reply.Persona)
		stay.Reason = fmt.Sprintf("unknown persona %q requested; staying with %s", reply.Persona, current.DisplayName)
		return stay
	}

	return Decision{
		TargetPersonaID:   target.ID,
		PreviousPersonaID: current.ID,
		Reason:            strings.TrimSpace(reply.Reason),
		HandoffOccurred:   target.ID != current.ID,
	}
}

// parseReply extracts the first JSON object from raw. Models often wrap the
// object in prose or a code fence.
func parseReply(raw string) (routingReply, error) {
	var reply routingReply
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return reply, fmt.Errorf("no JSON object in routing reply")
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &reply); err != nil {
		return reply, fmt.Errorf("decode routing reply: %w", err)
	}
	if strings.TrimSpace(reply.Persona) == "" {
		return reply, fmt.Errorf("routing reply names no persona")
	}
	return reply, nil
}

func (r *Router) systemPrompt(current persona.Persona) string {
	var b strings.Builder
	b.WriteString("You route messages between AI coworkers on a real-estate team.\n")
	b.WriteString("Pick the single coworker best suited to answer the user's message.\n\n")
	b.WriteString("Coworkers:\n")
	b.WriteString(r.registry.Roster())
	fmt.Fprintf(&b, "\n\nThe user is currently talking to %s (%s). ", current.ID, current.DisplayName)
	b.WriteString("Keep them unless the message is addressed to another coworker by name or clearly belongs to another coworker's specialty.\n\n")
	b.WriteString(`Answer with only a JSON object: {"persona": "<coworker id>", "reason": "<one short sentence>"}`)
	return b.String()
}
