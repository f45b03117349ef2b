// Package orchestrator turns one inbound message into a persona's reply and
// the action proposals embedded in it.
//
// A turn routes the message and loads the conversation window concurrently,
// renders the resolved persona's system prompt, calls the generation
// collaborator once and parses the reply. Generation failures are absorbed:
// the caller always gets at least one reply segment.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/actions"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/conversation"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/llm"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/persona"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/router"
)

// ErrGenerationUnavailable marks a degraded response.
var ErrGenerationUnavailable = errors.New("generation unavailable")

// ApologyText is the reply used when generation fails.
const ApologyText = "Sorry, I couldn't put together a reply just now. Please try again in a moment."

// DefaultHistoryWindow is the number of prior turns sent to generation.
const DefaultHistoryWindow = 10

// SegmentKind classifies reply segments.
type SegmentKind string

const (
	SegmentHandoff SegmentKind = "handoff"
	SegmentReply   SegmentKind = "reply"
	SegmentApology SegmentKind = "apology"
)

// Segment is one ordered piece of the assistant's answer.
type Segment struct {
	Kind        SegmentKind `json:"kind"`
	PersonaID   string      `json:"persona_id"`
	PersonaName string      `json:"persona_name"`
	Text        string      `json:"text"`
}

// Request is one inbound chat turn.
type Request struct {
	TenantID         string
	Conversation     conversation.Key
	CurrentPersonaID string
	Message          string
	// History, when non-nil, is used instead of the conversation store.
	History []conversation.Turn
}

// Response is the outcome of Respond.
type Response struct {
	BatchID         string              `json:"batch_id"`
	ActivePersonaID string              `json:"active_persona_id"`
	Routing         router.Decision     `json:"routing"`
	Segments        []Segment           `json:"segments"`
	Proposals       []*actions.Proposal `json:"proposals"`
	// Degraded is true when generation failed and Segments is the apology.
	Degraded bool  `json:"degraded"`
	Cause    error `json:"-"`
}

// Router is the routing dependency.
type Router interface {
	Route(ctx context.Context, currentPersonaID, message string) router.Decision
}

// Config tunes an Orchestrator.
type Config struct {
	HistoryWindow int
	// GenerationTimeout bounds the reply generation call.
	GenerationTimeout time.Duration
	Vocabulary        []actions.Type
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	registry  *persona.Registry
	router    Router
	generator llm.Generator
	store     conversation.Store
	locker    *conversation.Locker
	cfg       Config
	clock     func() time.Time
	newID     func() string
	logger    *slog.Logger
}

// New creates an orchestrator. store may be nil when callers always pass
// History.
func New(registry *persona.Registry, r Router, generator llm.Generator, store conversation.Store, locker *conversation.Locker, cfg Config) *Orchestrator {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if len(cfg.Vocabulary) == 0 {
		cfg.Vocabulary = actions.Vocabulary()
	}
	if locker == nil {
		locker = conversation.NewLocker()
	}
	return &Orchestrator{
		registry:  registry,
		router:    r,
		generator: generator,
		store:     store,
		locker:    locker,
		cfg:       cfg,
		clock:     time.Now,
		newID:     func() string { return uuid.New().String() },
		logger:    slog.Default().With("component", "orchestrator"),
	}
}

// Respond handles one turn. The only error is an invalid request; upstream
// failures are reported through Response.Degraded and Response.Cause.
func (o *Orchestrator) Respond(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("message is required")
	}

	ctx, span := otel.Tracer("coworker/orchestrator").Start(ctx, "orchestrator.respond")
	defer span.End()
	span.SetAttributes(
		attribute.String("coworker.tenant", req.TenantID),
		attribute.String("coworker.persona.current", req.CurrentPersonaID),
	)

	var (
		decision router.Decision
		history  []conversation.Turn
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		decision = o.router.Route(gctx, req.CurrentPersonaID, req.Message)
		return nil
	})
	g.Go(func() error {
		history = o.loadHistory(gctx, req)
		return nil
	})
	_ = g.Wait()

	target, _ := o.registry.Resolve(decision.TargetPersonaID)
	previous, _ := o.registry.Resolve(decision.PreviousPersonaID)
	span.SetAttributes(
		attribute.String("coworker.persona.target", target.ID),
		attribute.Bool("coworker.handoff", decision.HandoffOccurred),
	)

	resp := &Response{
		BatchID:         o.newID(),
		ActivePersonaID: target.ID,
		Routing:         decision,
		Proposals:       []*actions.Proposal{},
	}

	window := conversation.Window(history, o.cfg.HistoryWindow)
	msgs := make([]llm.Message, 0, len(window)+1)
	for _, t := range window {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Message})

	system := persona.Render(target, persona.PromptVars{
		TenantID: req.TenantID,
		Roster:   o.registry.Roster(),
		Date:     o.clock(),
	}) + ActionInstructions(o.cfg.Vocabulary)

	raw, err := o.generate(ctx, system, msgs)
	if err != nil {
		o.logger.WarnContext(ctx, "generation unavailable, replying with apology",
			"tenant", req.TenantID, "conversation", req.Conversation.String(), "persona", target.ID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation unavailable")
		resp.Degraded = true
		resp.Cause = fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
		resp.Segments = []Segment{{Kind: SegmentApology, PersonaID: target.ID, PersonaName: target.DisplayName, Text: ApologyText}}
		return resp, nil
	}

	parsed := ParseReply(raw)
	for _, merr := range parsed.Malformed {
		o.logger.WarnContext(ctx, "ignoring malformed action block",
			"tenant", req.TenantID, "persona", target.ID, "error", merr)
	}

	now := o.clock()
	for _, a := range parsed.Actions {
		resp.Proposals = append(resp.Proposals, &actions.Proposal{
			ID:              o.newID(),
			TenantID:        req.TenantID,
			ConversationKey: req.Conversation.String(),
			BatchID:         resp.BatchID,
			PersonaID:       target.ID,
			RawType:         a.rawType(),
			Params:          a.Params,
			Status:          actions.StatusProposed,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	text := parsed.Text
	if text == "" {
		text = summarize(len(resp.Proposals))
	}

	if decision.HandoffOccurred {
		resp.Segments = append(resp.Segments, Segment{
			Kind:        SegmentHandoff,
			PersonaID:   target.ID,
			PersonaName: target.DisplayName,
			Text:        HandoffText(previous, target),
		})
	}
	resp.Segments = append(resp.Segments, Segment{
		Kind:        SegmentReply,
		PersonaID:   target.ID,
		PersonaName: target.DisplayName,
		Text:        text,
	})

	if err := ctx.Err(); err != nil {
		// the caller gave up: nothing from this turn is kept
		o.logger.WarnContext(ctx, "turn cancelled after generation, discarding proposals",
			"tenant", req.TenantID, "proposals", len(resp.Proposals))
		resp.Proposals = []*actions.Proposal{}
		resp.Cause = err
		return resp, nil
	}

	o.appendTurns(ctx, req, target, text)
	span.SetAttributes(attribute.Int("coworker.proposals", len(resp.Proposals)))
	return resp, nil
}

func (o *Orchestrator) generate(ctx context.Context, system string, msgs []llm.Message) (string, error) {
	if o.cfg.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.GenerationTimeout)
		defer cancel()
	}
	raw, err := o.generator.Generate(ctx, system, msgs)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(raw) == "" {
		return "", llm.ErrEmptyReply
	}
	return raw, nil
}

func (o *Orchestrator) loadHistory(ctx context.Context, req Request) []conversation.Turn {
	if req.History != nil || o.store == nil {
		return req.History
	}
	turns, err := o.store.ReadRecentTurns(ctx, req.Conversation, o.cfg.HistoryWindow)
	if err != nil {
		o.logger.WarnContext(ctx, "history unavailable, continuing without it",
			"tenant", req.TenantID, "conversation", req.Conversation.String(), "error", err)
		return nil
	}
	return turns
}

// appendTurns records the user message and the visible reply as one unit per
// conversation so concurrent turns never interleave.
func (o *Orchestrator) appendTurns(ctx context.Context, req Request, target persona.Persona, reply string) {
	if o.store == nil || req.Conversation.Validate() != nil {
		return
	}
	unlock, err := o.locker.Lock(ctx, req.Conversation)
	if err != nil {
		o.logger.WarnContext(ctx, "could not lock conversation, turn not recorded",
			"conversation", req.Conversation.String(), "error", err)
		return
	}
	defer unlock()

	now := o.clock()
	turns := []conversation.Turn{
		{Role: conversation.RoleUser, Content: req.Message, PersonaID: target.ID, CreatedAt: now},
		{Role: conversation.RoleAssistant, Content: reply, PersonaID: target.ID, CreatedAt: now},
	}
	for _, t := range turns {
		if err := o.store.AppendTurn(ctx, req.Conversation, t); err != nil {
			o.logger.ErrorContext(ctx, "failed to append conversation turn",
				"conversation", req.Conversation.String(), "error", err)
			return
		}
	}
}

// HandoffText is the deterministic sentence that introduces a new persona.
func HandoffText(from, to persona.Persona) string {
	return fmt.Sprintf("%s here: handing you over to %s, who covers %s.", from.DisplayName, to.DisplayName, to.Specialty)
}

func summarize(n int) string {
	switch n {
	case 0:
		return "I don't have anything to add yet. Could you tell me a bit more?"
	case 1:
		return "I've prepared 1 action for your review."
	}
	return fmt.Sprintf("I've prepared %d actions for your review.", n)
}
