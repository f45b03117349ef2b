// Package coworker composes one chat turn end to end: routing and reply
// generation, classification of the proposed actions, dispatch of whatever
// the turn may execute without a human, and the operator commands of the
// approval tray.
package coworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/actions"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/audit"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/auth"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/conversation"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/lifecycle"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/observability"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/orchestrator"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/persona"
)

// ErrInvalidRequest is returned for chat turns missing a tenant or message.
var ErrInvalidRequest = errors.New("invalid chat request")

// Responder produces the reply and proposals of one turn.
type Responder interface {
	Respond(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
}

// ChatRequest is one inbound message.
type ChatRequest struct {
	TenantID string
	// SessionID scopes the conversation. When empty the conversation is
	// scoped to the current persona.
	SessionID string
	PersonaID string
	Message   string
	// History, when non-nil, replaces the stored conversation.
	History []conversation.Turn

	TransactionID string
	EntityIDs     map[string]string
	RequestID     string
	Operator      string
}

// ChatResult is what the caller sees of a turn.
type ChatResult struct {
	BatchID         string                    `json:"batch_id"`
	ActivePersonaID string                    `json:"active_persona_id"`
	Reason          string                    `json:"reason,omitempty"`
	HandoffOccurred bool                      `json:"handoff_occurred"`
	Messages        []orchestrator.Segment    `json:"messages"`
	Proposals       []*actions.Proposal       `json:"proposals"`
	Results         []actions.ExecutionResult `json:"results"`
	Degraded        bool                      `json:"degraded"`
}

// Decision is the outcome of an operator command.
type Decision struct {
	Action  *actions.Proposal         `json:"action"`
	Results []actions.ExecutionResult `json:"results"`
}

// Service is safe for concurrent use.
type Service struct {
	registry   *persona.Registry
	responder  Responder
	manager    *lifecycle.Manager
	dispatcher lifecycle.Dispatcher
	auditor    audit.Logger
	obs        *observability.Provider
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithAuditor records routing decisions.
func WithAuditor(a audit.Logger) Option { return func(s *Service) { s.auditor = a } }

// WithObservability sets the telemetry provider.
func WithObservability(p *observability.Provider) Option {
	return func(s *Service) {
		if p != nil {
			s.obs = p
		}
	}
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func New(registry *persona.Registry, responder Responder, manager *lifecycle.Manager, dispatcher lifecycle.Dispatcher, opts ...Option) *Service {
	s := &Service{
		registry:   registry,
		responder:  responder,
		manager:    manager,
		dispatcher: dispatcher,
		obs:        observability.Noop(),
		logger:     slog.Default().With("component", "coworker"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Chat handles one turn. Routing and generation failures come back as a
// degraded result, never as an error.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}

	current, _ := s.registry.Resolve(req.PersonaID)
	key := s.conversationKey(req, current)

	ctx, finish := s.obs.TrackOperation(ctx, observability.OpChat,
		observability.RoutingOperation(req.TenantID, current.ID, "")...)

	resp, err := s.responder.Respond(ctx, orchestrator.Request{
		TenantID:         req.TenantID,
		Conversation:     key,
		CurrentPersonaID: current.ID,
		Message:          req.Message,
		History:          req.History,
	})
	if err != nil {
		finish(err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	s.recordRouting(ctx, req.TenantID, key, resp)

	result := &ChatResult{
		BatchID:         resp.BatchID,
		ActivePersonaID: resp.ActivePersonaID,
		Reason:          resp.Routing.Reason,
		HandoffOccurred: resp.Routing.HandoffOccurred,
		Messages:        resp.Segments,
		Proposals:       []*actions.Proposal{},
		Results:         []actions.ExecutionResult{},
		Degraded:        resp.Degraded,
	}

	if err := ctx.Err(); err != nil && len(resp.Proposals) > 0 {
		s.logger.WarnContext(ctx, "turn cancelled before proposals were registered, discarding them",
			"tenant", req.TenantID, "batch_id", resp.BatchID, "proposals", len(resp.Proposals))
		resp.Proposals = nil
		resp.Cause = err
	}

	if len(resp.Proposals) > 0 {
		proposed, err := s.manager.Propose(ctx, resp.Proposals)
		if err != nil {
			finish(err)
			return nil, fmt.Errorf("register proposals: %w", err)
		}
		result.Proposals = proposed

		ec := actions.ExecutionContext{
			TenantID:        req.TenantID,
			BatchID:         resp.BatchID,
			ConversationKey: key.String(),
			PersonaID:       resp.ActivePersonaID,
			TransactionID:   req.TransactionID,
			EntityIDs:       req.EntityIDs,
			RequestID:       req.RequestID,
			Operator:        req.Operator,
		}
		result.Results = s.manager.DispatchApproved(ctx, s.dispatcher, req.TenantID, resp.BatchID, ec)
		if len(result.Results) > 0 {
			result.Proposals = s.refresh(ctx, req.TenantID, proposed)
		}
	}

	finish(resp.Cause)
	return result, nil
}

// Approve approves a pending action and dispatches the approved actions of
// its batch.
func (s *Service) Approve(ctx context.Context, tenantID, id, operator string) (*Decision, error) {
	p, err := s.manager.Approve(ctx, tenantID, id, operator)
	if err != nil {
		return nil, err
	}
	ec := actions.ExecutionContext{
		TenantID:        tenantID,
		BatchID:         p.BatchID,
		ConversationKey: p.ConversationKey,
		PersonaID:       p.PersonaID,
		Operator:        operator,
		RequestID:       auth.GetRequestID(ctx),
	}
	results := s.manager.DispatchApproved(ctx, s.dispatcher, tenantID, p.BatchID, ec)

	if latest, err := s.manager.Get(ctx, tenantID, id); err == nil {
		p = latest
	}
	return &Decision{Action: p, Results: results}, nil
}

// Reject rejects a pending action.
func (s *Service) Reject(ctx context.Context, tenantID, id, operator, reason string) (*Decision, error) {
	p, err := s.manager.Reject(ctx, tenantID, id, operator, reason)
	if err != nil {
		return nil, err
	}
	return &Decision{Action: p, Results: []actions.ExecutionResult{}}, nil
}

// Pending is the tenant's approval tray.
func (s *Service) Pending(tenantID string) []*actions.Proposal {
	return s.manager.Pending(tenantID)
}

// List returns the tenant's actions in the given statuses, or all of them.
func (s *Service) List(ctx context.Context, tenantID string, statuses ...actions.Status) []*actions.Proposal {
	return s.manager.List(ctx, tenantID, statuses...)
}

// Get returns one action of the tenant.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*actions.Proposal, error) {
	return s.manager.Get(ctx, tenantID, id)
}

// Restore reloads the approval tray after a restart.
func (s *Service) Restore(ctx context.Context) (int, error) {
	n, err := s.manager.Restore(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "approval tray restored", "actions", n)
	}
	return n, nil
}

func (s *Service) conversationKey(req ChatRequest, current persona.Persona) conversation.Key {
	scope := strings.TrimSpace(req.SessionID)
	if scope == "" {
		scope = current.ID
	}
	return conversation.Key{TenantID: req.TenantID, Scope: scope}
}

func (s *Service) recordRouting(ctx context.Context, tenantID string, key conversation.Key, resp *orchestrator.Response) {
	if s.auditor == nil {
		return
	}
	d := resp.Routing
	meta := map[string]interface{}{
		"tenant_id":         tenantID,
		"batch_id":          resp.BatchID,
		"previous_persona":  d.PreviousPersonaID,
		"target_persona":    d.TargetPersonaID,
		"handoff_occurred":  d.HandoffOccurred,
		"reason":            d.Reason,
		"routing_fallback":  d.Fallback(),
		"generation_failed": resp.Degraded,
	}
	if err := s.auditor.Record(ctx, audit.EventRouting, "routing.decided", "conversation/"+key.String(), meta); err != nil {
		s.logger.ErrorContext(ctx, "routing audit write failed",
			"tenant", tenantID, "conversation", key.String(), "error", err)
	}
}

func (s *Service) refresh(ctx context.Context, tenantID string, proposals []*actions.Proposal) []*actions.Proposal {
	out := make([]*actions.Proposal, 0, len(proposals))
	for _, p := range proposals {
		if latest, err := s.manager.Get(ctx, tenantID, p.ID); err == nil {
			out = append(out, latest)
			continue
		}
		out = append(out, p)
	}
	return out
}
