// Package lifecycle owns the state machine of every action proposal.
//
//	PROPOSED ──► PENDING_APPROVAL ──► APPROVED ──► EXECUTED
//	   │                 │               │
//	   │                 └──► REJECTED   └──────► FAILED
//	   ├──► APPROVED (auto-approved by policy)
//	   └──► FAILED   (normalization failure)
//
// All transitions go through the Manager. Each proposal has its own lock, so
// an approve and a reject of the same id are serialized while unrelated ids
// proceed in parallel. Approved proposals are claimed before dispatch; a
// claimed proposal cannot be claimed again, which makes dispatch at-most-once.
//
// Only live proposals and a bounded window of recently finished ones are kept
// in memory. Older terminal proposals are served from the Repository.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/actions"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/audit"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/governance"
)

// Repository persists proposals. SaveProposal is an upsert keyed by id.
type Repository interface {
	SaveProposal(ctx context.Context, p *actions.Proposal) error
	GetProposal(ctx context.Context, id string) (*actions.Proposal, error)
	ListProposals(ctx context.Context, statuses ...actions.Status) ([]*actions.Proposal, error)
	ListTenantProposals(ctx context.Context, tenantID string, statuses ...actions.Status) ([]*actions.Proposal, error)
}

// DefaultTerminalRetention is how many finished proposals stay in memory.
const DefaultTerminalRetention = 512

// Policy decides whether a resolved proposal needs human approval.
type Policy interface {
	Evaluate(ctx context.Context, in governance.Input) governance.Decision
}

// Dispatcher executes a claimed batch and reports each outcome back through
// MarkExecuted / MarkFailed.
type Dispatcher interface {
	Dispatch(ctx context.Context, tenantID string, batch []*actions.Proposal, ec actions.ExecutionContext) []actions.ExecutionResult
}

type entry struct {
	mu      sync.Mutex
	seq     uint64
	p       *actions.Proposal
	claimed bool
}

// Manager is the single writer of proposal state.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	tenants map[string][]*entry // seq order
	batches map[string][]*entry // seq order, keyed by batchKey
	retired []string            // terminal ids, oldest first
	retain  int
	seq     uint64

	normalizer *actions.Normalizer
	policy     Policy
	repo       Repository
	auditor    audit.Logger
	clock      func() time.Time
	logger     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRepository enables write-through persistence.
func WithRepository(r Repository) Option { return func(m *Manager) { m.repo = r } }

// WithAuditor records every transition as an audit event.
func WithAuditor(a audit.Logger) Option { return func(m *Manager) { m.auditor = a } }

// WithTerminalRetention bounds how many finished proposals are kept in
// memory. Zero evicts them as soon as they finish.
func WithTerminalRetention(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.retain = n
		}
	}
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(m *Manager) { m.clock = clock } }

// NewManager creates a manager. A nil policy requires approval for everything.
func NewManager(normalizer *actions.Normalizer, policy Policy, opts ...Option) *Manager {
	if normalizer == nil {
		normalizer = actions.DefaultNormalizer()
	}
	m := &Manager{
		entries:    make(map[string]*entry),
		tenants:    make(map[string][]*entry),
		batches:    make(map[string][]*entry),
		retain:     DefaultTerminalRetention,
		normalizer: normalizer,
		policy:     policy,
		clock:      time.Now,
		logger:     slog.Default().With("component", "lifecycle"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Propose registers proposals and moves each out of PROPOSED exactly once:
// to FAILED when its type does not normalize, otherwise to PENDING_APPROVAL or
// APPROVED according to the policy. It returns snapshots in input order.
func (m *Manager) Propose(ctx context.Context, proposals []*actions.Proposal) ([]*actions.Proposal, error) {
	out := make([]*actions.Proposal, 0, len(proposals))

	m.mu.Lock()
	for _, p := range proposals {
		if p == nil || p.ID == "" {
			m.mu.Unlock()
			return nil, fmt.Errorf("proposal without id")
		}
		if _, dup := m.entries[p.ID]; dup {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAction, p.ID)
		}
		if p.Status != "" && p.Status != actions.StatusProposed {
			m.mu.Unlock()
			return nil, &TransitionError{ActionID: p.ID, From: p.Status, To: actions.StatusPendingApproval, Detail: "only new proposals can be registered"}
		}
	}
	created := make([]*entry, 0, len(proposals))
	for _, p := range proposals {
		e := m.insertLocked(p)
		e.p.Status = actions.StatusProposed
		created = append(created, e)
	}
	m.mu.Unlock()

	for _, e := range created {
		e.mu.Lock()
		m.classify(ctx, e.p)
		m.persist(ctx, e.p)
		snap := e.p.Clone()
		e.mu.Unlock()

		if snap.Status.IsTerminal() {
			m.retire(snap.ID)
		}

		m.record(ctx, snap, "action.proposed", map[string]any{
			"raw_type":          snap.RawType,
			"requires_approval": snap.RequiresApproval,
			"policy_reason":     snap.PolicyReason,
			"error_message":     snap.ErrorMessage,
		})
		out = append(out, snap)
	}
	return out, nil
}

func (m *Manager) classify(ctx context.Context, p *actions.Proposal) {
	now := m.clock()
	p.UpdatedAt = now

	canonical, err := m.normalizer.Resolve(p.RawType)
	if err != nil {
		p.Status = actions.StatusFailed
		p.ErrorMessage = err.Error()
		m.logger.WarnContext(ctx, "action normalization failed",
			"action_id", p.ID, "tenant", p.TenantID, "raw_type", p.RawType, "error", err)
		return
	}
	p.CanonicalType = canonical

	decision := governance.Decision{RequiresApproval: true, Reason: "no approval policy configured"}
	if m.policy != nil {
		decision = m.policy.Evaluate(ctx, governance.Input{
			Type:      canonical,
			Params:    p.Params,
			PersonaID: p.PersonaID,
			TenantID:  p.TenantID,
		})
	}
	p.RequiresApproval = decision.RequiresApproval
	p.PolicyReason = decision.Reason
	if decision.RequiresApproval {
		p.Status = actions.StatusPendingApproval
	} else {
		p.Status = actions.StatusApproved
	}
}

// Approve moves a PENDING_APPROVAL proposal to APPROVED.
func (m *Manager) Approve(ctx context.Context, tenantID, id, operator string) (*actions.Proposal, error) {
	return m.decide(ctx, tenantID, id, operator, "", actions.StatusApproved)
}

// Reject moves a PENDING_APPROVAL proposal to REJECTED.
func (m *Manager) Reject(ctx context.Context, tenantID, id, operator, reason string) (*actions.Proposal, error) {
	return m.decide(ctx, tenantID, id, operator, reason, actions.StatusRejected)
}

func (m *Manager) decide(ctx context.Context, tenantID, id, operator, reason string, to actions.Status) (*actions.Proposal, error) {
	e, err := m.lookup(tenantID, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.p.Status != actions.StatusPendingApproval {
		from := e.p.Status
		e.mu.Unlock()
		return nil, &TransitionError{ActionID: id, From: from, To: to, Detail: "action is not pending approval"}
	}
	e.p.Status = to
	e.p.DecidedBy = operator
	e.p.DecisionReason = reason
	e.p.UpdatedAt = m.clock()
	m.persist(ctx, e.p)
	snap := e.p.Clone()
	e.mu.Unlock()

	action := "action.approved"
	if to == actions.StatusRejected {
		action = "action.rejected"
		m.retire(id)
	}
	m.record(ctx, snap, action, map[string]any{
		"decided_by": operator,
		"reason":     reason,
	})
	return snap, nil
}

// Claim reserves the APPROVED, unclaimed proposals of batchID for dispatch,
// in proposal order.
func (m *Manager) Claim(tenantID, batchID string) []*actions.Proposal {
	m.mu.RLock()
	candidates := append([]*entry(nil), m.batches[batchKey(tenantID, batchID)]...)
	m.mu.RUnlock()

	var claimed []*actions.Proposal
	for _, e := range candidates {
		e.mu.Lock()
		if e.p.Status == actions.StatusApproved && !e.claimed {
			e.claimed = true
			claimed = append(claimed, e.p.Clone())
		}
		e.mu.Unlock()
	}
	return claimed
}

// MarkExecuted records a successful execution of a claimed proposal.
func (m *Manager) MarkExecuted(ctx context.Context, id, externalReference string) (*actions.Proposal, error) {
	return m.finish(ctx, id, actions.StatusExecuted, externalReference, "")
}

// MarkFailed records a failed execution of a claimed proposal.
func (m *Manager) MarkFailed(ctx context.Context, id, errorMessage string) (*actions.Proposal, error) {
	if errorMessage == "" {
		errorMessage = "execution failed"
	}
	return m.finish(ctx, id, actions.StatusFailed, "", errorMessage)
}

func (m *Manager) finish(ctx context.Context, id string, to actions.Status, ref, errMsg string) (*actions.Proposal, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}

	e.mu.Lock()
	if e.p.Status != actions.StatusApproved || !e.claimed {
		from := e.p.Status
		e.mu.Unlock()
		return nil, &TransitionError{ActionID: id, From: from, To: to, Detail: "action is not claimed for dispatch"}
	}
	e.p.Status = to
	e.p.ExternalReference = ref
	e.p.ErrorMessage = errMsg
	e.p.UpdatedAt = m.clock()
	e.claimed = false
	m.persist(ctx, e.p)
	snap := e.p.Clone()
	e.mu.Unlock()

	action := "action.executed"
	if to == actions.StatusFailed {
		action = "action.failed"
	}
	m.record(ctx, snap, action, map[string]any{
		"external_reference": ref,
		"error_message":      errMsg,
	})
	m.retire(id)
	return snap, nil
}

// DispatchApproved claims the approved proposals of batchID and hands them to
// d as one ordered batch. Proposals the dispatcher leaves unresolved are
// marked FAILED: their side effects may or may not have happened and they
// must never run again.
func (m *Manager) DispatchApproved(ctx context.Context, d Dispatcher, tenantID, batchID string, ec actions.ExecutionContext) []actions.ExecutionResult {
	batch := m.Claim(tenantID, batchID)
	if len(batch) == 0 {
		return []actions.ExecutionResult{}
	}
	if ec.TenantID == "" {
		ec.TenantID = tenantID
	}
	if ec.BatchID == "" {
		ec.BatchID = batchID
	}

	results := d.Dispatch(ctx, tenantID, batch, ec)

	for _, p := range batch {
		e, err := m.lookup(tenantID, p.ID)
		if err != nil {
			continue
		}
		e.mu.Lock()
		dangling := e.claimed && e.p.Status == actions.StatusApproved
		e.mu.Unlock()
		if dangling {
			m.logger.ErrorContext(ctx, "dispatcher left action unresolved, marking failed",
				"action_id", p.ID, "tenant", tenantID, "batch_id", batchID)
			_, _ = m.MarkFailed(ctx, p.ID, "execution outcome unknown")
		}
	}
	return results
}

// Get returns a snapshot of the proposal, falling back to the repository for
// proposals no longer held in memory. An empty tenantID skips the ownership
// check.
func (m *Manager) Get(ctx context.Context, tenantID, id string) (*actions.Proposal, error) {
	e, err := m.lookup(tenantID, id)
	if err == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.p.Clone(), nil
	}
	if m.repo == nil {
		return nil, err
	}
	p, rerr := m.repo.GetProposal(ctx, id)
	if rerr != nil {
		m.logger.DebugContext(ctx, "proposal not in repository", "action_id", id, "error", rerr)
		return nil, err
	}
	if tenantID != "" && p.TenantID != tenantID {
		return nil, err
	}
	return p, nil
}

// List returns snapshots of the tenant's proposals with one of statuses (all
// statuses when none are given), oldest first. Finished proposals evicted
// from memory are read from the repository.
func (m *Manager) List(ctx context.Context, tenantID string, statuses ...actions.Status) []*actions.Proposal {
	want := make(map[actions.Status]bool, len(statuses))
	historical := len(statuses) == 0
	for _, s := range statuses {
		want[s] = true
		historical = historical || s.IsTerminal()
	}

	m.mu.RLock()
	candidates := append([]*entry(nil), m.tenants[tenantID]...)
	m.mu.RUnlock()

	out := make([]*actions.Proposal, 0, len(candidates))
	held := make(map[string]bool, len(candidates))
	for _, e := range candidates {
		e.mu.Lock()
		held[e.p.ID] = true
		if len(want) == 0 || want[e.p.Status] {
			out = append(out, e.p.Clone())
		}
		e.mu.Unlock()
	}
	if !historical || m.repo == nil {
		return out
	}

	stored, err := m.repo.ListTenantProposals(ctx, tenantID, statuses...)
	if err != nil {
		m.logger.WarnContext(ctx, "stored proposals unavailable, listing memory only",
			"tenant", tenantID, "error", err)
		return out
	}
	merged := false
	for _, p := range stored {
		if !held[p.ID] {
			out = append(out, p)
			merged = true
		}
	}
	if merged {
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	}
	return out
}

// Pending is the approval tray of a tenant. Pending proposals are never
// evicted, so the tray is always served from memory.
func (m *Manager) Pending(tenantID string) []*actions.Proposal {
	return m.List(context.Background(), tenantID, actions.StatusPendingApproval)
}

// Restore reloads non-terminal proposals from the repository. Approved
// proposals found at start-up may have been in flight when the process
// stopped, so they are failed rather than dispatched again.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.repo == nil {
		return 0, nil
	}
	stored, err := m.repo.ListProposals(ctx, actions.StatusPendingApproval, actions.StatusApproved)
	if err != nil {
		return 0, fmt.Errorf("restore proposals: %w", err)
	}
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].CreatedAt.Before(stored[j].CreatedAt) })

	restored := 0
	for _, p := range stored {
		m.mu.Lock()
		if _, dup := m.entries[p.ID]; dup {
			m.mu.Unlock()
			continue
		}
		e := m.insertLocked(p)
		m.mu.Unlock()

		if p.Status == actions.StatusApproved {
			e.mu.Lock()
			e.p.Status = actions.StatusFailed
			e.p.ErrorMessage = "interrupted before execution completed"
			e.p.UpdatedAt = m.clock()
			m.persist(ctx, e.p)
			snap := e.p.Clone()
			e.mu.Unlock()

			m.logger.WarnContext(ctx, "approved action found at start-up, marked failed",
				"action_id", p.ID, "tenant", p.TenantID)
			m.record(ctx, snap, "action.failed", map[string]any{
				"error_message": snap.ErrorMessage,
				"restored":      true,
			})
			m.retire(snap.ID)
		}
		restored++
	}
	return restored, nil
}

// insertLocked must be called with m.mu held.
func (m *Manager) insertLocked(p *actions.Proposal) *entry {
	m.seq++
	e := &entry{seq: m.seq, p: p.Clone()}
	m.entries[p.ID] = e
	m.tenants[p.TenantID] = append(m.tenants[p.TenantID], e)
	bk := batchKey(p.TenantID, p.BatchID)
	m.batches[bk] = append(m.batches[bk], e)
	return e
}

// retire marks id as finished and evicts the oldest finished proposals beyond
// the retention window. It must not be called with an entry lock held.
func (m *Manager) retire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retired = append(m.retired, id)
	for len(m.retired) > m.retain {
		old := m.retired[0]
		m.retired[0] = ""
		m.retired = m.retired[1:]
		e, ok := m.entries[old]
		if !ok {
			continue
		}
		delete(m.entries, old)
		m.tenants[e.p.TenantID] = without(m.tenants[e.p.TenantID], e)
		if len(m.tenants[e.p.TenantID]) == 0 {
			delete(m.tenants, e.p.TenantID)
		}
		bk := batchKey(e.p.TenantID, e.p.BatchID)
		m.batches[bk] = without(m.batches[bk], e)
		if len(m.batches[bk]) == 0 {
			delete(m.batches, bk)
		}
	}
}

func without(list []*entry, e *entry) []*entry {
	for i, cur := range list {
		if cur == e {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func batchKey(tenantID, batchID string) string {
	return tenantID + "\x00" + batchID
}

func (m *Manager) lookup(tenantID, id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	if tenantID != "" {
		e.mu.Lock()
		owner := e.p.TenantID
		e.mu.Unlock()
		if owner != tenantID {
			return nil, fmt.Errorf("%w: %s", ErrActionNotFound, id)
		}
	}
	return e, nil
}

// persist must be called with the entry lock held.
func (m *Manager) persist(ctx context.Context, p *actions.Proposal) {
	if m.repo == nil {
		return
	}
	if err := m.repo.SaveProposal(ctx, p.Clone()); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist action",
			"action_id", p.ID, "tenant", p.TenantID, "status", p.Status, "error", err)
	}
}

func (m *Manager) record(ctx context.Context, p *actions.Proposal, action string, metadata map[string]any) {
	if m.auditor == nil {
		return
	}
	metadata["tenant_id"] = p.TenantID
	metadata["batch_id"] = p.BatchID
	metadata["status"] = string(p.Status)
	metadata["canonical_type"] = string(p.CanonicalType)
	if err := m.auditor.Record(ctx, audit.EventAction, action, "action:"+p.ID, metadata); err != nil {
		m.logger.ErrorContext(ctx, "audit write failed", "action_id", p.ID, "error", err)
	}
}
