// Package actions defines the action proposal data model shared by the
// orchestrator, the lifecycle manager and the execution dispatcher: the
// closed vocabulary of canonical action kinds, proposal statuses, execution
// results and the normalizer that maps free-form action identifiers onto the
// vocabulary.
package actions

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a Proposal.
type Status string

const (
	StatusProposed        Status = "PROPOSED"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusExecuted        Status = "EXECUTED"
	StatusFailed          Status = "FAILED"
)

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusProposed,
		StatusPendingApproval,
		StatusApproved,
		StatusRejected,
		StatusExecuted,
		StatusFailed,
	}
}

// IsTerminal reports whether no further transition is permitted out of s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusRejected:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus accepts the wire form of a status, case-insensitively
// ("pending" is accepted as an alias of PENDING_APPROVAL for the approval tray).
func ParseStatus(s string) (Status, error) {
	if s == "pending" || s == "PENDING" {
		return StatusPendingApproval, nil
	}
	for _, known := range AllStatuses() {
		if strings.EqualFold(string(known), s) {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown action status %q", s)
}

// Params is the untyped key/value bag emitted by generation. Its shape is
// checked lazily at dispatch time against the schema of the canonical type.
type Params map[string]any

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Proposal is a candidate side-effecting operation suggested by generated
// output. CanonicalType is empty until (and unless) normalization resolves it.
type Proposal struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	ConversationKey   string    `json:"conversation_key,omitempty"`
	BatchID           string    `json:"batch_id"`
	PersonaID         string    `json:"persona_id,omitempty"`
	RawType           string    `json:"raw_type"`
	CanonicalType     Type      `json:"canonical_type,omitempty"`
	Params            Params    `json:"params,omitempty"`
	Status            Status    `json:"status"`
	RequiresApproval  bool      `json:"requires_approval"`
	PolicyReason      string    `json:"policy_reason,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	ExternalReference string    `json:"external_reference,omitempty"`
	DecidedBy         string    `json:"decided_by,omitempty"`
	DecisionReason    string    `json:"decision_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Resolved reports whether the canonical type has been resolved.
func (p *Proposal) Resolved() bool {
	return p.CanonicalType != ""
}

// Clone returns a copy of p that shares no mutable state with it.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	c := *p
	c.Params = p.Params.Clone()
	return &c
}

// Outcome is the per-action result of a dispatch.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ExecutionResult is produced one-to-one with each dispatched proposal.
type ExecutionResult struct {
	ActionID          string  `json:"action_id"`
	CanonicalType     Type    `json:"canonical_type,omitempty"`
	Outcome           Outcome `json:"outcome"`
	ExternalReference string  `json:"external_reference,omitempty"`
	ErrorMessage      string  `json:"error_message,omitempty"`
}

// Succeeded reports whether the collaborator reported success.
func (r ExecutionResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// ExecutionContext carries the batch context forwarded to the action-execution
// collaborator and written to the audit trail.
type ExecutionContext struct {
	TenantID        string            `json:"tenant_id"`
	BatchID         string            `json:"batch_id"`
	ConversationKey string            `json:"conversation_key,omitempty"`
	PersonaID       string            `json:"persona_id,omitempty"`
	TransactionID   string            `json:"transaction_id,omitempty"`
	EntityIDs       map[string]string `json:"entity_ids,omitempty"`
	RequestID       string            `json:"request_id,omitempty"`
	Operator        string            `json:"operator,omitempty"`
}
