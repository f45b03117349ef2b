package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/actions"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/store"
)

// BatchEntry pairs one dispatched action with its result.
type BatchEntry struct {
	ActionID          string          `json:"action_id"`
	PersonaID         string          `json:"persona_id,omitempty"`
	CanonicalType     actions.Type    `json:"canonical_type"`
	Params            actions.Params  `json:"params"`
	DecidedBy         string          `json:"decided_by,omitempty"`
	Outcome           actions.Outcome `json:"outcome"`
	ExternalReference string          `json:"external_reference,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
}

// BatchRecord is the durable summary of one dispatch: tenant, originating
// context and every (action, result) pair.
type BatchRecord struct {
	ID          string                   `json:"id"`
	TenantID    string                   `json:"tenant_id"`
	BatchID     string                   `json:"batch_id"`
	Context     actions.ExecutionContext `json:"context"`
	Entries     []BatchEntry             `json:"entries"`
	Succeeded   int                      `json:"succeeded"`
	Failed      int                      `json:"failed"`
	StartedAt   time.Time                `json:"started_at"`
	CompletedAt time.Time                `json:"completed_at"`
	// ContentHash covers every field above in canonical JSON.
	ContentHash string `json:"content_hash,omitempty"`
}

// NewBatchRecord pairs batch[i] with the result carrying its id. A proposal
// without a result is recorded as a failure so the record always has one
// entry per dispatched action.
func NewBatchRecord(tenantID string, ec actions.ExecutionContext, batch []*actions.Proposal, results []actions.ExecutionResult, started, completed time.Time) *BatchRecord {
	byID := make(map[string]actions.ExecutionResult, len(results))
	for _, r := range results {
		byID[r.ActionID] = r
	}

	rec := &BatchRecord{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		BatchID:     ec.BatchID,
		Context:     ec,
		Entries:     make([]BatchEntry, 0, len(batch)),
		StartedAt:   started.UTC(),
		CompletedAt: completed.UTC(),
	}
	for _, p := range batch {
		r, ok := byID[p.ID]
		if !ok {
			r = actions.ExecutionResult{ActionID: p.ID, Outcome: actions.OutcomeFailure, ErrorMessage: "no result reported"}
		}
		rec.Entries = append(rec.Entries, BatchEntry{
			ActionID:          p.ID,
			PersonaID:         p.PersonaID,
			CanonicalType:     p.CanonicalType,
			Params:            p.Params,
			DecidedBy:         p.DecidedBy,
			Outcome:           r.Outcome,
			ExternalReference: r.ExternalReference,
			ErrorMessage:      r.ErrorMessage,
		})
		if r.Succeeded() {
			rec.Succeeded++
		} else {
			rec.Failed++
		}
	}
	return rec
}

// Seal computes ContentHash and returns the canonical bytes that were hashed.
func (r *BatchRecord) Seal() ([]byte, error) {
	r.ContentHash = ""
	canonical, err := store.Canonicalize(r)
	if err != nil {
		return nil, fmt.Errorf("seal batch %s: %w", r.BatchID, err)
	}
	r.ContentHash = store.HashBytes(canonical)
	return canonical, nil
}

// BatchSink persists batch records.
type BatchSink interface {
	WriteBatch(ctx context.Context, rec *BatchRecord) error
}

// Sinks fans a record out to every sink and joins their errors.
type Sinks []BatchSink

func (s Sinks) WriteBatch(ctx context.Context, rec *BatchRecord) error {
	var errs []error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		if err := sink.WriteBatch(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Loggers fans an event out to every logger and joins their errors.
type Loggers []Logger

func (l Loggers) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error {
	var errs []error
	for _, lg := range l {
		if lg == nil {
			continue
		}
		if err := lg.Record(ctx, eventType, action, resource, metadata); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
