package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/store"
)

// StoreLogger appends events and batch records to the hash-chained
// in-process AuditStore.
type StoreLogger struct {
	store *store.AuditStore
}

func NewStoreLogger(s *store.AuditStore) *StoreLogger {
	return &StoreLogger{store: s}
}

func (l *StoreLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error {
	if l.store == nil {
		return fmt.Errorf("fail-closed: audit store not configured")
	}
	evt := newEvent(ctx, eventType, action, resource, metadata, time.Now())
	_, err := l.store.Append(store.EntryTypeEvent, evt.TenantID, action, evt, map[string]string{
		"actor_id":   evt.ActorID,
		"event_id":   evt.ID,
		"event_type": string(eventType),
		"resource":   resource,
	})
	return err
}

func (l *StoreLogger) WriteBatch(_ context.Context, rec *BatchRecord) error {
	if l.store == nil {
		return fmt.Errorf("fail-closed: audit store not configured")
	}
	if rec.ContentHash == "" {
		if _, err := rec.Seal(); err != nil {
			return err
		}
	}
	_, err := l.store.Append(store.EntryTypeBatch, rec.TenantID, "batch.dispatched", rec, map[string]string{
		"batch_id":     rec.BatchID,
		"content_hash": rec.ContentHash,
	})
	return err
}
