package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/artifacts"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/store"
)

// RecordAppender is the durable table behind SQLSink.
type RecordAppender interface {
	Append(ctx context.Context, r store.AuditRecord) error
}

// SQLSink writes events and batch records to the audit_records table. When
// an archive is configured, each batch is also stored content-addressed and
// the archive key is kept on the row.
type SQLSink struct {
	records RecordAppender
	archive artifacts.Store
	logger  *slog.Logger
}

func NewSQLSink(records RecordAppender, archive artifacts.Store) *SQLSink {
	return &SQLSink{
		records: records,
		archive: archive,
		logger:  slog.Default().With("component", "audit"),
	}
}

func (s *SQLSink) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error {
	evt := newEvent(ctx, eventType, action, resource, metadata, time.Now())
	payload, err := store.Canonicalize(evt)
	if err != nil {
		return err
	}
	return s.records.Append(ctx, store.AuditRecord{
		ID:          evt.ID,
		Kind:        string(store.EntryTypeEvent),
		TenantID:    evt.TenantID,
		Subject:     resource,
		Action:      action,
		Payload:     payload,
		ContentHash: store.HashBytes(payload),
		CreatedAt:   evt.Timestamp,
	})
}

func (s *SQLSink) WriteBatch(ctx context.Context, rec *BatchRecord) error {
	payload, err := rec.Seal()
	if err != nil {
		return err
	}

	var ref string
	if s.archive != nil {
		ref, err = s.archive.Put(ctx, payload)
		if err != nil {
			// the SQL row remains the record of truth
			s.logger.ErrorContext(ctx, "audit archive failed",
				"tenant", rec.TenantID, "batch_id", rec.BatchID, "error", err)
			ref = ""
		}
	}

	if err := s.records.Append(ctx, store.AuditRecord{
		ID:          rec.ID,
		Kind:        string(store.EntryTypeBatch),
		TenantID:    rec.TenantID,
		Subject:     "batch:" + rec.BatchID,
		Action:      "batch.dispatched",
		Payload:     payload,
		ContentHash: rec.ContentHash,
		ArchiveRef:  ref,
		CreatedAt:   rec.CompletedAt,
	}); err != nil {
		return fmt.Errorf("write batch %s: %w", rec.BatchID, err)
	}
	return nil
}
