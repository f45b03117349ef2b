package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AuditRecord is one durable audit row: a single event or a whole dispatch
// batch, stored as canonical JSON.
type AuditRecord struct {
	ID          string
	Kind        string
	TenantID    string
	Subject     string
	Action      string
	Payload     []byte
	ContentHash string
	ArchiveRef  string
	CreatedAt   time.Time
}

// AuditRecordStore appends rows to audit_records. Rows are never updated.
type AuditRecordStore struct {
	db *sql.DB
}

func NewAuditRecordStore(db *sql.DB) *AuditRecordStore {
	return &AuditRecordStore{db: db}
}

func (s *AuditRecordStore) Append(ctx context.Context, r AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, kind, tenant_id, subject, action, payload, content_hash, archive_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.Kind, r.TenantID, r.Subject, r.Action, string(r.Payload), r.ContentHash, r.ArchiveRef, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// ExportBundle packages the tenant's durable records, oldest first, as a
// chain built from genesis. Each row's stored content hash must match its
// payload; a row that does not is reported instead of exported.
func (s *AuditRecordStore) ExportBundle(ctx context.Context, filter QueryFilter) (*Bundle, error) {
	if filter.TenantID == "" {
		return nil, fmt.Errorf("audit records: tenant id is required")
	}
	// time bounds are applied here so one query serves Postgres and SQLite
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, tenant_id, subject, action, payload, content_hash, archive_ref, created_at
		FROM audit_records
		WHERE tenant_id = $1 AND ($2 = '' OR kind = $2)
		ORDER BY created_at, id
	`, filter.TenantID, string(filter.EntryType))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*AuditEntry, 0)
	prev := genesis
	for rows.Next() {
		var (
			r       AuditRecord
			payload string
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.TenantID, &r.Subject, &r.Action, &payload, &r.ContentHash, &r.ArchiveRef, &r.CreatedAt); err != nil {
			return nil, err
		}
		e := &AuditEntry{
			EntryID:   r.ID,
			Timestamp: r.CreatedAt.UTC(),
			EntryType: EntryType(r.Kind),
			TenantID:  r.TenantID,
			Action:    r.Action,
			Payload:   json.RawMessage(payload),
			Metadata:  map[string]string{"subject": r.Subject},
		}
		if !filter.matches(e) {
			continue
		}
		if r.ArchiveRef != "" {
			e.Metadata["archive_ref"] = r.ArchiveRef
		}
		e.PayloadHash = HashBytes(e.Payload)
		if e.PayloadHash != r.ContentHash {
			return nil, fmt.Errorf("%w: record %s content hash mismatch", ErrChainBroken, r.ID)
		}
		e.Sequence = uint64(len(entries) + 1)
		e.PreviousHash = prev
		if e.EntryHash, err = entryHash(e); err != nil {
			return nil, err
		}
		prev = e.EntryHash
		entries = append(entries, e)
		if filter.MaxResults > 0 && len(entries) >= filter.MaxResults {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return newBundle(entries, prev, time.Now())
}
