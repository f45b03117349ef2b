package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/store"
)

var (
	// ErrEmptyTenantID is returned when tenant ID is empty.
	ErrEmptyTenantID = errors.New("audit: tenant_id must not be empty")
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrStoreNotConfigured is returned when audit export is invoked without a backing store.
	ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")
)

// ExportRequest defines what to export.
type ExportRequest struct {
	TenantID  string    `json:"tenant_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// BundleSource yields the chained entries of an export. Both the in-process
// ledger and the durable audit_records table implement it.
type BundleSource interface {
	ExportBundle(ctx context.Context, filter store.QueryFilter) (*store.Bundle, error)
}

// Exporter builds evidence packs: a zip of the tenant's chained entries, a
// manifest and a README.
type Exporter struct {
	source BundleSource
	clock  func() time.Time
}

func NewExporter(source BundleSource) *Exporter {
	return &Exporter{source: source, clock: time.Now}
}

// GeneratePack returns the zip bytes and their hex SHA-256.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if req.TenantID == "" {
		return nil, "", ErrEmptyTenantID
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.source == nil {
		return nil, "", ErrStoreNotConfigured
	}

	filter := store.QueryFilter{TenantID: req.TenantID}
	if !req.StartTime.IsZero() {
		filter.StartTime = &req.StartTime
	}
	if !req.EndTime.IsZero() {
		filter.EndTime = &req.EndTime
	}
	bundle, err := e.source.ExportBundle(ctx, filter)
	if err != nil {
		return nil, "", err
	}

	bundleJSON, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return nil, "", err
	}

	batches := 0
	for _, entry := range bundle.Entries {
		if entry.EntryType == store.EntryTypeBatch {
			batches++
		}
	}
	now := e.clock().UTC()
	manifest := map[string]interface{}{
		"tenant_id":    req.TenantID,
		"generated_at": now,
		"entry_count":  bundle.EntryCount,
		"batch_count":  batches,
		"bundle_hash":  bundle.BundleHash,
		"chain_head":   bundle.ChainHead,
		"period": map[string]interface{}{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	files := []struct {
		name string
		data []byte
	}{
		{"bundle.json", bundleJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf("Audit evidence pack for tenant %s\nGenerated at %s\n", req.TenantID, now.Format(time.RFC3339)))},
	}
	for _, f := range files {
		fw, err := w.Create(f.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(f.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}
