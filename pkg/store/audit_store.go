// Package store holds persistence for proposals, conversation turns and audit
// records: SQL (Postgres, or SQLite in lite mode), Redis for conversation
// history, and an in-process hash-chained audit log.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	ErrEntryNotFound    = errors.New("entry not found")
	ErrChainBroken      = errors.New("hash chain is broken")
	ErrInvalidEntryType = errors.New("invalid entry type")
)

// EntryType categorizes audit entries.
type EntryType string

const (
	// EntryTypeEvent is a single audit event (routing, action transition).
	EntryTypeEvent EntryType = "event"
	// EntryTypeBatch is the summary of one dispatched batch.
	EntryTypeBatch EntryType = "batch"
)

const genesis = "genesis"

// AuditEntry is a single immutable entry in the audit store.
type AuditEntry struct {
	EntryID      string            `json:"entry_id"`
	Sequence     uint64            `json:"sequence"`
	Timestamp    time.Time         `json:"timestamp"`
	EntryType    EntryType         `json:"entry_type"`
	TenantID     string            `json:"tenant_id"`
	Action       string            `json:"action"`
	Payload      json.RawMessage   `json:"payload"`
	PayloadHash  string            `json:"payload_hash"`
	PreviousHash string            `json:"previous_hash"`
	EntryHash    string            `json:"entry_hash"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// AuditStore is an append-only audit log with hash chaining. Payloads are
// stored in RFC 8785 canonical form, so the hashes are reproducible from the
// JSON alone.
//
// With a retention limit only the newest entries are held; the chain stays
// verifiable from the oldest retained entry onwards.
type AuditStore struct {
	mu         sync.RWMutex
	entries    []*AuditEntry
	entryByID  map[string]*AuditEntry
	sequence   uint64
	chainHead  string
	base       string // previous_hash of entries[0]
	maxEntries int
	clock      func() time.Time
}

// AuditStoreOption configures an AuditStore.
type AuditStoreOption func(*AuditStore)

// WithMaxEntries caps the number of entries held in memory. Zero keeps all.
func WithMaxEntries(n int) AuditStoreOption {
	return func(s *AuditStore) { s.maxEntries = n }
}

func NewAuditStore(opts ...AuditStoreOption) *AuditStore {
	s := &AuditStore{
		entries:   make([]*AuditEntry, 0),
		entryByID: make(map[string]*AuditEntry),
		chainHead: genesis,
		base:      genesis,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds an entry and advances the chain head.
func (s *AuditStore) Append(entryType EntryType, tenantID, action string, payload any, metadata map[string]string) (*AuditEntry, error) {
	if entryType != EntryTypeEvent && entryType != EntryTypeBatch {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEntryType, entryType)
	}
	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &AuditEntry{
		EntryID:      uuid.New().String(),
		Sequence:     s.sequence + 1,
		Timestamp:    s.clock().UTC(),
		EntryType:    entryType,
		TenantID:     tenantID,
		Action:       action,
		Payload:      canonical,
		PayloadHash:  HashBytes(canonical),
		PreviousHash: s.chainHead,
		Metadata:     metadata,
	}
	hash, err := entryHash(entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	s.sequence = entry.Sequence
	s.chainHead = hash
	s.entries = append(s.entries, entry)
	s.entryByID[entry.EntryID] = entry
	if s.maxEntries > 0 && len(s.entries) > s.maxEntries {
		drop := len(s.entries) - s.maxEntries
		for _, old := range s.entries[:drop] {
			delete(s.entryByID, old.EntryID)
		}
		s.entries = append([]*AuditEntry(nil), s.entries[drop:]...)
		s.base = s.entries[0].PreviousHash
	}
	return entry, nil
}

// Canonicalize marshals v and transforms it into RFC 8785 canonical JSON.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return canonical, nil
}

// HashBytes returns "sha256:<hex>".
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func entryHash(e *AuditEntry) (string, error) {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		EntryType    EntryType `json:"entry_type"`
		TenantID     string    `json:"tenant_id"`
		Action       string    `json:"action"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{e.Sequence, e.Timestamp, e.EntryType, e.TenantID, e.Action, e.PayloadHash, e.PreviousHash}

	data, err := Canonicalize(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to hash entry: %w", err)
	}
	return HashBytes(data), nil
}

func (s *AuditStore) Get(entryID string) (*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entryByID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

func (s *AuditStore) ChainHead() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainHead
}

func (s *AuditStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// QueryFilter selects entries. Zero fields match everything.
type QueryFilter struct {
	EntryType  EntryType
	TenantID   string
	Action     string
	StartTime  *time.Time
	EndTime    *time.Time
	MaxResults int
}

func (f QueryFilter) matches(e *AuditEntry) bool {
	if f.EntryType != "" && e.EntryType != f.EntryType {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// Query returns matching entries in append order.
func (s *AuditStore) Query(filter QueryFilter) []*AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*AuditEntry, 0)
	for _, e := range s.entries {
		if !filter.matches(e) {
			continue
		}
		results = append(results, e)
		if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
			break
		}
	}
	return results
}

// VerifyChain recomputes every payload and entry hash.
func (s *AuditStore) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return verifyEntries(s.entries, s.base)
}

func verifyEntries(entries []*AuditEntry, prev string) error {
	for i, e := range entries {
		if prev != "" && e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s", ErrChainBroken, i, e.PreviousHash, prev)
		}
		// payloads may have been re-indented in transit
		canonical, err := jcs.Transform(e.Payload)
		if err != nil {
			return fmt.Errorf("%w: entry %d payload: %w", ErrChainBroken, i, err)
		}
		if HashBytes(canonical) != e.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, i)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, i, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)", ErrChainBroken, i, computed, e.EntryHash)
		}
		prev = e.EntryHash
	}
	return nil
}

// Bundle is an exportable slice of the chain.
type Bundle struct {
	BundleID   string        `json:"bundle_id"`
	CreatedAt  time.Time     `json:"created_at"`
	StartSeq   uint64        `json:"start_sequence"`
	EndSeq     uint64        `json:"end_sequence"`
	EntryCount int           `json:"entry_count"`
	Entries    []*AuditEntry `json:"entries"`
	ChainHead  string        `json:"chain_head"`
	BundleHash string        `json:"bundle_hash"`
}

// ExportBundle packages the matching entries. A filtered bundle is not
// contiguous, so only each entry's own hashes can be verified from it.
func (s *AuditStore) ExportBundle(_ context.Context, filter QueryFilter) (*Bundle, error) {
	return newBundle(s.Query(filter), s.ChainHead(), s.clock())
}

func newBundle(entries []*AuditEntry, head string, now time.Time) (*Bundle, error) {
	bundle := &Bundle{
		BundleID:   uuid.New().String(),
		CreatedAt:  now.UTC(),
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  head,
	}
	if len(entries) > 0 {
		bundle.StartSeq = entries[0].Sequence
		bundle.EndSeq = entries[len(entries)-1].Sequence
	}
	data, err := Canonicalize(bundle.Entries)
	if err != nil {
		return nil, err
	}
	bundle.BundleHash = HashBytes(data)
	return bundle, nil
}

// VerifyBundle checks the bundle hash and every entry's own hashes.
func VerifyBundle(b *Bundle) error {
	data, err := Canonicalize(b.Entries)
	if err != nil {
		return err
	}
	if HashBytes(data) != b.BundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrChainBroken)
	}
	return verifyEntries(b.Entries, "")
}
