package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestAuditStore_Append(t *testing.T) {
	store := NewAuditStore()

	entry, err := store.Append(EntryTypeEvent, "org-1", "action.proposed", map[string]string{"b": "2", "a": "1"}, nil)
	if err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if entry.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", entry.Sequence)
	}
	if entry.PreviousHash != "genesis" {
		t.Errorf("expected genesis as first previous hash, got %s", entry.PreviousHash)
	}
	if store.ChainHead() != entry.EntryHash {
		t.Errorf("expected chain head %q, got %q", entry.EntryHash, store.ChainHead())
	}
	if string(entry.Payload) != `{"a":"1","b":"2"}` {
		t.Errorf("payload not canonical: %s", entry.Payload)
	}
}

func TestAuditStore_InvalidEntryType(t *testing.T) {
	store := NewAuditStore()
	_, err := store.Append("deploy", "org-1", "x", nil, nil)
	if !errors.Is(err, ErrInvalidEntryType) {
		t.Fatalf("expected ErrInvalidEntryType, got %v", err)
	}
	if store.Size() != 0 {
		t.Error("rejected entry must not be stored")
	}
}

func TestAuditStore_HashChaining(t *testing.T) {
	store := NewAuditStore()

	e1, _ := store.Append(EntryTypeEvent, "org-1", "routing.decided", nil, nil)
	e2, _ := store.Append(EntryTypeEvent, "org-1", "action.approved", nil, nil)
	e3, _ := store.Append(EntryTypeBatch, "org-1", "batch.dispatched", nil, nil)

	if e2.PreviousHash != e1.EntryHash || e3.PreviousHash != e2.EntryHash {
		t.Error("entries are not chained")
	}
	if e3.Sequence != 3 {
		t.Errorf("expected sequence 3, got %d", e3.Sequence)
	}
	if err := store.VerifyChain(); err != nil {
		t.Errorf("expected valid chain, got %v", err)
	}
}

func TestAuditStore_TamperDetected(t *testing.T) {
	store := NewAuditStore()
	_, _ = store.Append(EntryTypeEvent, "org-1", "a", map[string]int{"n": 1}, nil)
	e2, _ := store.Append(EntryTypeEvent, "org-1", "b", map[string]int{"n": 2}, nil)

	e2.Payload = json.RawMessage(`{"n":3}`)
	if err := store.VerifyChain(); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
}

func TestAuditStore_Query(t *testing.T) {
	store := NewAuditStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	store.clock = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }

	_, _ = store.Append(EntryTypeEvent, "org-1", "routing.decided", nil, nil)
	_, _ = store.Append(EntryTypeEvent, "org-2", "routing.decided", nil, nil)
	_, _ = store.Append(EntryTypeBatch, "org-1", "batch.dispatched", nil, nil)

	if got := store.Query(QueryFilter{TenantID: "org-1"}); len(got) != 2 {
		t.Errorf("expected 2 org-1 entries, got %d", len(got))
	}
	if got := store.Query(QueryFilter{EntryType: EntryTypeBatch}); len(got) != 1 {
		t.Errorf("expected 1 batch entry, got %d", len(got))
	}
	start := base.Add(2 * time.Minute)
	if got := store.Query(QueryFilter{StartTime: &start}); len(got) != 2 {
		t.Errorf("expected 2 entries after start, got %d", len(got))
	}
	if got := store.Query(QueryFilter{MaxResults: 1}); len(got) != 1 {
		t.Errorf("expected MaxResults to cap, got %d", len(got))
	}
}

func TestAuditStore_BundleRoundTrip(t *testing.T) {
	store := NewAuditStore()
	_, _ = store.Append(EntryTypeEvent, "org-1", "a", map[string]any{"x": 1.5}, nil)
	_, _ = store.Append(EntryTypeEvent, "org-2", "b", nil, nil)
	_, _ = store.Append(EntryTypeBatch, "org-1", "c", []string{"z", "y"}, map[string]string{"batch_id": "b-1"})

	bundle, err := store.ExportBundle(context.Background(), QueryFilter{TenantID: "org-1"})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if bundle.EntryCount != 2 || bundle.StartSeq != 1 || bundle.EndSeq != 3 {
		t.Errorf("unexpected bundle bounds: %+v", bundle)
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Bundle
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if err := VerifyBundle(&decoded); err != nil {
		t.Errorf("decoded bundle should verify: %v", err)
	}

	decoded.Entries[0].Action = "forged"
	if err := VerifyBundle(&decoded); err == nil {
		t.Error("expected forged bundle to fail verification")
	}
}

func TestAuditStore_MaxEntries(t *testing.T) {
	store := NewAuditStore(WithMaxEntries(2))
	first, _ := store.Append(EntryTypeEvent, "org-1", "a", nil, nil)
	for _, action := range []string{"b", "c", "d"} {
		if _, err := store.Append(EntryTypeEvent, "org-1", action, nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	if store.Size() != 2 {
		t.Fatalf("expected 2 retained entries, got %d", store.Size())
	}
	if _, err := store.Get(first.EntryID); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected evicted entry to be gone, got %v", err)
	}
	if got := store.Query(QueryFilter{}); got[0].Action != "c" || got[0].Sequence != 3 {
		t.Errorf("unexpected oldest retained entry: %+v", got[0])
	}
	if err := store.VerifyChain(); err != nil {
		t.Errorf("trimmed chain should verify: %v", err)
	}
}

func TestVerifyBundle_ReindentedPayload(t *testing.T) {
	store := NewAuditStore()
	_, _ = store.Append(EntryTypeEvent, "org-1", "a", map[string]any{"b": 1, "a": []int{1, 2}}, nil)
	bundle, err := store.ExportBundle(context.Background(), QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	var decoded Bundle
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if err := VerifyBundle(&decoded); err != nil {
		t.Errorf("indented pack should verify: %v", err)
	}
}
