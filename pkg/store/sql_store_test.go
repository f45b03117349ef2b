package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/actions"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/conversation"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func sampleProposal(id string, status actions.Status, created time.Time) *actions.Proposal {
	return &actions.Proposal{
		ID:              id,
		TenantID:        "org-1",
		ConversationKey: "org-1/session-1",
		BatchID:         "batch-1",
		PersonaID:       "lead_nurse",
		RawType:         "send_email",
		CanonicalType:   actions.TypeSendEmail,
		Params:          actions.Params{"to": "a@example.com", "subject": "Hi"},
		Status:          status,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestActionStore_SaveProposal_Postgres(t *testing.T) {
	db, mock := newMock(t)
	s := NewActionStore(db)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := sampleProposal("a-1", actions.StatusPendingApproval, now)
	p.RequiresApproval = true

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO action_proposals")).
		WithArgs("a-1", "org-1", "org-1/session-1", "batch-1", "lead_nurse", "send_email", "SEND_EMAIL",
			`{"subject":"Hi","to":"a@example.com"}`, "PENDING_APPROVAL", true, "", "", "", "", "", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveProposal(context.Background(), p))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActionStore_ListProposals_Postgres(t *testing.T) {
	db, mock := newMock(t)
	s := NewActionStore(db)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "conversation_key", "batch_id", "persona_id", "raw_type",
		"canonical_type", "params", "status", "requires_approval", "policy_reason", "error_message",
		"external_reference", "decided_by", "decision_reason", "created_at", "updated_at"}).
		AddRow("a-1", "org-1", "k", "b", "p", "create_task", "CREATE_TASK", `{"title":"Call"}`, "APPROVED", false,
			"auto", "", "", "", "", now, now)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status IN ($1, $2) ORDER BY created_at, id")).
		WithArgs("PENDING_APPROVAL", "APPROVED").
		WillReturnRows(rows)

	got, err := s.ListProposals(context.Background(), actions.StatusPendingApproval, actions.StatusApproved)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, actions.TypeCreateTask, got[0].CanonicalType)
	assert.Equal(t, actions.StatusApproved, got[0].Status)
	assert.Equal(t, "Call", got[0].Params["title"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActionStore_ListTenantProposals_Postgres(t *testing.T) {
	db, mock := newMock(t)
	s := NewActionStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE tenant_id = $1 AND status IN ($2) ORDER BY created_at, id")).
		WithArgs("org-1", "EXECUTED").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	got, err := s.ListTenantProposals(context.Background(), "org-1", actions.StatusExecuted)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationStore_AppendTurn_Postgres(t *testing.T) {
	db, mock := newMock(t)
	s := NewConversationStore(db)
	key := conversation.Key{TenantID: "org-1", Scope: "s"}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(seq), 0) FROM conversation_turns")).
		WithArgs("org-1/s").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(4)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversation_turns")).
		WithArgs("org-1/s", int64(5), "user", "hello", "agent_copilot", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.AppendTurn(context.Background(), key, conversation.Turn{
		Role: conversation.RoleUser, Content: "hello", PersonaID: "agent_copilot", CreatedAt: at,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationStore_ReadRecentTurns_Postgres(t *testing.T) {
	db, mock := newMock(t)
	s := NewConversationStore(db)
	key := conversation.Key{TenantID: "org-1", Scope: "s"}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY seq DESC")).
		WithArgs("org-1/s", 2).
		WillReturnRows(sqlmock.NewRows([]string{"role", "content", "persona_id", "created_at"}).
			AddRow("assistant", "second", "agent_copilot", at).
			AddRow("user", "first", "", at))

	turns, err := s.ReadRecentTurns(context.Background(), key, 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "first", turns[0].Content)
	assert.Equal(t, conversation.RoleAssistant, turns[1].Role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActionStore_SQLite(t *testing.T) {
	db := openSQLite(t)
	s := NewActionStore(db)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveProposal(ctx, sampleProposal("a-1", actions.StatusPendingApproval, base)))
	require.NoError(t, s.SaveProposal(ctx, sampleProposal("a-2", actions.StatusFailed, base.Add(time.Second))))

	p := sampleProposal("a-1", actions.StatusApproved, base)
	p.DecidedBy = "op-7"
	p.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, s.SaveProposal(ctx, p))

	got, err := s.GetProposal(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, actions.StatusApproved, got.Status)
	assert.Equal(t, "op-7", got.DecidedBy)
	assert.Equal(t, "a@example.com", got.Params["to"])
	assert.True(t, got.UpdatedAt.Equal(base.Add(time.Minute)))

	active, err := s.ListProposals(ctx, actions.StatusPendingApproval, actions.StatusApproved)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a-1", active[0].ID)

	all, err := s.ListProposals(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	foreign := sampleProposal("a-3", actions.StatusExecuted, base.Add(2*time.Second))
	foreign.TenantID = "org-2"
	require.NoError(t, s.SaveProposal(ctx, foreign))

	mine, err := s.ListTenantProposals(ctx, "org-1", actions.StatusFailed, actions.StatusExecuted)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "a-2", mine[0].ID)

	theirs, err := s.ListTenantProposals(ctx, "org-2")
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.Equal(t, "a-3", theirs[0].ID)

	_, err = s.GetProposal(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationStore_SQLite(t *testing.T) {
	db := openSQLite(t)
	s := NewConversationStore(db)
	ctx := context.Background()
	key := conversation.Key{TenantID: "org-1", Scope: "s"}
	other := conversation.Key{TenantID: "org-2", Scope: "s"}

	for _, c := range []string{"one", "two", "three", "four"} {
		require.NoError(t, s.AppendTurn(ctx, key, conversation.Turn{Role: conversation.RoleUser, Content: c}))
	}
	require.NoError(t, s.AppendTurn(ctx, other, conversation.Turn{Role: conversation.RoleUser, Content: "elsewhere"}))

	turns, err := s.ReadRecentTurns(ctx, key, 3)
	require.NoError(t, err)
	var contents []string
	for _, turn := range turns {
		contents = append(contents, turn.Content)
	}
	assert.Equal(t, []string{"two", "three", "four"}, contents)

	none, err := s.ReadRecentTurns(ctx, key, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	err = s.AppendTurn(ctx, conversation.Key{}, conversation.Turn{Content: "x"})
	assert.ErrorIs(t, err, conversation.ErrInvalidKey)
}

func TestAuditRecordStore_SQLite(t *testing.T) {
	db := openSQLite(t)
	s := NewAuditRecordStore(db)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	sealed := []byte(`{"batch_id":"b-1","n":3}`)
	batch := AuditRecord{
		ID: "r-2", Kind: "batch", TenantID: "org-1", Subject: "batch:b-1", Action: "batch.dispatched",
		Payload: sealed, ContentHash: HashBytes(sealed), ArchiveRef: HashBytes(sealed), CreatedAt: base.Add(time.Second),
	}
	require.NoError(t, s.Append(ctx, batch))
	appendRecord(t, s, "r-1", "event", "org-1", base, map[string]any{"target": "lead_nurse"})
	appendRecord(t, s, "r-3", "batch", "org-2", base, map[string]any{"batch_id": "b-2"})
	assert.Error(t, s.Append(ctx, batch), "ids are unique")

	batches, err := s.ExportBundle(ctx, QueryFilter{TenantID: "org-1", EntryType: EntryTypeBatch})
	require.NoError(t, err)
	require.Len(t, batches.Entries, 1)
	got := batches.Entries[0]
	assert.JSONEq(t, string(sealed), string(got.Payload))
	assert.Equal(t, batch.ArchiveRef, got.Metadata["archive_ref"])
	assert.Equal(t, "batch:b-1", got.Metadata["subject"])

	other, err := s.ExportBundle(ctx, QueryFilter{TenantID: "org-2"})
	require.NoError(t, err)
	require.Len(t, other.Entries, 1)
	assert.Equal(t, "r-3", other.Entries[0].EntryID, "tenants never see each other's rows")
}

func appendRecord(t *testing.T, s *AuditRecordStore, id, kind, tenant string, at time.Time, payload any) {
	t.Helper()
	data, err := Canonicalize(payload)
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), AuditRecord{
		ID: id, Kind: kind, TenantID: tenant, Subject: "action:" + id, Action: "action.proposed",
		Payload: data, ContentHash: HashBytes(data), CreatedAt: at,
	}))
}

func TestAuditRecordStore_ExportBundle_SQLite(t *testing.T) {
	db := openSQLite(t)
	s := NewAuditRecordStore(db)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	appendRecord(t, s, "r-2", "batch", "org-1", base.Add(time.Minute), map[string]any{"batch_id": "b-1"})
	appendRecord(t, s, "r-1", "event", "org-1", base, map[string]any{"id": "r-1"})
	appendRecord(t, s, "r-3", "event", "org-2", base, map[string]any{"id": "r-3"})

	bundle, err := s.ExportBundle(ctx, QueryFilter{TenantID: "org-1"})
	require.NoError(t, err)
	require.Equal(t, 2, bundle.EntryCount)
	assert.Equal(t, "r-1", bundle.Entries[0].EntryID)
	assert.Equal(t, EntryTypeBatch, bundle.Entries[1].EntryType)
	assert.Equal(t, bundle.Entries[0].EntryHash, bundle.Entries[1].PreviousHash)
	assert.Equal(t, bundle.Entries[1].EntryHash, bundle.ChainHead)
	require.NoError(t, VerifyBundle(bundle))

	until := base.Add(time.Second)
	early, err := s.ExportBundle(ctx, QueryFilter{TenantID: "org-1", EndTime: &until})
	require.NoError(t, err)
	assert.Equal(t, 1, early.EntryCount)

	_, err = db.ExecContext(ctx, `UPDATE audit_records SET payload = '{"id":"forged"}' WHERE id = 'r-1'`)
	require.NoError(t, err)
	_, err = s.ExportBundle(ctx, QueryFilter{TenantID: "org-1"})
	assert.ErrorIs(t, err, ErrChainBroken)

	_, err = s.ExportBundle(ctx, QueryFilter{})
	assert.Error(t, err)
}
