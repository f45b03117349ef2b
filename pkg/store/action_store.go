package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/actions"
)

// ErrNotFound is returned for unknown rows.
var ErrNotFound = errors.New("not found")

// ActionStore persists proposals in action_proposals. It works on both the
// Postgres and SQLite schemas.
type ActionStore struct {
	db *sql.DB
}

func NewActionStore(db *sql.DB) *ActionStore {
	return &ActionStore{db: db}
}

const proposalColumns = `id, tenant_id, conversation_key, batch_id, persona_id, raw_type, canonical_type, params,
	status, requires_approval, policy_reason, error_message, external_reference, decided_by, decision_reason,
	created_at, updated_at`

// SaveProposal upserts p by id.
func (s *ActionStore) SaveProposal(ctx context.Context, p *actions.Proposal) error {
	params, err := json.Marshal(p.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if p.Params == nil {
		params = []byte("{}")
	}

	query := `
		INSERT INTO action_proposals (` + proposalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			canonical_type = excluded.canonical_type,
			status = excluded.status,
			requires_approval = excluded.requires_approval,
			policy_reason = excluded.policy_reason,
			error_message = excluded.error_message,
			external_reference = excluded.external_reference,
			decided_by = excluded.decided_by,
			decision_reason = excluded.decision_reason,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.TenantID, p.ConversationKey, p.BatchID, p.PersonaID, p.RawType, string(p.CanonicalType), string(params),
		string(p.Status), p.RequiresApproval, p.PolicyReason, p.ErrorMessage, p.ExternalReference, p.DecidedBy, p.DecisionReason,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save proposal %s: %w", p.ID, err)
	}
	return nil
}

// GetProposal loads one proposal.
func (s *ActionStore) GetProposal(ctx context.Context, id string) (*actions.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM action_proposals WHERE id = $1`, id)
	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return p, nil
}

// ListProposals returns proposals in any of statuses, oldest first. No
// statuses means all rows.
func (s *ActionStore) ListProposals(ctx context.Context, statuses ...actions.Status) ([]*actions.Proposal, error) {
	return s.listProposals(ctx, "", statuses)
}

// ListTenantProposals is ListProposals restricted to one tenant.
func (s *ActionStore) ListTenantProposals(ctx context.Context, tenantID string, statuses ...actions.Status) ([]*actions.Proposal, error) {
	if tenantID == "" {
		return []*actions.Proposal{}, nil
	}
	return s.listProposals(ctx, tenantID, statuses)
}

func (s *ActionStore) listProposals(ctx context.Context, tenantID string, statuses []actions.Status) ([]*actions.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM action_proposals`
	args := make([]any, 0, len(statuses)+1)
	var where []string
	if tenantID != "" {
		args = append(args, tenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			args = append(args, string(st))
			marks[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, `status IN (`+strings.Join(marks, ", ")+`)`)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*actions.Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProposal(row scanner) (*actions.Proposal, error) {
	var (
		p         actions.Proposal
		canonical string
		status    string
		params    string
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.ConversationKey, &p.BatchID, &p.PersonaID, &p.RawType, &canonical, &params,
		&status, &p.RequiresApproval, &p.PolicyReason, &p.ErrorMessage, &p.ExternalReference, &p.DecidedBy, &p.DecisionReason,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.CanonicalType = actions.Type(canonical)
	p.Status = actions.Status(status)
	if params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &p.Params); err != nil {
			return nil, fmt.Errorf("decode params of %s: %w", p.ID, err)
		}
	}
	return &p, nil
}
