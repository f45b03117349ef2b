package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/conversation"
)

// ConversationStore keeps turns in conversation_turns, ordered by a
// per-conversation sequence number.
type ConversationStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db, clock: time.Now}
}

func (s *ConversationStore) AppendTurn(ctx context.Context, key conversation.Key, turn conversation.Turn) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.clock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM conversation_turns WHERE conversation_key = $1`,
		key.String(),
	).Scan(&seq); err != nil {
		return fmt.Errorf("next turn sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_turns (conversation_key, seq, role, content, persona_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.String(), seq+1, string(turn.Role), turn.Content, turn.PersonaID, turn.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return tx.Commit()
}

// ReadRecentTurns reads at most limit turns through the primary key index.
func (s *ConversationStore) ReadRecentTurns(ctx context.Context, key conversation.Key, limit int) ([]conversation.Turn, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []conversation.Turn{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, persona_id, created_at
		FROM conversation_turns
		WHERE conversation_key = $1
		ORDER BY seq DESC
		LIMIT $2
	`, key.String(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	turns := make([]conversation.Turn, 0, limit)
	for rows.Next() {
		var (
			t    conversation.Turn
			role string
		)
		if err := rows.Scan(&role, &t.Content, &t.PersonaID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Role = conversation.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
