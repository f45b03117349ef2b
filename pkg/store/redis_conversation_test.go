package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/conversation"
)

// TestRedisConversationStore_Integration requires a running Redis and is
// skipped otherwise.
func TestRedisConversationStore_Integration(t *testing.T) {
	s := NewRedisConversationStore(RedisOptions{Addr: "localhost:6379", Retained: 5})
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := conversation.Key{TenantID: "test-" + uuid.NewString(), Scope: "session"}
	defer s.client.Del(context.Background(), s.key(key))

	for i := 0; i < 8; i++ {
		require.NoError(t, s.AppendTurn(ctx, key, conversation.Turn{Role: conversation.RoleUser, Content: fmt.Sprintf("t%d", i)}))
	}

	turns, err := s.ReadRecentTurns(ctx, key, 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "t5", turns[0].Content)
	assert.Equal(t, "t7", turns[2].Content)

	all, err := s.ReadRecentTurns(ctx, key, 100)
	require.NoError(t, err)
	assert.Len(t, all, 5, "list is trimmed to the retained size")
}
