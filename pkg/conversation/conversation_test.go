package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func turns(n int) []Turn {
	out := make([]Turn, n)
	for i := range out {
		out[i] = Turn{Role: RoleUser, Content: fmt.Sprintf("m%d", i)}
	}
	return out
}

func TestWindow(t *testing.T) {
	history := turns(15)

	w := Window(history, 10)
	require.Len(t, w, 10)
	assert.Equal(t, "m5", w[0].Content)
	assert.Equal(t, "m14", w[9].Content)

	w[0].Content = "changed"
	assert.Equal(t, "m5", history[5].Content)

	assert.Len(t, Window(turns(3), 10), 3)
	assert.Empty(t, Window(history, 0))
	assert.Empty(t, Window(nil, 5))
}

func TestKey(t *testing.T) {
	k := Key{TenantID: "org-1", Scope: "agent_copilot"}
	require.NoError(t, k.Validate())
	assert.Equal(t, "org-1/agent_copilot", k.String())

	parsed, err := ParseKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	_, err = ParseKey("no-slash")
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = ParseKey("org-1/")
	require.ErrorIs(t, err, ErrInvalidKey)
	require.ErrorIs(t, Key{Scope: "x"}.Validate(), ErrInvalidKey)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := Key{TenantID: "t1", Scope: "s"}
	b := Key{TenantID: "t2", Scope: "s"}

	for _, turn := range turns(12) {
		require.NoError(t, s.AppendTurn(ctx, a, turn))
	}
	require.NoError(t, s.AppendTurn(ctx, b, Turn{Role: RoleAssistant, Content: "other"}))

	got, err := s.ReadRecentTurns(ctx, a, 10)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, "m2", got[0].Content)
	assert.False(t, got[0].CreatedAt.IsZero())

	got, err = s.ReadRecentTurns(ctx, b, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.Error(t, s.AppendTurn(ctx, Key{}, Turn{}))
	_, err = s.ReadRecentTurns(ctx, Key{}, 1)
	require.Error(t, err)
}

func TestLocker_SerializesSameKey(t *testing.T) {
	ctx := context.Background()
	l := NewLocker()
	s := NewMemoryStore()
	key := Key{TenantID: "t", Scope: "c"}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock, err := l.Lock(ctx, key)
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			// a user turn and its reply must stay adjacent
			_ = s.AppendTurn(ctx, key, Turn{Role: RoleUser, Content: fmt.Sprint(i)})
			time.Sleep(time.Millisecond)
			_ = s.AppendTurn(ctx, key, Turn{Role: RoleAssistant, Content: fmt.Sprint(i)})
		}(i)
	}
	wg.Wait()

	all, err := s.ReadRecentTurns(ctx, key, 100)
	require.NoError(t, err)
	require.Len(t, all, 40)
	for i := 0; i < len(all); i += 2 {
		assert.Equal(t, RoleUser, all[i].Role)
		assert.Equal(t, RoleAssistant, all[i+1].Role)
		assert.Equal(t, all[i].Content, all[i+1].Content)
	}
	assert.Equal(t, 0, l.held())
}

func TestLocker_DifferentKeysIndependent(t *testing.T) {
	ctx := context.Background()
	l := NewLocker()

	unlockA, err := l.Lock(ctx, Key{TenantID: "t", Scope: "a"})
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := l.Lock(ctx, Key{TenantID: "t", Scope: "b"})
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestLocker_ContextCancel(t *testing.T) {
	l := NewLocker()
	key := Key{TenantID: "t", Scope: "c"}

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, key)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // idempotent
	assert.Equal(t, 0, l.held())
}
