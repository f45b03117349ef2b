package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/conversation"
)

// DefaultRetainedTurns caps each Redis conversation list.
const DefaultRetainedTurns = 500

// RedisConversationStore keeps each conversation as a Redis list. Appends are
// RPUSH + LTRIM in one transaction; reads are a single LRANGE of the tail.
type RedisConversationStore struct {
	client   *redis.Client
	prefix   string
	retained int64
	clock    func() time.Time
}

// RedisOptions configures NewRedisConversationStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Retained is the number of turns kept per conversation.
	Retained int
}

func NewRedisConversationStore(opts RedisOptions) *RedisConversationStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	retained := int64(opts.Retained)
	if retained <= 0 {
		retained = DefaultRetainedTurns
	}
	return &RedisConversationStore{client: rdb, prefix: "coworker:conversation:", retained: retained, clock: time.Now}
}

// Ping waits for Redis with exponential backoff.
func (s *RedisConversationStore) Ping(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectMaxElapsed
	return backoff.Retry(func() error {
		return s.client.Ping(ctx).Err()
	}, backoff.WithContext(bo, ctx))
}

func (s *RedisConversationStore) Close() error {
	return s.client.Close()
}

func (s *RedisConversationStore) key(k conversation.Key) string {
	return s.prefix + k.String()
}

func (s *RedisConversationStore) AppendTurn(ctx context.Context, key conversation.Key, turn conversation.Turn) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.clock()
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}

	k := s.key(key)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, k, data)
		pipe.LTrim(ctx, k, -s.retained, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis append turn: %w", err)
	}
	return nil
}

func (s *RedisConversationStore) ReadRecentTurns(ctx context.Context, key conversation.Key, limit int) ([]conversation.Turn, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []conversation.Turn{}, nil
	}
	raw, err := s.client.LRange(ctx, s.key(key), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read turns: %w", err)
	}
	turns := make([]conversation.Turn, 0, len(raw))
	for _, item := range raw {
		var t conversation.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}
