package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/ollama-relay/internal/ai"
)

const defaultPrefix = "relay:history:"

// Store keeps each session as a Redis list of JSON-encoded messages.
type Store struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// Connect opens a client and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return rdb, nil
}

// NewStore wraps rdb. ttl > 0 refreshes the session key's expiry on every append.
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, prefix: defaultPrefix, ttl: ttl}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *Store) Get(ctx context.Context, sessionID string) ([]ai.Message, error) {
	raw, err := s.rdb.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	out := make([]ai.Message, 0, len(raw))
	for _, item := range raw {
		var m ai.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("redisstore: decode %s: %w", sessionID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) Append(ctx context.Context, sessionID string, limit int, msgs ...ai.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		values = append(values, b)
	}

	key := s.key(sessionID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if limit > 0 {
			pipe.LTrim(ctx, key, int64(-limit), -1)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	return err
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, s.key(sessionID)).Err()
}
