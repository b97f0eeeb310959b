package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/freshbazaar/cart-engine/internal/model"
)

// RedisStore persists the guest cart in Redis under one key per session.
// A TTL bounds how long an abandoned guest cart survives.
type RedisStore struct {
	rdb       *redis.Client
	sessionID string
	ttl       time.Duration
}

// NewRedisStore creates a Redis-backed store for the given session.
func NewRedisStore(rdb *redis.Client, sessionID string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, sessionID: sessionID, ttl: ttl}
}

func (s *RedisStore) key() string {
	return fmt.Sprintf("guestcart:%s", s.sessionID)
}

func (s *RedisStore) Load(ctx context.Context) ([]model.Line, error) {
	data, err := s.rdb.Get(ctx, s.key()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var lines []model.Line
	if err := json.Unmarshal(data, &lines); err != nil {
		return nil, nil
	}
	return lines, nil
}

func (s *RedisStore) Save(ctx context.Context, lines []model.Line) error {
	data, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(), data, s.ttl).Err()
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return s.rdb.Del(ctx, s.key()).Err()
}
