package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "chatgate:conversation:"

// RedisStore keeps each session as one JSON value. Keys expire after ttl of
// inactivity, which lines up with the conversation age limit.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func redisKey(chatID int64) string {
	return fmt.Sprintf("%s%d", redisKeyPrefix, chatID)
}

func (r *RedisStore) Load(ctx context.Context, chatID int64) (*Session, error) {
	b, err := r.rdb.Get(ctx, redisKey(chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis get session %d", chatID)
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrapf(err, "decode session %d", chatID)
	}
	return &s, nil
}

func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return errors.Wrapf(err, "encode session %d", s.ChatID)
	}
	return errors.Wrapf(r.rdb.Set(ctx, redisKey(s.ChatID), b, r.ttl).Err(), "redis set session %d", s.ChatID)
}

func (r *RedisStore) Delete(ctx context.Context, chatID int64) error {
	return errors.Wrapf(r.rdb.Del(ctx, redisKey(chatID)).Err(), "redis del session %d", chatID)
}
