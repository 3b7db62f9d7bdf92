package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"altar/api/internal/apperr"
)

// RedisStore keeps snapshots as plain string values without expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "altar:snapshot:"}
}

func (s *RedisStore) key(roomID string) string {
	return s.prefix + Key(roomID)
}

func (s *RedisStore) Load(ctx context.Context, roomID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.NotFound("snapshot for room %s", roomID)
	}
	if err != nil {
		return nil, apperr.Transient(err, "load snapshot %s", roomID)
	}
	return data, nil
}

func (s *RedisStore) Save(ctx context.Context, roomID string, data []byte) error {
	if err := s.client.Set(ctx, s.key(roomID), data, 0).Err(); err != nil {
		return apperr.Transient(err, "save snapshot %s", roomID)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
