package unfurl

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisCache keeps previews for a fixed TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    zerolog.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, log zerolog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{client: client, ttl: ttl, prefix: "altar:unfurl:", log: log}
}

func (c *RedisCache) Get(ctx context.Context, rawURL string) (Preview, bool) {
	data, err := c.client.Get(ctx, c.prefix+rawURL).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Msg("preview cache read failed")
		}
		return Preview{}, false
	}
	var preview Preview
	if err := json.Unmarshal(data, &preview); err != nil {
		return Preview{}, false
	}
	return preview, true
}

func (c *RedisCache) Set(ctx context.Context, rawURL string, preview Preview) {
	data, err := json.Marshal(preview)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+rawURL, data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Msg("preview cache write failed")
	}
}
