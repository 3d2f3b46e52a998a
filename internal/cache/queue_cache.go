// Package cache keeps short-lived copies of doctor queue views in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"qms/clinic-queue/internal/models"
)

const (
	queueKeyPrefix = "clinic:queue:"
	redisTimeout   = 2 * time.Second
	defaultTTL     = 5 * time.Second
)

// NewRedisClient connects to the Redis instance at url and checks it answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

type QueueCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewQueueCache(client redis.Cmdable, ttl time.Duration) *QueueCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &QueueCache{client: client, ttl: ttl}
}

// Get returns the cached queue view. A miss is (nil, false, nil).
func (c *QueueCache) Get(ctx context.Context, doctorID string) ([]models.Token, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, queueKey(doctorID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var tokens []models.Token
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, false, fmt.Errorf("decode cached queue %s: %w", doctorID, err)
	}
	return tokens, true, nil
}

func (c *QueueCache) Set(ctx context.Context, doctorID string, tokens []models.Token) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	if tokens == nil {
		tokens = []models.Token{}
	}
	raw, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, queueKey(doctorID), raw, c.ttl).Err()
}

func (c *QueueCache) Invalidate(ctx context.Context, doctorID string) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	return c.client.Del(ctx, queueKey(doctorID)).Err()
}

func queueKey(doctorID string) string {
	return queueKeyPrefix + doctorID
}
