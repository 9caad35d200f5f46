package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowchat/internal/models"
	"flowchat/internal/redis"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RecallCache memoizes Recall results per room. Any memory write invalidates
// every room at once.
type RecallCache interface {
	Load(ctx context.Context, roomID string) ([]*models.Memory, bool)
	Store(ctx context.Context, roomID string, mems []*models.Memory)
	Invalidate(ctx context.Context)
}

type NopCache struct{}

func (NopCache) Load(context.Context, string) ([]*models.Memory, bool) { return nil, false }
func (NopCache) Store(context.Context, string, []*models.Memory)       {}
func (NopCache) Invalidate(context.Context)                            {}

const (
	recallVersionKey = "flowchat:memory:version"
	defaultRecallTTL = 5 * time.Minute
)

// RedisCache keys entries by a version counter; Invalidate bumps the counter
// so stale entries are never read again and expire by TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultRecallTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) version(ctx context.Context) (string, error) {
	v, err := c.client.Get(ctx, recallVersionKey)
	if errors.Is(err, redis.ErrCacheMiss) {
		return "0", nil
	}
	return string(v), err
}

func (c *RedisCache) key(ctx context.Context, roomID string) (string, error) {
	v, err := c.version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("flowchat:memory:recall:%s:%s", v, roomID), nil
}

func (c *RedisCache) Load(ctx context.Context, roomID string) ([]*models.Memory, bool) {
	key, err := c.key(ctx, roomID)
	if err != nil {
		log.Warn().Err(err).Msg("recall cache version lookup failed")
		return nil, false
	}
	raw, err := c.client.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Warn().Err(err).Str("room_id", roomID).Msg("recall cache load failed")
		}
		return nil, false
	}
	var mems []*models.Memory
	if err := json.Unmarshal(raw, &mems); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("recall cache decode failed")
		return nil, false
	}
	return mems, true
}

func (c *RedisCache) Store(ctx context.Context, roomID string, mems []*models.Memory) {
	key, err := c.key(ctx, roomID)
	if err != nil {
		return
	}
	data, err := json.Marshal(mems)
	if err != nil {
		log.Warn().Err(err).Msg("recall cache encode failed")
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("recall cache store failed")
	}
}

func (c *RedisCache) Invalidate(ctx context.Context) {
	if _, err := c.client.Incr(ctx, recallVersionKey); err != nil {
		log.Warn().Err(err).Msg("recall cache invalidate failed")
	}
}
