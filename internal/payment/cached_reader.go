package payment

import (
	"context"
	"encoding/json"
	"time"

	"carmarket-be/internal/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Reader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
}

// CachedReader serves payment status polls from redis and falls back to the
// ledger on a miss or any cache error. Entries are dropped after every
// committed transition.
type CachedReader struct {
	primary     Reader
	redisClient redis.Cmdable
	ttl         time.Duration
}

func NewCachedReader(primary Reader, redisClient redis.Cmdable, ttl time.Duration) *CachedReader {
	return &CachedReader{
		primary:     primary,
		redisClient: redisClient,
		ttl:         ttl,
	}
}

func cacheKey(id uuid.UUID) string {
	return "payment:" + id.String()
}

func (c *CachedReader) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	key := cacheKey(id)

	// Try cache first
	cached, err := c.redisClient.Get(ctx, key).Bytes()
	if err == nil {
		var p Payment
		if err := json.Unmarshal(cached, &p); err == nil {
			return &p, nil
		}
	} else if err != redis.Nil {
		logger.FromCtx(ctx).Warn("payment cache read failed", zap.String("key", key), zap.Error(err))
	}

	p, err := c.primary.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(p)
	if err == nil {
		if err := c.redisClient.Set(ctx, key, data, c.ttl).Err(); err != nil {
			logger.FromCtx(ctx).Warn("payment cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return p, nil
}

func (c *CachedReader) Invalidate(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, cacheKey(id))
	}
	return c.redisClient.Del(ctx, keys...).Err()
}
