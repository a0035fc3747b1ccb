package bizconfig

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cached is a read-through Redis cache in front of another Source. Redis failures fall through to the
// inner source; a stale entry lives at most ttl unless invalidated earlier.
type Cached struct {
	inner  Source
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewCached(inner Source, rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{inner: inner, rdb: rdb, ttl: ttl, prefix: "slotkeeper:bizcfg:", logger: logger}
}

func (c *Cached) key(businessID string) string {
	return c.prefix + businessID
}

func (c *Cached) Document(ctx context.Context, businessID string) (Document, error) {
	raw, err := c.rdb.Get(ctx, c.key(businessID)).Bytes()
	switch {
	case err == nil:
		var doc Document
		if jsonErr := json.Unmarshal(raw, &doc); jsonErr == nil {
			return doc, nil
		}
		c.logger.WarnContext(ctx, "discarding unreadable cached business config", "business_id", businessID)
	case !errors.Is(err, redis.Nil):
		c.logger.WarnContext(ctx, "business config cache read failed", "business_id", businessID, "err", err)
	}

	doc, err := c.inner.Document(ctx, businessID)
	if err != nil {
		return Document{}, err
	}
	if raw, err := json.Marshal(doc); err == nil {
		if err := c.rdb.Set(ctx, c.key(businessID), raw, c.ttl).Err(); err != nil {
			c.logger.WarnContext(ctx, "business config cache write failed", "business_id", businessID, "err", err)
		}
	}
	return doc, nil
}

func (c *Cached) Businesses(ctx context.Context) ([]string, error) {
	return c.inner.Businesses(ctx)
}

// Invalidate drops the cached document of a business.
func (c *Cached) Invalidate(ctx context.Context, businessID string) error {
	return c.rdb.Del(ctx, c.key(businessID)).Err()
}
