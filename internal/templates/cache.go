package templates

import (
	"context"
	"errors"
	"time"

	json "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

const (
	cacheKeyPrefix = "autoreg:template:"
	// missMarker records that the backing source has no template.
	missMarker = "-"
)

// Cache is a Redis read-through cache in front of another Source. Redis
// failures degrade to reading the source directly.
type Cache struct {
	src    Source
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

var _ Source = (*Cache)(nil)

func NewCache(src Source, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{src: src, rdb: rdb, ttl: ttl, logger: logger.Named("templates.cache")}
}

func (c *Cache) Lookup(ctx context.Context, manufacturer string) (*schemas.FieldMapping, error) {
	key := cacheKeyPrefix + schemas.ManufacturerKey(manufacturer)
	log := c.logger.With(zap.String("key", key))

	cached, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		if cached == missMarker {
			return nil, nil
		}
		var m schemas.FieldMapping
		if err := json.UnmarshalFromString(cached, &m); err == nil {
			return &m, nil
		}
		log.Warn("Discarding undecodable cached template.")
	case !errors.Is(err, redis.Nil):
		log.Warn("Template cache read failed.", zap.Error(err))
	}

	m, err := c.src.Lookup(ctx, manufacturer)
	if err != nil {
		return nil, err
	}
	value := missMarker
	if m != nil {
		if value, err = json.MarshalToString(m); err != nil {
			return m, nil
		}
	}
	if err := c.rdb.Set(ctx, key, value, c.ttl).Err(); err != nil {
		log.Warn("Template cache write failed.", zap.Error(err))
	}
	return m, nil
}

// Invalidate drops the cached entry for manufacturer.
func (c *Cache) Invalidate(ctx context.Context, manufacturer string) error {
	return c.rdb.Del(ctx, cacheKeyPrefix+schemas.ManufacturerKey(manufacturer)).Err()
}
