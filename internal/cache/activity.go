// Package cache provides the redis-backed patron activity cache. The
// engine treats it as best effort: a cold or unreachable cache falls
// back to the store and never fails a circulation operation.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openlend/circ/internal/circ"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const keyPrefix = "circ:activity:"

// DefaultTTL bounds staleness when an invalidation is lost.
const DefaultTTL = 15 * time.Minute

// Commands is the subset of redis commands the cache uses. Satisfied by
// *redis.Client.
type Commands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// ActivityCache caches per-patron activity summaries in redis.
type ActivityCache struct {
	client Commands
	ttl    time.Duration
	logger zerolog.Logger
}

// New creates an activity cache. A zero ttl uses DefaultTTL.
func New(client Commands, ttl time.Duration, logger zerolog.Logger) *ActivityCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ActivityCache{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "activity_cache").Logger(),
	}
}

func key(patronID uuid.UUID) string {
	return keyPrefix + patronID.String()
}

// Get returns the cached activity, or false on a miss or redis error.
func (c *ActivityCache) Get(ctx context.Context, patronID uuid.UUID) (*circ.PatronActivity, bool) {
	data, err := c.client.Get(ctx, key(patronID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug().
				Err(err).
				Str("patron_id", patronID.String()).
				Msg("cache read failed")
		}
		return nil, false
	}

	var activity circ.PatronActivity
	if err := json.Unmarshal(data, &activity); err != nil {
		c.logger.Warn().
			Err(err).
			Str("patron_id", patronID.String()).
			Msg("corrupt cache entry, dropping")
		c.Invalidate(ctx, patronID)
		return nil, false
	}
	return &activity, true
}

// Set stores the activity summary with the configured TTL.
func (c *ActivityCache) Set(ctx context.Context, patronID uuid.UUID, activity *circ.PatronActivity) {
	data, err := json.Marshal(activity)
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("patron_id", patronID.String()).
			Msg("failed to marshal activity for cache")
		return
	}

	if err := c.client.Set(ctx, key(patronID), data, c.ttl).Err(); err != nil {
		c.logger.Debug().
			Err(err).
			Str("patron_id", patronID.String()).
			Msg("cache write failed")
	}
}

// Invalidate drops the patron's cached summary. Called after every
// committed circulation transition.
func (c *ActivityCache) Invalidate(ctx context.Context, patronID uuid.UUID) {
	if err := c.client.Del(ctx, key(patronID)).Err(); err != nil {
		c.logger.Debug().
			Err(err).
			Str("patron_id", patronID.String()).
			Msg("cache invalidation failed")
	}
}
