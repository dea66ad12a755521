// Package instance answers whether a sending instance is currently usable.
// The external connection manager publishes each instance's status into
// Redis; the dispatch engine only reads it.
package instance

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const statusKey = "instances:status"

// Connected is the status value an instance must report to receive sends.
const Connected = "connected"

// RedisRegistry reads instance statuses from a Redis hash keyed by
// instance ref. A missing entry or an unreachable Redis counts as
// unavailable: the send stays due and is retried next tick.
type RedisRegistry struct {
	rdb *redis.Client
}

func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

func (r *RedisRegistry) IsAvailable(ctx context.Context, instanceRef string) bool {
	status, err := r.rdb.HGet(ctx, statusKey, instanceRef).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		log.Warn().Err(err).Str("instance", instanceRef).Msg("instance status lookup failed, treating as unavailable")
		return false
	}
	return status == Connected
}

// Static is a fixed availability map, used in tests and single-instance
// deployments without a connection manager.
type Static map[string]bool

func (s Static) IsAvailable(_ context.Context, instanceRef string) bool {
	return s[instanceRef]
}
