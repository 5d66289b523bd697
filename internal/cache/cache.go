// Package cache wires the optional process-wide Redis client. Repositories
// use it through the runtime context to serve hot aggregate reads; the rest
// of the core never requires it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/edgefleet/edgefleet/internal/config"
)

// Connect builds and verifies a Redis client from the cache section.
// Returns nil without error when the cache is disabled.
func Connect(ctx context.Context, cfg config.CacheConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: config.Seconds(cfg.DialTimeout),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache ping %s: %w", cfg.Addr, err)
	}
	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("Cache client connected")
	return client, nil
}

// GetJSON reads a cached JSON value into dest. The boolean reports a hit;
// cache errors are logged, never propagated, so a flaky cache degrades to
// a miss.
func GetJSON(ctx context.Context, client *redis.Client, key string, dest any) bool {
	if client == nil {
		return false
	}
	data, err := client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("key", key).Msg("Cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache entry undecodable, treating as miss")
		return false
	}
	return true
}

// SetJSON stores value as JSON under key with a TTL. Failures are logged
// and swallowed.
func SetJSON(ctx context.Context, client *redis.Client, key string, value any, ttl time.Duration) {
	if client == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache value unencodable")
		return
	}
	if err := client.Set(ctx, key, data, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
	}
}

// Invalidate removes keys, ignoring errors.
func Invalidate(ctx context.Context, client *redis.Client, keys ...string) {
	if client == nil || len(keys) == 0 {
		return
	}
	if err := client.Del(ctx, keys...).Err(); err != nil {
		log.Warn().Err(err).Strs("keys", keys).Msg("Cache invalidation failed")
	}
}
