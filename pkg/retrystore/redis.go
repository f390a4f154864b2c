package retrystore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// CounterTTL bounds how long an attempt counter lives without activity,
	// so abandoned fingerprints do not accumulate. Defaults to 24h.
	CounterTTL time.Duration
}

// RedisStore counts attempts in Redis, sharing state between restarts and
// between replicas of the same stage.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisStore creates and connects a RedisStore. It pings the server to
// ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.CounterTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")
	return &RedisStore{
		client: rdb,
		ttl:    ttl,
		logger: logger.With().Str("component", "RedisStore").Logger(),
	}, nil
}

// Bump increments and returns the attempt count for a key.
func (s *RedisStore) Bump(ctx context.Context, key string) (int, error) {
	k := s.key(key)
	count, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempt counter: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, k, s.ttl).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to set TTL on attempt counter.")
		}
	}
	return int(count), nil
}

// Clear forgets the attempt count for a key.
func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to clear attempt counter: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(fingerprint string) string {
	return "speechflow:attempts:" + fingerprint
}
