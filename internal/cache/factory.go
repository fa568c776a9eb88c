package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/chinmina/partner-bridge/internal/config"
	"github.com/chinmina/partner-bridge/internal/ratelimit"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

const redisPingTimeout = 5 * time.Second

// NewFromConfig creates the response cache with the durable tier selected by
// the configuration: "file", "redis" or "memory" (no durable tier).
func NewFromConfig(
	ctx context.Context,
	cacheConfig config.CacheConfig,
	registry *ratelimit.Registry,
	opts ...Option,
) (*Cache, error) {
	strategy, err := newStrategy(cacheConfig.Encryption)
	if err != nil {
		return nil, err
	}

	opts = append([]Option{WithMemorySize(cacheConfig.MemoryMaxEntries)}, opts...)

	switch cacheConfig.Type {
	case "file":
		log.Info().
			Str("cache_type", "file").
			Str("path", cacheConfig.FilePath).
			Bool("encrypted", cacheConfig.Encryption.Enabled).
			Msg("initializing file-backed response cache")

		store := NewFileStore(cacheConfig.FilePath, strategy)
		return New(NewInstrumented(store, "file"), registry, opts...), nil

	case "redis":
		log.Info().
			Str("cache_type", "redis").
			Str("address", cacheConfig.Redis.Address).
			Bool("tls", cacheConfig.Redis.TLS).
			Bool("encrypted", cacheConfig.Encryption.Enabled).
			Msg("initializing redis-backed response cache")

		if cacheConfig.Redis.Address == "" {
			return nil, fmt.Errorf("redis address is required when cache type is redis")
		}

		redisOpts := &redis.Options{
			Addr:     cacheConfig.Redis.Address,
			Password: cacheConfig.Redis.Password,
			DB:       cacheConfig.Redis.DB,
		}

		if cacheConfig.Redis.TLS {
			redisOpts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}

		client := redis.NewClient(redisOpts)

		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()

		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		store := NewRedisStore(client, cacheConfig.Redis.KeyPrefix, strategy)
		return New(NewInstrumented(store, "redis"), registry, opts...), nil

	case "memory":
		log.Info().
			Str("cache_type", "memory").
			Msg("initializing in-memory response cache")

		return New(NoStore{}, registry, opts...), nil

	default:
		return nil, fmt.Errorf("invalid cache type %q: must be one of \"file\", \"redis\" or \"memory\"", cacheConfig.Type)
	}
}

func newStrategy(cfg config.CacheEncryptionConfig) (EncryptionStrategy, error) {
	if !cfg.Enabled {
		return &NoEncryptionStrategy{}, nil
	}

	key, err := cfg.DecodedKey()
	if err != nil {
		return nil, fmt.Errorf("initializing encryption: %w", err)
	}

	aead, err := NewAEADEncryptionStrategy(key)
	if err != nil {
		return nil, fmt.Errorf("initializing encryption: %w", err)
	}

	log.Info().Msg("response cache encryption enabled")

	return NewInstrumentedStrategy(aead), nil
}
