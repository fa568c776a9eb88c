package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

const clearBatchSize = 100

type RedisStoreOption func(*RedisStore)

// WithRedisClock replaces the clock used to compute remaining lifetimes.
func WithRedisClock(now func() time.Time) RedisStoreOption {
	return func(r *RedisStore) {
		r.now = now
	}
}

// RedisStore keeps one redis key per entry. Redis expiry is set to the
// remaining lifetime so the server reclaims entries on its own.
type RedisStore struct {
	client   redis.UniversalClient
	prefix   string
	strategy EncryptionStrategy
	now      func() time.Time
}

// NewRedisStore creates a store using the given client. Every key is
// namespaced with keyPrefix. The strategy parameter controls encryption of
// stored records; nil defaults to NoEncryptionStrategy.
func NewRedisStore(client redis.UniversalClient, keyPrefix string, strategy EncryptionStrategy, opts ...RedisStoreOption) *RedisStore {
	if strategy == nil {
		strategy = &NoEncryptionStrategy{}
	}

	r := &RedisStore{
		client:   client,
		prefix:   keyPrefix,
		strategy: strategy,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *RedisStore) redisKey(key string) string {
	return r.prefix + r.strategy.StorageKey(key)
}

// Get retrieves an entry. Undecryptable entries are returned as errors and
// deleted on a best-effort basis.
func (r *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	redisKey := r.redisKey(key)

	value, err := r.client.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to get cached value: %w", err)
	}

	entry, err := openRecord(ctx, r.strategy, key, value)
	if err != nil {
		_ = r.client.Del(ctx, redisKey).Err()
		return Entry{}, false, err
	}

	return entry, true, nil
}

// Set stores an entry with a redis expiry of its remaining lifetime. Entries
// that have already expired are not written.
func (r *RedisStore) Set(ctx context.Context, entry Entry) error {
	remaining := entry.ExpiresAt().Sub(r.now())
	if remaining <= 0 {
		return nil
	}

	value, err := sealRecord(ctx, r.strategy, entry)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, r.redisKey(entry.Key), value, remaining).Err(); err != nil {
		return fmt.Errorf("failed to set cached value: %w", err)
	}

	return nil
}

// Clear deletes matching keys found by SCAN, in batches.
func (r *RedisStore) Clear(ctx context.Context, prefix string) error {
	match := escapeGlob(r.redisKey(prefix)) + "*"

	iter := r.client.Scan(ctx, 0, match, clearBatchSize).Iterator()

	batch := make([]string, 0, clearBatchSize)
	deleted := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to delete cached values: %w", err)
		}
		deleted += len(batch)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == clearBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cached values: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}

	log.Ctx(ctx).Debug().Str("match", match).Int("deleted", deleted).Msg("redis cache entries cleared")

	return nil
}

// Close releases resources associated with the redis client and encryption
// strategy.
func (r *RedisStore) Close() error {
	if err := r.strategy.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing encryption strategy")
	}
	return r.client.Close()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
