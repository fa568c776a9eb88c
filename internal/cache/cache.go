// Package cache holds partner API responses in two tiers: a bounded memory
// tier and a durable tier that survives restarts. Entries carry their own
// creation time and lifetime; they expire lazily when read.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/chinmina/partner-bridge/internal/ratelimit"
	"github.com/rs/zerolog/log"
)

// DefaultTTL applies when neither a rate limit rule nor a fallback keyword
// matches the endpoint.
const DefaultTTL = 5 * time.Minute

// fallbackTTLs is consulted in order when the registry has no rule for an
// endpoint. The first keyword contained in the endpoint wins.
var fallbackTTLs = []struct {
	keyword string
	ttl     time.Duration
}{
	{"orders", 5 * time.Minute},
	{"shipments", 10 * time.Minute},
	{"returns", 10 * time.Minute},
	{"invoices", time.Hour},
	{"offers", 15 * time.Minute},
	{"products", 30 * time.Minute},
	{"performance", time.Hour},
	{"revenue", 30 * time.Minute},
}

// Entry is one cached partner response.
type Entry struct {
	Key       string
	Data      json.RawMessage
	CreatedAt time.Time
	TTL       time.Duration
	Endpoint  string
	Params    url.Values
}

// Valid reports whether the entry may still be served.
func (e Entry) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt())
}

func (e Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Key is the cache key for an endpoint and its query parameters. Parameters
// are sorted by name, so their order never changes the key.
func Key(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}
	return endpoint + "?" + params.Encode()
}

// Stats describes the memory tier.
type Stats struct {
	Size   int      `json:"size"`
	Keys   []string `json:"keys"`
	Hits   uint64   `json:"hits"`
	Misses uint64   `json:"misses"`
}

type Option func(*Cache)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithMemorySize bounds the number of entries held in memory. Non-positive
// sizes keep the default.
func WithMemorySize(size int) Option {
	return func(c *Cache) {
		if size > 0 {
			c.memorySize = size
		}
	}
}

// Cache is the two tier response cache.
type Cache struct {
	memory     *memory
	memorySize int
	store      Store
	registry   *ratelimit.Registry
	now        func() time.Time
}

// New creates a cache over the durable store. A nil store keeps responses in
// memory only; a nil registry uses the built-in rate limit table.
func New(store Store, registry *ratelimit.Registry, opts ...Option) *Cache {
	if store == nil {
		store = NoStore{}
	}
	if registry == nil {
		registry = ratelimit.Default()
	}

	c := &Cache{
		memorySize: 10_000,
		store:      store,
		registry:   registry,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.memory = newMemory(c.memorySize, c.now)

	return c
}

// Read returns a valid cached response. Memory is checked first; a durable
// hit is promoted into memory with its original lifetime.
func (c *Cache) Read(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, bool) {
	key := Key(endpoint, params)
	now := c.now()

	if entry, ok := c.memory.get(key); ok {
		if entry.Valid(now) {
			return entry.Data, true
		}
		c.memory.invalidate(key)
	}

	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("durable cache read failed, treating as miss")
		return nil, false
	}
	if !ok || !entry.Valid(now) {
		return nil, false
	}

	c.memory.set(entry)

	return entry.Data, true
}

// Write stores a response in both tiers. The lifetime is ttlOverride when
// positive, otherwise it is derived from the endpoint. Only an invalid payload
// is reported: durable tier failures are logged and dropped.
func (c *Cache) Write(ctx context.Context, endpoint string, value json.RawMessage, params url.Values, ttlOverride time.Duration, method string) error {
	var compact bytes.Buffer
	if err := json.Compact(&compact, value); err != nil {
		return fmt.Errorf("cache payload for %s is not valid JSON: %w", endpoint, err)
	}

	ttl := ttlOverride
	if ttl <= 0 {
		ttl = c.TTLFor(endpoint, method)
	}

	entry := Entry{
		Key:       Key(endpoint, params),
		Data:      json.RawMessage(compact.Bytes()),
		CreatedAt: c.now(),
		TTL:       ttl,
		Endpoint:  endpoint,
		Params:    params,
	}

	c.memory.set(entry)

	if err := c.store.Set(ctx, entry); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", entry.Key).Msg("durable cache write failed")
	}

	return nil
}

// TTLFor resolves the lifetime of a response from the endpoint: the rate
// limit rule when one exists, then the keyword table, then DefaultTTL.
func (c *Cache) TTLFor(endpoint string, method string) time.Duration {
	if rule, ok := c.registry.Lookup(endpoint, method); ok {
		return ratelimit.RuleTTL(rule)
	}

	for _, f := range fallbackTTLs {
		if strings.Contains(endpoint, f.keyword) {
			return f.ttl
		}
	}

	return DefaultTTL
}

// Clear removes every entry whose endpoint starts with prefix, or everything
// when prefix is empty. Memory is always cleared; a durable failure is
// returned.
func (c *Cache) Clear(ctx context.Context, prefix string) error {
	c.memory.clear(prefix)

	if err := c.store.Clear(ctx, prefix); err != nil {
		return fmt.Errorf("clearing durable cache: %w", err)
	}

	log.Ctx(ctx).Info().Str("prefix", prefix).Msg("response cache cleared")

	return nil
}

// Stats describes the memory tier. Keys are sorted.
func (c *Cache) Stats() Stats {
	keys := c.memory.keys()
	slices.Sort(keys)

	hits, misses := c.memory.counts()

	return Stats{
		Size:   len(keys),
		Keys:   keys,
		Hits:   hits,
		Misses: misses,
	}
}

// Close releases the durable store.
func (c *Cache) Close() error {
	return c.store.Close()
}
