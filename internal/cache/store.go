package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Store is the durable tier. Implementations persist whole entries and match
// Clear prefixes against the cache key, which always starts with the endpoint.
type Store interface {
	// Get returns the stored entry, whether it was found, and any error. Expired
	// entries may be returned; the caller decides validity.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Set stores or replaces the entry.
	Set(ctx context.Context, entry Entry) error

	// Clear removes every entry with the given key prefix, or all entries when
	// prefix is empty.
	Clear(ctx context.Context, prefix string) error

	// Close releases any resources held by the store.
	Close() error
}

// NoStore is the durable tier used when responses are kept in memory only.
type NoStore struct{}

func (NoStore) Get(context.Context, string) (Entry, bool, error) { return Entry{}, false, nil }
func (NoStore) Set(context.Context, Entry) error                 { return nil }
func (NoStore) Clear(context.Context, string) error              { return nil }
func (NoStore) Close() error                                     { return nil }

// record is the persisted form of an entry. Times are unix milliseconds.
type record struct {
	Data      json.RawMessage `json:"data"`
	CreatedAt int64           `json:"createdAt"`
	TTL       int64           `json:"ttl"`
	Endpoint  string          `json:"endpoint"`
	Params    url.Values      `json:"params,omitempty"`
}

func toRecord(e Entry) record {
	return record{
		Data:      e.Data,
		CreatedAt: e.CreatedAt.UnixMilli(),
		TTL:       e.TTL.Milliseconds(),
		Endpoint:  e.Endpoint,
		Params:    e.Params,
	}
}

func (r record) entry(key string) Entry {
	return Entry{
		Key:       key,
		Data:      r.Data,
		CreatedAt: time.UnixMilli(r.CreatedAt),
		TTL:       time.Duration(r.TTL) * time.Millisecond,
		Endpoint:  r.Endpoint,
		Params:    r.Params,
	}
}

// sealRecord serialises an entry and passes it through the strategy. The
// result is the JSON record itself for pass-through, or an opaque string.
func sealRecord(ctx context.Context, strategy EncryptionStrategy, e Entry) (string, error) {
	data, err := json.Marshal(toRecord(e))
	if err != nil {
		return "", fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	value, err := strategy.EncryptValue(ctx, data, e.Key)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt cache entry: %w", err)
	}

	return value, nil
}

func openRecord(ctx context.Context, strategy EncryptionStrategy, key string, value string) (Entry, error) {
	data, err := strategy.DecryptValue(ctx, value, key)
	if err != nil {
		return Entry{}, fmt.Errorf("cache decryption failure for key %q: %w", key, err)
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return Entry{}, fmt.Errorf("failed to unmarshal cache entry %q: %w", key, err)
	}

	return r.entry(key), nil
}
