package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type FileStoreOption func(*FileStore)

// WithFileClock replaces the clock used to drop expired entries at load.
func WithFileClock(now func() time.Time) FileStoreOption {
	return func(f *FileStore) {
		f.now = now
	}
}

// FileStore keeps every entry in one JSON document on disk. The document is
// read on first use, with expired entries dropped, and rewritten whole after
// each change.
type FileStore struct {
	path     string
	strategy EncryptionStrategy
	now      func() time.Time

	mu      sync.Mutex
	loaded  bool
	entries map[string]string // storage key -> sealed record
}

// NewFileStore creates a store backed by the document at path. The strategy
// parameter controls encryption of stored records; nil defaults to
// NoEncryptionStrategy.
func NewFileStore(path string, strategy EncryptionStrategy, opts ...FileStoreOption) *FileStore {
	if strategy == nil {
		strategy = &NoEncryptionStrategy{}
	}

	f := &FileStore{
		path:     path,
		strategy: strategy,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

func (f *FileStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.load(ctx); err != nil {
		return Entry{}, false, err
	}

	value, ok := f.entries[f.strategy.StorageKey(key)]
	if !ok {
		return Entry{}, false, nil
	}

	entry, err := openRecord(ctx, f.strategy, key, value)
	if err != nil {
		return Entry{}, false, err
	}

	return entry, true, nil
}

func (f *FileStore) Set(ctx context.Context, entry Entry) error {
	value, err := sealRecord(ctx, f.strategy, entry)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.load(ctx); err != nil {
		return err
	}

	f.entries[f.strategy.StorageKey(entry.Key)] = value

	return f.persist()
}

func (f *FileStore) Clear(ctx context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.load(ctx); err != nil {
		return err
	}

	if prefix == "" {
		clear(f.entries)
	} else {
		storagePrefix := f.strategy.StorageKey(prefix)
		for k := range f.entries {
			if strings.HasPrefix(k, storagePrefix) {
				delete(f.entries, k)
			}
		}
	}

	return f.persist()
}

func (f *FileStore) Close() error {
	return f.strategy.Close()
}

// load reads the document once. A missing document is an empty cache; an
// unreadable one is discarded with a warning.
func (f *FileStore) load(ctx context.Context) error {
	if f.loaded {
		return nil
	}

	f.entries = make(map[string]string)

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading cache file: %w", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("path", f.path).Msg("cache file is corrupt, starting empty")
		f.loaded = true
		return nil
	}

	now := f.now()
	dropped := 0
	for storageKey, raw := range doc {
		value := string(raw)
		if strings.HasPrefix(value, `"`) {
			if err := json.Unmarshal(raw, &value); err != nil {
				dropped++
				continue
			}
		}

		key := strings.TrimPrefix(storageKey, f.strategy.StorageKey(""))
		entry, err := openRecord(ctx, f.strategy, key, value)
		if err != nil || !entry.Valid(now) {
			dropped++
			continue
		}

		f.entries[storageKey] = value
	}

	f.loaded = true

	log.Ctx(ctx).Debug().
		Str("path", f.path).
		Int("entries", len(f.entries)).
		Int("dropped", dropped).
		Msg("cache file loaded")

	if dropped > 0 {
		return f.persist()
	}

	return nil
}

// persist rewrites the document through a temporary file so readers never
// observe a partial write.
func (f *FileStore) persist() error {
	doc := make(map[string]json.RawMessage, len(f.entries))
	for k, v := range f.entries {
		if json.Valid([]byte(v)) && strings.HasPrefix(v, "{") {
			doc[k] = json.RawMessage(v)
			continue
		}
		quoted, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding cache record: %w", err)
		}
		doc[k] = quoted
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding cache file: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".api-cache-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary cache file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing cache file: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replacing cache file: %w", err)
	}

	return nil
}
