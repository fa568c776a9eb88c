package cache

import (
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

// minimumBackstop is the shortest otter expiry given to an entry, so a promoted
// entry close to its end is not reclaimed before it is served.
const minimumBackstop = time.Second

// memory is the fast tier, an otter cache of entries. Validity is decided by
// the entry's own timestamps; otter's expiry only reclaims entries that are
// never read again.
type memory struct {
	cache   *otter.Cache[string, Entry]
	counter *stats.Counter
}

func newMemory(maxSize int, now func() time.Time) *memory {
	counter := stats.NewCounter()
	cache := otter.Must(&otter.Options[string, Entry]{
		MaximumSize:   maxSize,
		StatsRecorder: counter,
		ExpiryCalculator: otter.ExpiryCreatingFunc(func(e otter.Entry[string, Entry]) time.Duration {
			remaining := e.Value.ExpiresAt().Sub(now())
			return max(remaining, minimumBackstop)
		}),
	})

	return &memory{
		cache:   cache,
		counter: counter,
	}
}

func (m *memory) get(key string) (Entry, bool) {
	return m.cache.GetIfPresent(key)
}

func (m *memory) set(entry Entry) {
	m.cache.Set(entry.Key, entry)
}

func (m *memory) invalidate(key string) {
	m.cache.Invalidate(key)
}

func (m *memory) clear(prefix string) {
	if prefix == "" {
		m.cache.InvalidateAll()
		return
	}

	for key, entry := range m.cache.All() {
		if strings.HasPrefix(entry.Endpoint, prefix) {
			m.cache.Invalidate(key)
		}
	}
}

func (m *memory) keys() []string {
	keys := make([]string, 0, m.cache.EstimatedSize())
	for key := range m.cache.Keys() {
		keys = append(keys, key)
	}
	return keys
}

func (m *memory) counts() (hits, misses uint64) {
	snapshot := m.counter.Snapshot()
	return snapshot.Hits, snapshot.Misses
}
