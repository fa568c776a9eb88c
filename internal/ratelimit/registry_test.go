package ratelimit_test

import (
	"os"
	"testing"
	"time"

	"github.com/chinmina/partner-bridge/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_LoadsPublishedTable(t *testing.T) {
	rules := ratelimit.Default().Rules()

	require.Len(t, rules, 21)
	assert.Equal(t, "/retailer/orders", rules[0].Path)
	assert.Equal(t, "/retailer/products/*", rules[20].Path)
}

func TestRegistry_Lookup(t *testing.T) {
	registry := ratelimit.Default()

	cases := []struct {
		name     string
		endpoint string
		method   string
		path     string
		found    bool
	}{
		{name: "exact path", endpoint: "/retailer/orders", method: "GET", path: "/retailer/orders", found: true},
		{name: "wildcard segment", endpoint: "/retailer/orders/1234", method: "GET", path: "/retailer/orders/*", found: true},
		{name: "query ignored", endpoint: "/retailer/orders?page=2&status=OPEN", method: "GET", path: "/retailer/orders", found: true},
		{name: "method case ignored", endpoint: "/retailer/orders", method: "get", path: "/retailer/orders", found: true},
		{name: "empty method is GET", endpoint: "/retailer/returns", method: "", path: "/retailer/returns", found: true},
		{name: "method distinguishes rules", endpoint: "/retailer/shipments", method: "POST", path: "/retailer/shipments", found: true},
		{name: "wildcard needs a segment", endpoint: "/retailer/orders/", method: "GET", found: false},
		{name: "wildcard matches one segment", endpoint: "/retailer/orders/1/items", method: "GET", found: false},
		{name: "unmatched method", endpoint: "/retailer/orders", method: "DELETE", found: false},
		{name: "unknown path", endpoint: "/retailer/unknown", method: "GET", found: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule, ok := registry.Lookup(tc.endpoint, tc.method)
			assert.Equal(t, tc.found, ok)
			if tc.found {
				assert.Equal(t, tc.path, rule.Path)
			}
		})
	}
}

func TestRegistry_FirstMatchWins(t *testing.T) {
	// the wildcard rule is declared before the more specific export rule
	rule, ok := ratelimit.Default().Lookup("/retailer/offers/export", "OPTIONS")
	require.True(t, ok)
	assert.Equal(t, "/retailer/offers/*", rule.Path)
	assert.Equal(t, 50, rule.MaxCapacity)

	wildcard := ratelimit.Rule{Path: "/retailer/offers/*", Methods: []string{"PUT", "OPTIONS", "DELETE"}, MaxCapacity: 50, Window: 1, Unit: ratelimit.Seconds}
	export := ratelimit.Rule{Path: "/retailer/offers/export", Methods: []string{"POST", "OPTIONS"}, MaxCapacity: 9, Window: 1, Unit: ratelimit.Hours}

	reordered, err := ratelimit.NewRegistry([]ratelimit.Rule{export, wildcard})
	require.NoError(t, err)

	rule, ok = reordered.Lookup("/retailer/offers/export", "OPTIONS")
	require.True(t, ok)
	assert.Equal(t, "/retailer/offers/export", rule.Path)
	assert.Equal(t, 9, rule.MaxCapacity)
}

func TestRegistry_OptimalTTL(t *testing.T) {
	registry := ratelimit.Default()

	assert.Equal(t, 48*time.Second, registry.OptimalTTL("/retailer/orders", "GET"))
	assert.Equal(t, 800*time.Millisecond, registry.OptimalTTL("/retailer/orders/1234", "GET"))
	assert.Equal(t, 48*time.Minute, registry.OptimalTTL("/retailer/offers/export/abc", "GET"))
	assert.Equal(t, ratelimit.DefaultTTL, registry.OptimalTTL("/retailer/unknown", "GET"))
}

func TestRegistry_SafeInterval(t *testing.T) {
	registry := ratelimit.Default()

	assert.Equal(t, 2640*time.Millisecond, registry.SafeInterval("/retailer/orders", "GET"))
	assert.Equal(t, 44*time.Millisecond, registry.SafeInterval("/retailer/offers", "GET"))
	assert.Equal(t, 22*time.Millisecond, registry.SafeInterval("/retailer/offers", "POST"))
	assert.Equal(t, 440*time.Second, registry.SafeInterval("/retailer/offers/export", "POST"))
	assert.Equal(t, ratelimit.DefaultSafeInterval, registry.SafeInterval("/retailer/unknown", "GET"))
}

func TestRegistry_Describe(t *testing.T) {
	registry := ratelimit.Default()

	assert.Equal(t, "25 requests per 1 minute(s)", registry.Describe("/retailer/orders", "GET"))
	assert.Equal(t, "25 requests per 1 second(s)", registry.Describe("/retailer/orders/1", "GET"))
	assert.Equal(t, "9 requests per 1 hour(s)", registry.Describe("/retailer/offers/export", "POST"))
	assert.Equal(t, "rate limit unknown", registry.Describe("/retailer/unknown", "GET"))
}

func TestParse_RejectsInvalidRules(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{name: "not yaml", doc: "rules: [unterminated"},
		{name: "no rules", doc: "rules: []"},
		{name: "relative path", doc: "rules:\n  - {path: retailer, methods: [GET], maxCapacity: 1, timeToLive: 1, timeUnit: SECONDS}"},
		{name: "no methods", doc: "rules:\n  - {path: /retailer, methods: [], maxCapacity: 1, timeToLive: 1, timeUnit: SECONDS}"},
		{name: "zero capacity", doc: "rules:\n  - {path: /retailer, methods: [GET], maxCapacity: 0, timeToLive: 1, timeUnit: SECONDS}"},
		{name: "zero window", doc: "rules:\n  - {path: /retailer, methods: [GET], maxCapacity: 1, timeToLive: 0, timeUnit: SECONDS}"},
		{name: "unknown unit", doc: "rules:\n  - {path: /retailer, methods: [GET], maxCapacity: 1, timeToLive: 1, timeUnit: DAYS}"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ratelimit.Parse([]byte(tc.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := t.TempDir() + "/limits.yaml"
	doc := "rules:\n  - {path: /retailer/things, methods: [GET], maxCapacity: 10, timeToLive: 2, timeUnit: MINUTES}\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	registry, err := ratelimit.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 96*time.Second, registry.OptimalTTL("/retailer/things", "GET"))
	assert.Equal(t, 13200*time.Millisecond, registry.SafeInterval("/retailer/things", "GET"))

	_, err = ratelimit.LoadFile(t.TempDir() + "/missing.yaml")
	assert.Error(t, err)
}
