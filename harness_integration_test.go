//go:build integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/chinmina/partner-bridge/internal/config"
	"github.com/chinmina/partner-bridge/internal/partner"
	"github.com/chinmina/partner-bridge/internal/server"
	"github.com/chinmina/partner-bridge/internal/testhelpers"
	"github.com/stretchr/testify/require"
)

// APITestHarness manages the complete test environment for API integration tests.
// It starts the token authority and partner mocks, then serves the real routes
// wired to them.
type APITestHarness struct {
	t         *testing.T
	cfg       config.Config
	Server    *httptest.Server
	Authority *testhelpers.MockTokenAuthority
	Partner   *testhelpers.MockPartnerServer
	Redis     *miniredis.Miniredis
}

// APITestHarnessOption configures the API test harness.
type APITestHarnessOption func(*APITestHarness)

// WithRedisCache configures the test harness to use an in-process redis as
// the durable tier.
func WithRedisCache() APITestHarnessOption {
	return func(h *APITestHarness) {
		h.Redis = miniredis.RunT(h.t)
		h.cfg.Cache.Type = "redis"
		h.cfg.Cache.Redis = config.RedisConfig{
			Address:   h.Redis.Addr(),
			TLS:       false,
			KeyPrefix: "harness:",
		}
	}
}

// WithFileCache persists the durable tier to the given file.
func WithFileCache(path string) APITestHarnessOption {
	return func(h *APITestHarness) {
		h.cfg.Cache.Type = "file"
		h.cfg.Cache.FilePath = path
	}
}

// WithoutCredentials starts the bridge with no partner credentials.
func WithoutCredentials() APITestHarnessOption {
	return func(h *APITestHarness) {
		h.cfg.Partner.ClientID = ""
		h.cfg.Partner.ClientSecret = ""
	}
}

// NewAPITestHarness creates a complete test harness with all mock servers and the API server.
// Use options to customize the configuration (e.g., WithRedisCache).
// Cleanup is handled automatically via t.Cleanup().
func NewAPITestHarness(t *testing.T, options ...APITestHarnessOption) *APITestHarness {
	t.Helper()
	testhelpers.SetupLogger(t)

	harness := &APITestHarness{
		t:         t,
		Authority: testhelpers.SetupMockTokenAuthority(t),
		Partner:   testhelpers.SetupMockPartnerServer(t),
	}

	harness.cfg = config.Config{
		Cache: config.CacheConfig{
			Type: "memory", // Default to memory cache for tests
		},
		Observe: config.ObserveConfig{
			Enabled: false, // Disable observability for tests
		},
		Partner: config.PartnerConfig{
			APIURL:       harness.Partner.Server.URL,
			TokenURL:     harness.Authority.URL(),
			MediaType:    partner.DefaultMediaType,
			ClientID:     "harness-client-id",
			ClientSecret: "harness-client-secret",
		},
	}

	for _, opt := range options {
		opt(harness)
	}

	harness.Start()

	return harness
}

// Start serves the routes with freshly configured services. Calling it again
// simulates a restart against the same durable tier.
func (h *APITestHarness) Start() {
	h.t.Helper()

	if h.Server != nil {
		h.Server.Close()
	}

	hooks := &server.ShutdownHooks{}
	h.t.Cleanup(func() {
		hooks.Execute(context.Background())
	})

	svc, err := configureServices(context.Background(), h.cfg, &http.Client{}, hooks)
	require.NoError(h.t, err)

	h.Server = httptest.NewServer(configureServerRoutes(svc))
	hooks.AddClose("api-server", closerFunc(h.Server.Close))
}

// Do sends a request to the bridge and returns the response with its body
// read.
func (h *APITestHarness) Do(method, path string, body any, headers ...string) (*http.Response, []byte) {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, h.Server.URL+path, reader)
	require.NoError(h.t, err)

	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)

	return resp, data
}

// DoJSON sends a request and decodes the JSON response into target.
func (h *APITestHarness) DoJSON(method, path string, body any, target any) *http.Response {
	h.t.Helper()

	resp, data := h.Do(method, path, body)
	require.NoError(h.t, json.Unmarshal(data, target), "response: %s", data)

	return resp
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}
