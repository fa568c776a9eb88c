package partner_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/chinmina/partner-bridge/internal/apierror"
	"github.com/chinmina/partner-bridge/internal/audit"
	"github.com/chinmina/partner-bridge/internal/cache"
	"github.com/chinmina/partner-bridge/internal/partner"
	"github.com/chinmina/partner-bridge/internal/testhelpers"
	"github.com/chinmina/partner-bridge/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	client    *partner.Client
	cache     *cache.Cache
	api       *testhelpers.MockPartnerServer
	authority *testhelpers.MockTokenAuthority
}

func setup(t *testing.T, opts ...partner.Option) fixture {
	t.Helper()
	testhelpers.SetupLogger(t)

	authority := testhelpers.SetupMockTokenAuthority(t)
	api := testhelpers.SetupMockPartnerServer(t)
	responses := cache.New(nil, nil)

	tokens := token.NewManager(authority.URL(), token.Credentials{
		ClientID:     "client-id-value",
		ClientSecret: "client-secret-value",
		Source:       token.SourceEnvironment,
	})

	opts = append([]partner.Option{
		partner.WithCache(responses),
		partner.WithRetryDelay(time.Millisecond),
	}, opts...)

	return fixture{
		client:    partner.New(api.Server.URL, tokens, opts...),
		cache:     responses,
		api:       api,
		authority: authority,
	}
}

func requireKind(t *testing.T, err error, kind apierror.Kind) *apierror.Error {
	t.Helper()
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok, "expected *apierror.Error, got %T: %v", err, err)
	require.Equal(t, kind, apiErr.Kind, "unexpected kind: %v", err)
	return apiErr
}

func TestExecute_SendsAuthenticatedRequest(t *testing.T) {
	f := setup(t)
	f.api.Respond(testhelpers.MockResponse{Status: http.StatusOK, Body: `{ "orders" : [ {"orderId": "A1"} ] }`})

	data, err := f.client.Execute(context.Background(), "/retailer/orders", partner.Options{}, true)

	require.NoError(t, err)
	assert.Equal(t, `{"orders":[{"orderId":"A1"}]}`, string(data))

	req := f.api.LastRequest()
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/retailer/orders", req.Path)
	assert.Equal(t, "Bearer test-token-1", req.Header.Get("Authorization"))
	assert.Equal(t, partner.DefaultMediaType, req.Header.Get("Accept"))
	assert.Equal(t, partner.DefaultMediaType, req.Header.Get("Content-Type"))
}

func TestExecute_CacheHitMakesNoCalls(t *testing.T) {
	f := setup(t)
	f.api.Respond(testhelpers.MockResponse{Status: http.StatusOK, Body: `{"orders":[]}`})

	_, err := f.client.Execute(context.Background(), "/retailer/orders", partner.Options{}, true)
	require.NoError(t, err)

	data, err := f.client.Execute(context.Background(), "/retailer/orders", partner.Options{}, true)
	require.NoError(t, err)

	assert.JSONEq(t, `{"orders":[]}`, string(data))
	assert.Equal(t, 1, f.api.RequestCount())
	assert.Equal(t, 1, f.authority.RequestCount())
}

func TestExecute_CacheHitNeedsNoToken(t *testing.T) {
	f := setup(t)
	f.authority.Configure(func(m *testhelpers.MockTokenAuthority) {
		m.StatusCode = http.StatusUnauthorized
	})

	require.NoError(t, f.cache.Write(context.Background(), "/retailer/returns", []byte(`{"returns":[]}`), nil, 0, http.MethodGet))

	data, err := f.client.Execute(context.Background(), "/retailer/returns", partner.Options{}, true)

	require.NoError(t, err)
	assert.JSONEq(t, `{"returns":[]}`, string(data))
	assert.Equal(t, 0, f.authority.RequestCount())
	assert.Equal(t, 0, f.api.RequestCount())
}

func TestExecute_QueryParametersFormTheCacheKey(t *testing.T) {
	f := setup(t)

	_, err := f.client.Execute(context.Background(), "/retailer/orders?status=OPEN&page=1", partner.Options{}, true)
	require.NoError(t, err)
	assert.Equal(t, "status=OPEN&page=1", f.api.LastRequest().Query, "query passed through untouched")

	_, err = f.client.Execute(context.Background(), "/retailer/orders?page=1&status=OPEN", partner.Options{}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, f.api.RequestCount(), "parameter order does not change the key")

	_, err = f.client.Execute(context.Background(), "/retailer/orders?page=2&status=OPEN", partner.Options{}, true)
	require.NoError(t, err)
	assert.Equal(t, 2, f.api.RequestCount())

	assert.Contains(t, f.cache.Stats().Keys, "/retailer/orders?page=1&status=OPEN")
}

func TestExecute_UnparseableQueryIsNotCached(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.api.Respond(testhelpers.MockResponse{Status: http.StatusOK, Body: `{"orders":[{"orderId":"OPEN-1"}]}`})
	_, err := f.client.Execute(ctx, "/retailer/orders", partner.Options{}, true)
	require.NoError(t, err)

	f.api.Respond(testhelpers.MockResponse{Status: http.StatusOK, Body: `{"orders":[{"orderId":"SHIPPED-1"}]}`})

	for range 2 {
		data, err := f.client.Execute(ctx, "/retailer/orders?status=SHIPPED;page=2", partner.Options{}, true)
		require.NoError(t, err)
		assert.JSONEq(t, `{"orders":[{"orderId":"SHIPPED-1"}]}`, string(data))
	}

	assert.Equal(t, 3, f.api.RequestCount(), "never served from the bare path entry")
	assert.Equal(t, "status=SHIPPED;page=2", f.api.LastRequest().Query)
	assert.Equal(t, []string{"/retailer/orders"}, f.cache.Stats().Keys)
}

func TestExecute_RecoversFromRejectedToken(t *testing.T) {
	f := setup(t)
	f.api.Respond(
		testhelpers.MockResponse{Status: http.StatusUnauthorized, Body: `{"title":"Unauthorized"}`},
		testhelpers.MockResponse{Status: http.StatusOK, Body: `{"ok":true}`},
	)

	ctx, entry := audit.Context(context.Background())
	data, err := f.client.Execute(ctx, "/retailer/orders", partner.Options{}, true)

	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.Equal(t, 2, f.api.RequestCount())
	assert.Equal(t, 2, f.authority.RequestCount())

	requests := f.api.Requests()
	assert.Equal(t, "Bearer test-token-1", requests[0].Header.Get("Authorization"))
	assert.Equal(t, "Bearer test-token-2", requests[1].Header.Get("Authorization"))

	assert.True(t, entry.TokenRefreshed)
	assert.Equal(t, http.StatusOK, entry.UpstreamStatus)

	// the recovered response was cached
	_, err = f.client.Execute(context.Background(), "/retailer/orders", partner.Options{}, true)
	require.NoError(t, err)
	assert.Equal(t, 2, f.api.RequestCount())
}

func TestExecute_RepeatedRejectionIsCredentialsError(t *testing.T) {
	f := setup(t)
	f.api.Respond(testhelpers.MockResponse{
		Status: http.StatusUnauthorized,
		Body:   `{"title":"Unauthorized","detail":"Invalid token"}`,
	})

	_, err := f.client.Execute(context.Background(), "/retailer/orders", partner.Options{}, true)

	apiErr := requireKind(t, err, apierror.KindCredentials)
	assert.Contains(t, apiErr.Message, "Invalid token")
	assert.Equal(t, http.StatusUnauthorized, apiErr.HTTPStatus)
	assert.Equal(t, 2, f.api.RequestCount(), "retried exactly once")
	assert.Equal(t, 2, f.authority.RequestCount())
	assert.Empty(t, f.cache.Stats().Keys)
}

func TestExecute_RejectedTokenRetryCanBeRateLimited(t *testing.T) {
	f := setup(t)
	f.api.Respond(
		testhelpers.MockResponse{Status: http.StatusUnauthorized},
		testhelpers.MockResponse{Status: http.StatusTooManyRequests, Header: map[string]string{"Retry-After": "30"}},
	)

	_, err := f.client.Execute(context.Background(), "/retailer/orders", partner.Options{}, true)

	apiErr := requireKind(t, err, apierror.KindRateLimited)
	assert.Equal(t, 30, apiErr.RetryAfterSeconds)
	assert.Equal(t, 2, f.api.RequestCount())
}

func TestExecute_RateLimited(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	cases := []struct {
		name     string
		response testhelpers.MockResponse
		expected int
	}{
		{
			name: "retry after header seconds",
			response: testhelpers.MockResponse{
				Status: http.StatusTooManyRequests,
				Header: map[string]string{"Retry-After": "120"},
				Body:   `{"detail":"Too many requests, retry in 1470 seconds."}`,
			},
			expected: 120,
		},
		{
			name: "retry after header date",
			response: testhelpers.MockResponse{
				Status: http.StatusTooManyRequests,
				Header: map[string]string{"Retry-After": now.Add(90 * time.Second).Format(http.TimeFormat)},
			},
			expected: 90,
		},
		{
			name: "detail text",
			response: testhelpers.MockResponse{
				Status: http.StatusTooManyRequests,
				Body:   `{"title":"Too Many Requests","status":429,"detail":"Too many requests, retry in 1470 seconds."}`,
			},
			expected: 1470,
		},
		{
			name: "message text ignores case",
			response: testhelpers.MockResponse{
				Status: http.StatusTooManyRequests,
				Body:   `{"message":"Quota exceeded. Retry in 15 seconds"}`,
			},
			expected: 15,
		},
		{
			name: "unparseable header falls back to body",
			response: testhelpers.MockResponse{
				Status: http.StatusTooManyRequests,
				Header: map[string]string{"Retry-After": "soon"},
				Body:   `{"detail":"retry in 45 seconds"}`,
			},
			expected: 45,
		},
		{
			name: "no information",
			response: testhelpers.MockResponse{
				Status: http.StatusTooManyRequests,
				Body:   `{"title":"Too Many Requests"}`,
			},
			expected: partner.DefaultRetryAfterSeconds,
		},
		{
			name:     "non JSON body",
			response: testhelpers.MockResponse{Status: http.StatusTooManyRequests, Body: "slow down"},
			expected: partner.DefaultRetryAfterSeconds,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t, partner.WithClock(func() time.Time { return now }))
			f.api.Respond(tc.response)

			ctx, entry := audit.Context(context.Background())
			_, err := f.client.Execute(ctx, "/retailer/orders", partner.Options{}, true)

			apiErr := requireKind(t, err, apierror.KindRateLimited)
			assert.Equal(t, tc.expected, apiErr.RetryAfterSeconds)
			assert.Equal(t, http.StatusTooManyRequests, apiErr.HTTPStatus)
			assert.Equal(t, 1, f.api.RequestCount(), "rate limited requests are not retried")
			assert.Equal(t, tc.expected, entry.RetryAfterSeconds)
			assert.Empty(t, f.cache.Stats().Keys)
		})
	}
}

func TestExecute_RateLimitedMessageStatesMinutes(t *testing.T) {
	f := setup(t)
	f.api.Respond(testhelpers.MockResponse{
		Status: http.StatusTooManyRequests,
		Body:   `{"detail":"Too many requests, retry in 1470 seconds."}`,
	})

	_, err := f.client.Execute(context.Background(), "/retailer/orders", partner.Options{}, true)

	apiErr := requireKind(t, err, apierror.KindRateLimited)
	assert.Contains(t, apiErr.Message, "25 minute")
	assert.Contains(t, apiErr.Message, "1470 seconds")
}

func TestExecute_RequestFailed(t *testing.T) {
	cases := []struct {
		name         string
		response     testhelpers.MockResponse
		expectedBody string
	}{
		{
			name:         "structured body",
			response:     testhelpers.MockResponse{Status: http.StatusNotFound, Body: `{ "title": "Not Found", "status": 404 }`},
			expectedBody: `{"title":"Not Found","status":404}`,
		},
		{
			name:         "raw text body",
			response:     testhelpers.MockResponse{Status: http.StatusBadGateway, Body: "upstream unavailable\n", Header: map[string]string{"Content-Type": "text/plain"}},
			expectedBody: "upstream unavailable",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t)
			f.api.Respond(tc.response)

			_, err := f.client.Execute(context.Background(), "/retailer/orders/A1", partner.Options{}, true)

			apiErr := requireKind(t, err, apierror.KindRequestFailed)
			assert.Equal(t, tc.response.Status, apiErr.HTTPStatus)
			assert.Equal(t, tc.expectedBody, apiErr.Body)
			assert.Equal(t, 1, f.api.RequestCount())
		})
	}
}

func TestExecute_InvalidJSONIsRequestFailed(t *testing.T) {
	f := setup(t)
	f.api.Respond(testhelpers.MockResponse{Status: http.StatusOK, Body: `{"orders":`})

	_, err := f.client.Execute(context.Background(), "/retailer/orders", partner.Options{}, true)

	apiErr := requireKind(t, err, apierror.KindRequestFailed)
	assert.Equal(t, http.StatusOK, apiErr.HTTPStatus)
	assert.Empty(t, f.cache.Stats().Keys)
}

func TestExecute_EmptySuccessIsNilAndNotCached(t *testing.T) {
	f := setup(t)
	f.api.Respond(testhelpers.MockResponse{Status: http.StatusNoContent})

	data, err := f.client.Execute(context.Background(), "/retailer/orders", partner.Options{}, true)
	require.NoError(t, err)
	assert.Nil(t, data)

	_, err = f.client.Execute(context.Background(), "/retailer/orders", partner.Options{}, true)
	require.NoError(t, err)
	assert.Equal(t, 2, f.api.RequestCount())
}

func TestExecute_CallerHeadersMerged(t *testing.T) {
	f := setup(t)

	header := http.Header{}
	header.Set("Accept", "application/vnd.retailer.v9+json")
	header.Set("X-Correlation", "abc")
	header.Set("Authorization", "Basic c29tZW9uZTplbHNl")

	_, err := f.client.Execute(context.Background(), "/retailer/orders", partner.Options{Header: header}, true)
	require.NoError(t, err)

	req := f.api.LastRequest()
	assert.Equal(t, "application/vnd.retailer.v9+json", req.Header.Get("Accept"))
	assert.Equal(t, partner.DefaultMediaType, req.Header.Get("Content-Type"))
	assert.Equal(t, "abc", req.Header.Get("X-Correlation"))
	assert.Equal(t, "Bearer test-token-1", req.Header.Get("Authorization"), "authorization cannot be overridden")
}

func TestExecute_WritesAreNeverCached(t *testing.T) {
	f := setup(t)
	f.api.Respond(testhelpers.MockResponse{Status: http.StatusAccepted, Body: `{"processStatusId":"1"}`})

	opts := partner.Options{Method: "post", Body: []byte(`{"orderItems":[{"orderItemId":"1"}]}`)}

	for range 2 {
		data, err := f.client.Execute(context.Background(), "/retailer/shipments", opts, true)
		require.NoError(t, err)
		assert.JSONEq(t, `{"processStatusId":"1"}`, string(data))
	}

	assert.Equal(t, 2, f.api.RequestCount())
	assert.Equal(t, http.MethodPost, f.api.LastRequest().Method)
	assert.Equal(t, `{"orderItems":[{"orderItemId":"1"}]}`, f.api.LastRequest().Body)
	assert.Empty(t, f.cache.Stats().Keys)
}

func TestExecute_CacheDisabledByCaller(t *testing.T) {
	f := setup(t)

	ctx, entry := audit.Context(context.Background())
	for range 2 {
		_, err := f.client.Execute(ctx, "/retailer/orders", partner.Options{}, false)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, f.api.RequestCount())
	assert.Empty(t, f.cache.Stats().Keys)
	assert.Equal(t, audit.CacheBypass, entry.Cache)
}

func TestExecute_WithoutCacheConfigured(t *testing.T) {
	testhelpers.SetupLogger(t)
	authority := testhelpers.SetupMockTokenAuthority(t)
	api := testhelpers.SetupMockPartnerServer(t)

	tokens := token.NewManager(authority.URL(), token.Credentials{ClientID: "client-id-value", ClientSecret: "client-secret-value"})
	client := partner.New(api.Server.URL+"/", tokens)

	for range 2 {
		_, err := client.Execute(context.Background(), "/retailer/orders", partner.Options{}, true)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, api.RequestCount())
	assert.Equal(t, "/retailer/orders", api.LastRequest().Path)
}

func TestExecute_ConcurrentMissesShareOneRequest(t *testing.T) {
	f := setup(t)
	f.api.Respond(testhelpers.MockResponse{Status: http.StatusOK, Body: `{"orders":[]}`, Delay: 200 * time.Millisecond})

	const callers = 8

	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := f.client.Execute(context.Background(), "/retailer/orders", partner.Options{}, true)
			results[i] = string(data)
			errs[i] = err
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.JSONEq(t, `{"orders":[]}`, results[i])
	}
	assert.Equal(t, 1, f.api.RequestCount())
}

func TestExecute_ConcurrentMissesShareOnlyMatchingVariants(t *testing.T) {
	f := setup(t)
	f.api.Respond(testhelpers.MockResponse{Status: http.StatusOK, Body: `{"orders":[]}`, Delay: 200 * time.Millisecond})

	languages := []string{"nl", "nl", "fr", "fr"}

	var wg sync.WaitGroup
	errs := make([]error, len(languages))

	for i, lang := range languages {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := partner.Options{Header: http.Header{"Accept-Language": []string{lang}}}
			_, errs[i] = f.client.Execute(context.Background(), "/retailer/orders", opts, true)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	for _, req := range f.api.Requests() {
		seen[req.Header.Get("Accept-Language")] = true
	}
	assert.Equal(t, map[string]bool{"nl": true, "fr": true}, seen, "each language reached the partner")
}

func TestExecute_WaiterMayAbandon(t *testing.T) {
	f := setup(t)
	f.api.Respond(testhelpers.MockResponse{Status: http.StatusOK, Body: `{"orders":[]}`, Delay: 300 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.client.Execute(ctx, "/retailer/orders", partner.Options{}, true)

	requireKind(t, err, apierror.KindNetwork)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the shared execution completes and fills the cache for later callers
	assert.Eventually(t, func() bool {
		_, ok := f.cache.Read(context.Background(), "/retailer/orders", nil)
		return ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestExecute_TransportFailureIsNetworkError(t *testing.T) {
	f := setup(t)
	f.api.Close()

	_, err := f.client.Execute(context.Background(), "/retailer/orders", partner.Options{}, true)

	requireKind(t, err, apierror.KindNetwork)
}

func TestExecute_TokenFailurePropagates(t *testing.T) {
	f := setup(t)
	f.authority.Configure(func(m *testhelpers.MockTokenAuthority) {
		m.StatusCode = http.StatusUnauthorized
		m.ErrorBody = `{"error":"invalid_client"}`
	})

	_, err := f.client.Execute(context.Background(), "/retailer/orders", partner.Options{}, true)

	requireKind(t, err, apierror.KindCredentials)
	assert.Equal(t, 0, f.api.RequestCount())
}

type recordingPacer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (p *recordingPacer) Wait(_ context.Context, endpoint string, method string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, method+" "+endpoint)
	return p.err
}

func TestExecute_PacesUpstreamRequestsOnly(t *testing.T) {
	pacer := &recordingPacer{}
	f := setup(t, partner.WithPacer(pacer))

	for range 2 {
		_, err := f.client.Execute(context.Background(), "/retailer/orders?page=1", partner.Options{}, true)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"GET /retailer/orders"}, pacer.calls, "cache hits are not paced")
}

func TestExecute_PacerFailureStopsRequest(t *testing.T) {
	pacer := &recordingPacer{err: context.Canceled}
	f := setup(t, partner.WithPacer(pacer))

	_, err := f.client.Execute(context.Background(), "/retailer/orders", partner.Options{}, true)

	requireKind(t, err, apierror.KindNetwork)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, f.api.RequestCount())
}

func TestExecute_RecordsCacheOutcome(t *testing.T) {
	f := setup(t)

	ctx, first := audit.Context(context.Background())
	_, err := f.client.Execute(ctx, "/retailer/orders", partner.Options{}, true)
	require.NoError(t, err)
	assert.Equal(t, audit.CacheMiss, first.Cache)
	assert.False(t, first.TokenRefreshed)

	ctx, second := audit.Context(context.Background())
	_, err = f.client.Execute(ctx, "/retailer/orders", partner.Options{}, true)
	require.NoError(t, err)
	assert.Equal(t, audit.CacheHit, second.Cache)
}
