// Package partner executes authenticated requests against the partner
// retailer API. It serves cacheable reads from the response cache, recovers
// once from a stale token and turns quota exhaustion into a typed error that
// says when to retry.
package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chinmina/partner-bridge/internal/apierror"
	"github.com/chinmina/partner-bridge/internal/audit"
	"github.com/chinmina/partner-bridge/internal/cache"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMediaType  = "application/vnd.retailer.v10+json"
	DefaultRetryDelay = 500 * time.Millisecond

	tracerName = "github.com/chinmina/partner-bridge/internal/partner"
)

// TokenSource supplies bearer tokens for the partner API.
type TokenSource interface {
	Get(ctx context.Context) (string, error)
	Invalidate()
}

// Pacer delays a request until the endpoint's quota allows it.
type Pacer interface {
	Wait(ctx context.Context, endpoint string, method string) error
}

// Options describe a single request. The zero value is a GET without a body.
type Options struct {
	Method string
	Header http.Header
	Body   []byte
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithCache enables response caching for GET requests.
func WithCache(responses *cache.Cache) Option {
	return func(c *Client) {
		c.cache = responses
	}
}

// WithPacer throttles outgoing requests to the published quotas.
func WithPacer(pacer Pacer) Option {
	return func(c *Client) {
		c.pacer = pacer
	}
}

func WithMediaType(mediaType string) Option {
	return func(c *Client) {
		c.mediaType = mediaType
	}
}

// WithRetryDelay sets the pause between a rejected token and the retry.
func WithRetryDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.retryDelay = delay
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// Client is the request pipeline for the partner API. It is safe for
// concurrent use.
type Client struct {
	baseURL    string
	mediaType  string
	retryDelay time.Duration
	httpClient *http.Client
	tokens     TokenSource
	cache      *cache.Cache
	pacer      Pacer
	now        func() time.Time
	tracer     trace.Tracer

	inflight singleflight.Group
}

func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		mediaType:  DefaultMediaType,
		retryDelay: DefaultRetryDelay,
		httpClient: http.DefaultClient,
		tokens:     tokens,
		now:        time.Now,
		tracer:     otel.Tracer(tracerName),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// outcome is what one upstream execution produced, shared between every
// caller waiting on the same cache key.
type outcome struct {
	data           json.RawMessage
	status         int
	tokenRefreshed bool
}

// Execute sends the request to the partner API and returns the JSON response
// body. A nil result with a nil error means the partner answered 2xx with no
// body. Only GET requests with useCache set are read from and written to the
// cache; concurrent misses for the same key share a single upstream request.
func (c *Client) Execute(ctx context.Context, endpoint string, opts Options, useCache bool) (json.RawMessage, error) {
	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}

	path, params, keyable := splitEndpoint(endpoint)
	entry := audit.Log(ctx)

	ctx, span := c.tracer.Start(ctx, "partner.execute", trace.WithAttributes(
		attribute.String("partner.method", method),
		attribute.String("partner.endpoint", path),
	))
	defer span.End()

	// a query that does not parse has no stable key, so it is never cached
	cacheable := useCache && keyable && method == http.MethodGet && c.cache != nil

	var (
		result outcome
		err    error
	)

	switch {
	case !cacheable:
		entry.Cache = audit.CacheBypass
		result, err = c.execute(ctx, method, endpoint, opts, nil)

	default:
		if data, ok := c.cache.Read(ctx, path, params); ok {
			entry.Cache = audit.CacheHit
			span.SetAttributes(attribute.String("partner.cache", audit.CacheHit))
			return data, nil
		}

		entry.Cache = audit.CacheMiss
		result, err = c.shared(ctx, flightKey(cache.Key(path, params), opts.Header), func(ctx context.Context) (outcome, error) {
			return c.execute(ctx, method, endpoint, opts, func(data json.RawMessage) {
				if err := c.cache.Write(ctx, path, data, params, 0, method); err != nil {
					log.Ctx(ctx).Warn().Err(err).Str("endpoint", path).Msg("partner response not cached")
				}
			})
		})
	}

	span.SetAttributes(attribute.String("partner.cache", entry.Cache))
	record(entry, result, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apierror.KindOf(err).String())
		return nil, err
	}

	return result.data, nil
}

// shared runs fn once per key for all concurrent callers. The execution is
// detached from any single caller's cancellation; each caller may stop
// waiting on its own context.
func (c *Client) shared(ctx context.Context, key string, fn func(ctx context.Context) (outcome, error)) (outcome, error) {
	detached := context.WithoutCancel(ctx)

	ch := c.inflight.DoChan(key, func() (any, error) {
		return fn(detached)
	})

	select {
	case res := <-ch:
		result, _ := res.Val.(outcome)
		return result, res.Err
	case <-ctx.Done():
		return outcome{}, apierror.Network("partner request abandoned", ctx.Err())
	}
}

// execute performs the token, request and classification steps, retrying
// exactly once when the partner rejects the token.
func (c *Client) execute(ctx context.Context, method string, endpoint string, opts Options, store func(json.RawMessage)) (outcome, error) {
	var result outcome

	path, _, _ := splitEndpoint(endpoint)

	if c.pacer != nil {
		if err := c.pacer.Wait(ctx, path, method); err != nil {
			return result, apierror.Network("waiting for partner quota", err)
		}
	}

	token, err := c.tokens.Get(ctx)
	if err != nil {
		return result, err
	}

	resp, err := c.send(ctx, method, endpoint, opts, token)
	if err != nil {
		return result, err
	}

	if resp.status == http.StatusUnauthorized {
		log.Ctx(ctx).Info().Str("endpoint", path).Msg("partner rejected access token, refreshing")

		c.tokens.Invalidate()

		if err := sleep(ctx, c.retryDelay); err != nil {
			return result, apierror.Network("waiting to retry partner request", err)
		}

		token, err = c.tokens.Get(ctx)
		if err != nil {
			return result, err
		}
		result.tokenRefreshed = true

		resp, err = c.send(ctx, method, endpoint, opts, token)
		if err != nil {
			return result, err
		}

		if resp.status == http.StatusUnauthorized {
			c.tokens.Invalidate()
			result.status = resp.status
			return result, rejectedToken(resp.body)
		}
	}

	result.status = resp.status

	data, err := c.classify(resp)
	if err != nil {
		return result, err
	}

	if data != nil && store != nil {
		store(data)
	}
	result.data = data

	return result, nil
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) send(ctx context.Context, method string, endpoint string, opts Options, token string) (response, error) {
	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return response{}, apierror.Network("building partner request", err)
	}

	req.Header.Set("Accept", c.mediaType)
	req.Header.Set("Content-Type", c.mediaType)

	for name, values := range opts.Header {
		if http.CanonicalHeaderKey(name) == "Authorization" {
			continue
		}
		req.Header.Del(name)
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, apierror.Network("partner request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, apierror.Network("reading partner response", err)
	}

	return response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func (c *Client) classify(resp response) (json.RawMessage, error) {
	switch {
	case resp.status >= 200 && resp.status < 300:
		trimmed := bytes.TrimSpace(resp.body)
		if len(trimmed) == 0 {
			return nil, nil
		}

		var compacted bytes.Buffer
		if err := json.Compact(&compacted, trimmed); err != nil {
			failure := apierror.RequestFailed(resp.status, bodyText(resp.body))
			failure.Message = "partner response is not valid JSON"
			failure.Err = err
			return nil, failure
		}
		return compacted.Bytes(), nil

	case resp.status == http.StatusTooManyRequests:
		limited := apierror.RateLimited(retryAfterSeconds(resp.header, resp.body, c.now()))
		limited.Body = bodyText(resp.body)
		return nil, limited

	default:
		return nil, apierror.RequestFailed(resp.status, bodyText(resp.body))
	}
}

func rejectedToken(body []byte) error {
	message := "partner rejected a freshly acquired token, check the client credentials"

	var problem problemDetail
	if json.Unmarshal(body, &problem) == nil && problem.Detail != "" {
		message = fmt.Sprintf("partner rejected a freshly acquired token: %s", problem.Detail)
	}

	return &apierror.Error{
		Kind:       apierror.KindCredentials,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
		Body:       bodyText(body),
	}
}

// bodyText renders an upstream body for error reporting: compact JSON when
// the body is structured, otherwise the raw text.
func bodyText(body []byte) string {
	trimmed := bytes.TrimSpace(body)

	var compacted bytes.Buffer
	if json.Compact(&compacted, trimmed) == nil {
		return compacted.String()
	}

	return string(trimmed)
}

// splitEndpoint separates the path from the query parameters. keyable is
// false when the query cannot be parsed: the parameters are then unknown and
// the endpoint must not share a key with its bare path.
func splitEndpoint(endpoint string) (path string, params url.Values, keyable bool) {
	path, rawQuery, found := strings.Cut(endpoint, "?")
	if !found || rawQuery == "" {
		return path, nil, true
	}

	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return path, nil, false
	}
	if len(params) == 0 {
		return path, nil, true
	}

	return path, params, true
}

// variantHeaders select the representation the partner returns. The cache
// holds one representation per key; in-flight requests are only shared
// between callers asking for the same one.
var variantHeaders = []string{"Accept", "Accept-Language"}

func flightKey(key string, header http.Header) string {
	var b strings.Builder
	b.WriteString(key)

	for _, name := range variantHeaders {
		if v := header.Get(name); v != "" {
			b.WriteString("\x00")
			b.WriteString(name)
			b.WriteString("=")
			b.WriteString(v)
		}
	}

	return b.String()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func record(entry *audit.Entry, result outcome, err error) {
	entry.UpstreamStatus = result.status
	entry.TokenRefreshed = entry.TokenRefreshed || result.tokenRefreshed

	if apiErr, ok := apierror.As(err); ok {
		if apiErr.Kind == apierror.KindRateLimited {
			entry.RetryAfterSeconds = apiErr.RetryAfterSeconds
		}
		if entry.UpstreamStatus == 0 {
			entry.UpstreamStatus = apiErr.HTTPStatus
		}
	}
}
