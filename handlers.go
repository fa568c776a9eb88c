package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/chinmina/partner-bridge/internal/apierror"
	"github.com/chinmina/partner-bridge/internal/audit"
	"github.com/chinmina/partner-bridge/internal/cache"
	"github.com/chinmina/partner-bridge/internal/partner"
	"github.com/chinmina/partner-bridge/internal/ratelimit"
	"github.com/chinmina/partner-bridge/internal/token"
	"github.com/rs/zerolog/log"
)

// credentialsCheckEndpoint is a cheap, cacheable call used to prove the
// configured credentials work.
const credentialsCheckEndpoint = "/retailer/orders?fulfilment-method=ALL&status=OPEN&page=1"

// minCredentialLength rejects values that cannot be a partner client ID or
// secret.
const minCredentialLength = 10

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// Executor runs requests against the partner API.
type Executor interface {
	Execute(ctx context.Context, endpoint string, opts partner.Options, useCache bool) (json.RawMessage, error)
}

// TokenService is the token manager as seen by the admin routes.
type TokenService interface {
	Get(ctx context.Context) (string, error)
	Invalidate()
	Status() token.Status
	Credentials() (clientID string, source token.Source)
	SetCredentials(clientID, clientSecret string)
}

// ResponseCache is the response cache as seen by the admin routes.
type ResponseCache interface {
	Stats() cache.Stats
	Clear(ctx context.Context, prefix string) error
}

// forwardedHeaders are the request headers passed on to the partner API. The
// media type headers are only forwarded when they select a vendor media type,
// so a browser's generic Accept never replaces the default.
var forwardedHeaders = []string{"Accept", "Content-Type", "Accept-Language"}

func handleProxy(executor Executor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		endpoint := "/retailer/" + r.PathValue("path")
		if r.URL.RawQuery != "" {
			endpoint += "?" + r.URL.RawQuery
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge))
				return
			}
			log.Info().Msgf("read request body failed: %v", err)
			requestError(w, http.StatusBadRequest)
			return
		}

		opts := partner.Options{
			Method: r.Method,
			Header: proxiedHeaders(r.Header),
			Body:   body,
		}
		useCache := !strings.Contains(strings.ToLower(r.Header.Get("Cache-Control")), "no-cache")

		data, err := executor.Execute(r.Context(), endpoint, opts, useCache)
		if err != nil {
			writeAPIError(r.Context(), w, err)
			return
		}

		if data == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, err = w.Write(data)
		if err != nil {
			// record failure to log: trying to respond to the client at this
			// point will likely fail
			log.Info().Msgf("failed to write response: %v", err)
		}
	})
}

func proxiedHeaders(incoming http.Header) http.Header {
	header := http.Header{}
	for _, name := range forwardedHeaders {
		value := incoming.Get(name)
		if value == "" {
			continue
		}
		if name != "Accept-Language" && !strings.HasPrefix(value, "application/vnd.retailer.") {
			continue
		}
		header.Set(name, value)
	}
	return header
}

// RateLimitResponse describes the quota of a single endpoint.
type RateLimitResponse struct {
	Found    bool   `json:"found"`
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
	Info     string `json:"info"`

	Rule                       *ratelimit.Rule `json:"rule,omitempty"`
	OptimalCacheTTL            int64           `json:"optimalCacheTTL,omitempty"`
	OptimalCacheTTLMinutes     float64         `json:"optimalCacheTTLMinutes,omitempty"`
	SafeRequestInterval        int64           `json:"safeRequestInterval,omitempty"`
	SafeRequestIntervalSeconds float64         `json:"safeRequestIntervalSeconds,omitempty"`
}

func handleRateLimits(registry *ratelimit.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		endpoint := r.URL.Query().Get("endpoint")
		if endpoint == "" {
			writeJSONError(w, http.StatusBadRequest, "missing endpoint parameter, e.g. ?endpoint=/retailer/orders")
			return
		}

		method := strings.ToUpper(r.URL.Query().Get("method"))
		if method == "" {
			method = http.MethodGet
		}

		response := RateLimitResponse{
			Endpoint: endpoint,
			Method:   method,
			Info:     registry.Describe(endpoint, method),
		}

		if rule, ok := registry.Lookup(endpoint, method); ok {
			ttl := registry.OptimalTTL(endpoint, method)
			interval := registry.SafeInterval(endpoint, method)

			response.Found = true
			response.Rule = &rule
			response.OptimalCacheTTL = ttl.Milliseconds()
			response.OptimalCacheTTLMinutes = roundTenth(ttl.Minutes())
			response.SafeRequestInterval = interval.Milliseconds()
			response.SafeRequestIntervalSeconds = roundTenth(interval.Seconds())
		}

		writeJSON(w, http.StatusOK, response)
	})
}

// TokenResponse reports the token slot, never the token itself.
type TokenResponse struct {
	token.Status
	Refreshed bool `json:"refreshed,omitempty"`
}

func handleGetToken(tokens TokenService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		if _, source := tokens.Credentials(); source == token.SourceNone {
			writeJSONError(w, http.StatusBadRequest, "partner credentials not configured")
			return
		}

		if _, err := tokens.Get(r.Context()); err != nil {
			writeAPIError(r.Context(), w, err)
			return
		}

		writeJSON(w, http.StatusOK, TokenResponse{Status: tokens.Status()})
	})
}

func handlePostToken(tokens TokenService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		tokens.Invalidate()

		if _, err := tokens.Get(r.Context()); err != nil {
			writeAPIError(r.Context(), w, err)
			return
		}

		audit.Log(r.Context()).TokenRefreshed = true

		writeJSON(w, http.StatusOK, TokenResponse{Status: tokens.Status(), Refreshed: true})
	})
}

// SettingsResponse reports where the credentials came from. The secret is
// never included.
type SettingsResponse struct {
	HasCredentials bool         `json:"hasCredentials"`
	APIKey         string       `json:"apiKey,omitempty"`
	Source         token.Source `json:"source,omitempty"`
}

// SettingsRequest supplies replacement credentials.
type SettingsRequest struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
}

func handleGetSettings(tokens TokenService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		clientID, source := tokens.Credentials()

		writeJSON(w, http.StatusOK, SettingsResponse{
			HasCredentials: source != token.SourceNone,
			APIKey:         clientID,
			Source:         source,
		})
	})
}

func handlePostSettings(tokens TokenService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var settings SettingsRequest
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			writeJSONError(w, http.StatusBadRequest, "request body must be a JSON object with apiKey and apiSecret")
			return
		}

		apiKey := strings.TrimSpace(settings.APIKey)
		apiSecret := strings.TrimSpace(settings.APISecret)

		if apiKey == "" || apiSecret == "" {
			writeJSONError(w, http.StatusBadRequest, "apiKey and apiSecret are required")
			return
		}

		if len(apiKey) < minCredentialLength || len(apiSecret) < minCredentialLength {
			writeJSONError(w, http.StatusBadRequest, "apiKey and apiSecret do not look like partner credentials")
			return
		}

		tokens.SetCredentials(apiKey, apiSecret)
		log.Ctx(r.Context()).Info().Str("clientId", apiKey).Msg("partner credentials replaced")

		clientID, source := tokens.Credentials()
		writeJSON(w, http.StatusOK, SettingsResponse{
			HasCredentials: true,
			APIKey:         clientID,
			Source:         source,
		})
	})
}

// CredentialsCheckResponse is the outcome of a live credentials check.
type CredentialsCheckResponse struct {
	TestResult  string `json:"testResult"`
	OrdersCount *int   `json:"ordersCount,omitempty"`
}

func handleTestSettings(executor Executor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		data, err := executor.Execute(r.Context(), credentialsCheckEndpoint, partner.Options{}, true)

		switch apierror.KindOf(err) {
		case 0:
			var orders struct {
				Orders []json.RawMessage `json:"orders"`
			}
			if len(data) > 0 {
				_ = json.Unmarshal(data, &orders)
			}
			count := len(orders.Orders)
			writeJSON(w, http.StatusOK, CredentialsCheckResponse{TestResult: "success", OrdersCount: &count})

		case apierror.KindRateLimited:
			// a quota response is only given to an authenticated caller
			writeJSON(w, http.StatusOK, CredentialsCheckResponse{TestResult: "rate_limited"})

		default:
			writeAPIError(r.Context(), w, err)
		}
	})
}

func handleGetCache(responses ResponseCache) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		stats := responses.Stats()
		if stats.Keys == nil {
			stats.Keys = []string{}
		}

		writeJSON(w, http.StatusOK, stats)
	})
}

// CacheClearResponse confirms a cache clear.
type CacheClearResponse struct {
	Prefix    string `json:"prefix"`
	Remaining int    `json:"remaining"`
}

func handleDeleteCache(responses ResponseCache) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		prefix := r.URL.Query().Get("prefix")

		if err := responses.Clear(r.Context(), prefix); err != nil {
			log.Ctx(r.Context()).Warn().Err(err).Str("prefix", prefix).Msg("cache clear incomplete")
			audit.Log(r.Context()).Error = err.Error()
			writeJSONError(w, http.StatusInternalServerError, "durable cache could not be cleared")
			return
		}

		writeJSON(w, http.StatusOK, CacheClearResponse{Prefix: prefix, Remaining: responses.Stats().Size})
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeAPIError maps a pipeline failure onto the response, adding Retry-After
// when the partner quota is exhausted.
func writeAPIError(ctx context.Context, w http.ResponseWriter, err error) {
	status, message := errorStatus(err)

	log.Ctx(ctx).Info().Err(err).Int("status", status).Msg("partner request failed")
	audit.Log(ctx).Error = err.Error()

	if apiErr, ok := apierror.As(err); ok && apiErr.Kind == apierror.KindRateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfterSeconds))
	}

	writeJSONError(w, status, message)
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5MB max: after this we'll assume the client is broken or malicious
		// and close the connection
		_, _ = io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
