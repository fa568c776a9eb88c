package testhelpers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockTokenAuthority provides a configurable client-credentials token endpoint
// for testing. Issued tokens are numbered: "<TokenPrefix>-1", "<TokenPrefix>-2"...
type MockTokenAuthority struct {
	Server *httptest.Server

	mu            sync.Mutex
	TokenPrefix   string // Prefix of issued tokens
	ExpiresIn     any    // expires_in value to return; nil omits the field
	StatusCode    int    // HTTP status code to return (200 if not set)
	ErrorBody     string // Body returned with a non-200 status
	requestCount  int
	lastClientID  string
	lastSecret    string
	lastGrantType string
}

// SetupMockTokenAuthority creates a mock token authority. The returned URL is
// the token endpoint.
func SetupMockTokenAuthority(t *testing.T) *MockTokenAuthority {
	t.Helper()

	mock := &MockTokenAuthority{
		TokenPrefix: "test-token",
		ExpiresIn:   3600,
		StatusCode:  http.StatusOK,
	}

	router := http.NewServeMux()

	router.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		defer mock.mu.Unlock()

		mock.requestCount++
		mock.lastClientID, mock.lastSecret, _ = r.BasicAuth()
		_ = r.ParseForm()
		mock.lastGrantType = r.PostForm.Get("grant_type")

		if mock.StatusCode != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(mock.StatusCode)
			_, _ = w.Write([]byte(mock.ErrorBody))
			return
		}

		response := map[string]any{
			"access_token": fmt.Sprintf("%s-%d", mock.TokenPrefix, mock.requestCount),
			"token_type":   "Bearer",
		}
		if mock.ExpiresIn != nil {
			response["expires_in"] = mock.ExpiresIn
		}

		WriteJSON(w, response)
	})

	mock.Server = httptest.NewServer(router)
	t.Cleanup(mock.Server.Close)

	return mock
}

// URL is the token endpoint address.
func (m *MockTokenAuthority) URL() string {
	return m.Server.URL + "/token"
}

// Configure changes the response under the server lock.
func (m *MockTokenAuthority) Configure(fn func(m *MockTokenAuthority)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

// RequestCount is the number of token requests received.
func (m *MockTokenAuthority) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// LastRequest returns the credentials and grant type of the last request.
func (m *MockTokenAuthority) LastRequest() (clientID, secret, grantType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastClientID, m.lastSecret, m.lastGrantType
}

// Close shuts down the mock server.
func (m *MockTokenAuthority) Close() {
	m.Server.Close()
}

// MockResponse is one canned partner API response.
type MockResponse struct {
	Status int
	Body   string
	Header map[string]string
	Delay  time.Duration
}

// RecordedRequest captures what the partner API received.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

// MockPartnerServer provides a partner API that replays queued responses in
// order. The last response repeats once the queue is exhausted.
type MockPartnerServer struct {
	Server *httptest.Server

	mu        sync.Mutex
	responses []MockResponse
	requests  []RecordedRequest
}

// SetupMockPartnerServer creates a partner API mock answering every path with
// the queued responses (200 "{}" by default).
func SetupMockPartnerServer(t *testing.T) *MockPartnerServer {
	t.Helper()

	mock := &MockPartnerServer{
		responses: []MockResponse{{Status: http.StatusOK, Body: `{}`}},
	}

	router := http.NewServeMux()

	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		mock.mu.Lock()
		mock.requests = append(mock.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   string(body),
		})
		resp := mock.responses[0]
		if len(mock.responses) > 1 {
			mock.responses = mock.responses[1:]
		}
		mock.mu.Unlock()

		if resp.Delay > 0 {
			select {
			case <-time.After(resp.Delay):
			case <-r.Context().Done():
				return
			}
		}

		for k, v := range resp.Header {
			w.Header().Set(k, v)
		}
		if w.Header().Get("Content-Type") == "" && resp.Body != "" {
			w.Header().Set("Content-Type", "application/vnd.retailer.v10+json")
		}
		status := resp.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp.Body))
	})

	mock.Server = httptest.NewServer(router)
	t.Cleanup(mock.Server.Close)

	return mock
}

// Respond replaces the response queue.
func (m *MockPartnerServer) Respond(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = responses
}

// RequestCount is the number of requests received.
func (m *MockPartnerServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request received, in order.
func (m *MockPartnerServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// LastRequest returns the most recent request, or the zero value.
func (m *MockPartnerServer) LastRequest() RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return RecordedRequest{}
	}
	return m.requests[len(m.requests)-1]
}

// Close shuts down the mock server.
func (m *MockPartnerServer) Close() {
	m.Server.Close()
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
