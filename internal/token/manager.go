// Package token keeps the single partner access token the dashboard uses, and
// acquires a new one from the token authority with the client-credentials
// grant whenever the held token is missing or no longer safe to use.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/chinmina/partner-bridge/internal/apierror"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// expiryBuffer is the margin before expiry inside which a token is no
	// longer handed out, so it cannot expire in flight.
	expiryBuffer = 10 * time.Minute

	// maxAge is the oldest a token may be before it is replaced, whatever
	// lifetime the authority declared.
	maxAge = time.Hour

	defaultLifetime = 3600 * time.Second
	minLifetime     = 300 * time.Second
	maxLifetime     = 7200 * time.Second
)

// Source records where the current credentials came from.
type Source string

const (
	SourceNone        Source = ""
	SourceEnvironment Source = "environment"
	SourceKMS         Source = "kms"
	SourceStored      Source = "stored"
)

// Credentials are the client-credentials pair for the token authority.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Source       Source
}

func (c Credentials) complete() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

type accessToken struct {
	value     string
	issuedAt  time.Time
	expiresAt time.Time
	lifetime  time.Duration
}

func (t *accessToken) valid(now time.Time) bool {
	if !now.Before(t.expiresAt) {
		return false
	}
	if !now.Before(t.expiresAt.Add(-expiryBuffer)) {
		return false
	}
	return now.Sub(t.expiresAt.Add(-t.lifetime)) <= maxAge
}

// Status describes the held token without revealing it. HasToken is true
// while the held token has not expired; Usable is true while Get would hand
// it out without acquiring a new one.
type Status struct {
	HasCredentials bool      `json:"hasCredentials"`
	Source         Source    `json:"source,omitempty"`
	HasToken       bool      `json:"hasToken"`
	Usable         bool      `json:"usable"`
	IssuedAt       time.Time `json:"issuedAt,omitzero"`
	ExpiresAt      time.Time `json:"expiresAt,omitzero"`
}

type Option func(*Manager)

// WithHTTPClient sets the client used to reach the token authority.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		m.client = client
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager owns the token slot. The mutex guards the slot and the credentials
// only; it is never held while the authority is being called, so concurrent
// callers that find the slot empty may each acquire a token. The last one
// returned wins.
type Manager struct {
	tokenURL string
	client   *http.Client
	now      func() time.Time

	mu    sync.Mutex
	creds Credentials
	slot  *accessToken
}

func NewManager(tokenURL string, creds Credentials, opts ...Option) *Manager {
	m := &Manager{
		tokenURL: tokenURL,
		client:   http.DefaultClient,
		now:      time.Now,
		creds:    creds,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Get returns a token that is safe to use for at least the expiry buffer,
// acquiring a new one when necessary.
func (m *Manager) Get(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.slot != nil {
		if m.slot.valid(m.now()) {
			value := m.slot.value
			m.mu.Unlock()
			return value, nil
		}
		log.Ctx(ctx).Debug().Time("expiresAt", m.slot.expiresAt).Msg("partner token no longer usable, discarding")
		m.slot = nil
	}
	creds := m.creds
	m.mu.Unlock()

	if !creds.complete() {
		return "", apierror.Credentials("partner API credentials not configured", nil)
	}

	t, err := m.acquire(ctx, creds)
	if err != nil {
		m.Invalidate()
		return "", err
	}

	m.mu.Lock()
	m.slot = t
	m.mu.Unlock()

	log.Ctx(ctx).Info().
		Time("expiresAt", t.expiresAt).
		Dur("lifetime", t.lifetime).
		Msg("partner token acquired")

	return t.value, nil
}

// Invalidate discards the held token.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slot = nil
}

// SetCredentials replaces the credentials and discards the held token.
func (m *Manager) SetCredentials(clientID, clientSecret string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.creds = Credentials{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Source:       SourceStored,
	}
	m.slot = nil
}

// Credentials returns the client ID and source of the current credentials.
// The secret is never returned.
func (m *Manager) Credentials() (clientID string, source Source) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.creds.complete() {
		return "", SourceNone
	}
	return m.creds.ClientID, m.creds.Source
}

// Status reports whether credentials exist and whether a usable token is held.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{HasCredentials: m.creds.complete()}
	if s.HasCredentials {
		s.Source = m.creds.Source
	}
	now := m.now()
	if m.slot != nil && now.Before(m.slot.expiresAt) {
		s.HasToken = true
		s.Usable = m.slot.valid(now)
		s.IssuedAt = m.slot.issuedAt
		s.ExpiresAt = m.slot.expiresAt
	}
	return s
}

func (m *Manager) acquire(ctx context.Context, creds Credentials) (*accessToken, error) {
	cfg := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     m.tokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	issuedAt := m.now()

	tok, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, m.basicAuthClient(creds)))
	if err != nil {
		return nil, classify(err)
	}

	lifetime := clampLifetime(declaredLifetime(tok))

	return &accessToken{
		value:     tok.AccessToken,
		issuedAt:  issuedAt,
		expiresAt: issuedAt.Add(lifetime),
		lifetime:  lifetime,
	}, nil
}

// basicAuthClient sends the credentials as raw Basic auth. x/oauth2 form
// escapes both values before encoding them, which the authority does not
// undo for secrets containing reserved characters.
func (m *Manager) basicAuthClient(creds Credentials) *http.Client {
	next := m.client.Transport
	if next == nil {
		next = http.DefaultTransport
	}

	rt := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		req = req.Clone(req.Context())
		req.SetBasicAuth(creds.ClientID, creds.ClientSecret)
		return next.RoundTrip(req)
	})

	client := *m.client
	client.Transport = rt

	return &client
}

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func classify(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		switch status {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return apierror.Credentials("partner token authority rejected the credentials", err)
		default:
			failed := apierror.RequestFailed(status, string(retrieveErr.Body))
			failed.Message = "partner token request failed with status " + strconv.Itoa(status)
			return failed
		}
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apierror.Network("partner token authority unreachable", err)
	}

	return &apierror.Error{
		Kind:       apierror.KindRequestFailed,
		Message:    "partner token response invalid",
		HTTPStatus: http.StatusOK,
		Err:        err,
	}
}

// declaredLifetime reads expires_in from the raw response, which may arrive
// as a number or a string depending on the authority.
func declaredLifetime(tok *oauth2.Token) time.Duration {
	var secs int64

	switch v := tok.Extra("expires_in").(type) {
	case float64:
		secs = int64(v)
	case json.Number:
		secs, _ = v.Int64()
	case string:
		secs, _ = strconv.ParseInt(v, 10, 64)
	}

	if secs <= 0 {
		return defaultLifetime
	}
	return time.Duration(secs) * time.Second
}

func clampLifetime(d time.Duration) time.Duration {
	return min(max(d, minLifetime), maxLifetime)
}
