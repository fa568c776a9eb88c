// Package audit writes one structured log entry per dashboard request. The
// entry travels on the request context so the request pipeline can record
// what it did (cache outcome, token refresh, quota signal) on the way through.
package audit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the level audit entries are written at.
const Level = zerolog.InfoLevel

// RequestIDHeader carries the request ID in both directions. An incoming value
// is kept so that a request can be correlated across services.
const RequestIDHeader = "X-Request-Id"

// Cache outcomes recorded by the request pipeline.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheBypass = "bypass"
)

type contextKey struct{}

// Entry is the audit record of a single request.
type Entry struct {
	RequestID string
	Method    string
	Path      string
	Status    int
	SourceIP  string
	UserAgent string
	Duration  time.Duration

	// Cache is the response cache outcome: hit, miss or bypass. Empty when the
	// request never reached the pipeline.
	Cache             string
	UpstreamStatus    int
	TokenRefreshed    bool
	RetryAfterSeconds int

	Error string
}

func (e *Entry) MarshalZerologObject(event *zerolog.Event) {
	request := zerolog.Dict().
		Str("id", e.RequestID).
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Str("sourceIP", e.SourceIP).
		Str("userAgent", e.UserAgent).
		Dur("duration", e.Duration)
	event.Dict("request", request)

	partner := &optionalDict{}
	partner.
		str("cache", e.Cache).
		num("upstreamStatus", e.UpstreamStatus).
		flag("tokenRefreshed", e.TokenRefreshed).
		num("retryAfterSeconds", e.RetryAfterSeconds)
	partner.attach(event, "partner")

	if e.Error != "" {
		event.Str("error", e.Error)
	}
}

// Begin records the request attributes and assigns the request ID.
func (e *Entry) Begin(r *http.Request) {
	e.RequestID = r.Header.Get(RequestIDHeader)
	if e.RequestID == "" {
		e.RequestID = uuid.NewString()
	}
	e.Method = r.Method
	e.Path = r.URL.Path
	e.SourceIP = r.RemoteAddr
	e.UserAgent = r.UserAgent()
}

// End returns a function to be deferred by the caller. It writes the entry,
// including the value of a panic in flight, and then re-panics.
func (e *Entry) End(ctx context.Context) func() {
	start := time.Now()

	return func() {
		if r := recover(); r != nil {
			if e.Error != "" {
				e.Error += "; "
			}
			e.Error += fmt.Sprintf("panic: %v", r)
			e.Status = http.StatusInternalServerError

			defer panic(r)
		}

		if e.Status == 0 {
			e.Status = http.StatusOK
		}
		e.Duration = time.Since(start)

		log.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg("audit_event")
	}
}

// Context returns the audit entry carried by ctx, adding a new one to the
// returned context when there is none.
func Context(ctx context.Context) (context.Context, *Entry) {
	if entry, ok := ctx.Value(contextKey{}).(*Entry); ok {
		return ctx, entry
	}

	entry := &Entry{}
	return context.WithValue(ctx, contextKey{}, entry), entry
}

// Log returns the audit entry for the request. Outside an audited request
// the entry is discarded once the caller is done with it.
func Log(ctx context.Context) *Entry {
	_, entry := Context(ctx)
	return entry
}

// Middleware writes an audit entry for every request passing through it and
// tags the request logger with the request ID.
func Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())
			entry.Begin(r)

			ctx = log.Ctx(ctx).With().Str("requestId", entry.RequestID).Logger().WithContext(ctx)
			defer entry.End(ctx)()

			w.Header().Set(RequestIDHeader, entry.RequestID)

			next.ServeHTTP(&statusRecorder{ResponseWriter: w, entry: entry}, r.WithContext(ctx))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	entry   *Entry
	written bool
}

func (s *statusRecorder) WriteHeader(status int) {
	if !s.written {
		s.entry.Status = status
		s.written = true
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.written {
		s.entry.Status = http.StatusOK
		s.written = true
	}
	return s.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
