// Package apierror defines the failures surfaced by the token manager and the
// partner request pipeline. Every failure carries a Kind so callers switch on
// a discriminant rather than on message text.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	// KindCredentials indicates missing or rejected client credentials. Not
	// retryable without operator action.
	KindCredentials Kind = iota + 1

	// KindNetwork indicates a transport failure reaching the token authority or
	// the partner API.
	KindNetwork

	// KindRateLimited indicates the partner quota is exhausted. RetryAfterSeconds
	// says when the quota is expected to be available again.
	KindRateLimited

	// KindRequestFailed covers any other non-2xx response.
	KindRequestFailed
)

func (k Kind) String() string {
	switch k {
	case KindCredentials:
		return "credentials"
	case KindNetwork:
		return "network"
	case KindRateLimited:
		return "rate_limited"
	case KindRequestFailed:
		return "request_failed"
	default:
		return "unknown"
	}
}

// Error is the single error type raised by the pipeline layers.
type Error struct {
	Kind    Kind
	Message string

	// HTTPStatus is the upstream status, when a response was received.
	HTTPStatus int

	// RetryAfterSeconds is only set for KindRateLimited.
	RetryAfterSeconds int

	// Body is the upstream response body (compact JSON or raw text).
	Body string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status maps the failure to the response the dashboard gives its own
// callers. Internal causes are never included in the message.
func (e *Error) Status() (int, string) {
	switch e.Kind {
	case KindCredentials:
		return http.StatusUnauthorized, "partner credentials missing or rejected"
	case KindNetwork:
		return http.StatusBadGateway, "partner API unreachable"
	case KindRateLimited:
		return http.StatusTooManyRequests, e.Message
	case KindRequestFailed:
		if e.HTTPStatus >= 400 && e.HTTPStatus < 500 {
			return e.HTTPStatus, http.StatusText(e.HTTPStatus)
		}
		return http.StatusBadGateway, http.StatusText(http.StatusBadGateway)
	default:
		return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
	}
}

func Credentials(message string, cause error) *Error {
	return &Error{Kind: KindCredentials, Message: message, Err: cause}
}

func Network(message string, cause error) *Error {
	return &Error{Kind: KindNetwork, Message: message, Err: cause}
}

// RateLimited builds the quota exhaustion error with a message stating the
// minutes until retry.
func RateLimited(retryAfterSeconds int) *Error {
	minutes := (retryAfterSeconds + 59) / 60
	return &Error{
		Kind:              KindRateLimited,
		Message:           fmt.Sprintf("rate limit reached, retry in %d minute(s) (%d seconds)", minutes, retryAfterSeconds),
		HTTPStatus:        http.StatusTooManyRequests,
		RetryAfterSeconds: retryAfterSeconds,
	}
}

func RequestFailed(status int, body string) *Error {
	return &Error{
		Kind:       KindRequestFailed,
		Message:    fmt.Sprintf("partner request failed with status %d", status),
		HTTPStatus: status,
		Body:       body,
	}
}

// As extracts an *Error from the chain.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// KindOf returns the Kind of the first *Error in the chain, or zero.
func KindOf(err error) Kind {
	if apiErr, ok := As(err); ok {
		return apiErr.Kind
	}
	return 0
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
