package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrConnection    = errors.New("connection error")
	ErrFetch         = errors.New("fetch error")
	ErrConfiguration = errors.New("configuration error")
	ErrRateLimited   = errors.New("rate limited")
)

// ConnectionError is returned when the push handshake fails.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("push %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// ConfigurationError reports a missing or invalid setting.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("configuration: %s missing", e.Field)
	}
	return fmt.Sprintf("configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// FetchError is reported when a channel is skipped for a cycle after
// exhausting its retries.
type FetchError struct {
	ChannelID string
	Attempts  int
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch channel %s failed after %d attempts: %v", e.ChannelID, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// RateLimited is a fetch failure carrying the upstream wait hint. It matches
// both ErrRateLimited and ErrFetch.
type RateLimited struct {
	Wait time.Duration
	Err  error
}

func (e *RateLimited) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.Wait, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.Wait)
}

func (e *RateLimited) Unwrap() error { return e.Err }

func (e *RateLimited) Is(target error) bool { return target == ErrRateLimited || target == ErrFetch }

// StatusError is an upstream HTTP response with a non-success status. Code
// is the upstream JSON error code when the body carried one.
type StatusError struct {
	Status int
	Code   int
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d (code %d): %v", e.Status, e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the operation should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates retrying cannot succeed in this cycle.
	ErrorClassFatal
	// ErrorClassRateLimited indicates the caller must wait before retrying.
	ErrorClassRateLimited
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	case ErrorClassRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// ClassifyFetchError sorts upstream fetch errors. Typed errors are checked
// first; anything else falls back to message patterns.
//
// StatusError: 401/403/404 fatal, 408 and 5xx retryable.
// Transport errors (*url.Error, net.Error) are retryable; their text embeds
// the request URL, so it is never pattern-matched.
// Untyped fatal patterns are checked before 5xx because upstream error
// bodies carry numeric codes such as 50001.
// Unknown errors are retried.
func ClassifyFetchError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	var rl *RateLimited
	if errors.As(err, &rl) {
		return ErrorClassRateLimited
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrConfiguration) {
		return ErrorClassFatal
	}
	var se *StatusError
	if errors.As(err, &se) {
		return classifyStatus(se.Status)
	}
	var ue *url.Error
	var ne net.Error
	if errors.As(err, &ue) || errors.As(err, &ne) {
		return ErrorClassRetryable
	}

	lower := strings.ToLower(err.Error())

	if strings.Contains(lower, "401") ||
		strings.Contains(lower, "403") ||
		strings.Contains(lower, "404") ||
		strings.Contains(lower, "missing access") ||
		strings.Contains(lower, "missing permissions") ||
		strings.Contains(lower, "unknown channel") ||
		strings.Contains(lower, "unauthorized") {
		return ErrorClassFatal
	}

	if strings.Contains(lower, "500") ||
		strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") ||
		strings.Contains(lower, "504") ||
		strings.Contains(lower, "internal server error") ||
		strings.Contains(lower, "bad gateway") ||
		strings.Contains(lower, "service unavailable") {
		return ErrorClassRetryable
	}

	if strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "eof") ||
		strings.Contains(lower, "temporary") ||
		strings.Contains(lower, "no such host") {
		return ErrorClassRetryable
	}

	return ErrorClassUnknown
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		return ErrorClassRetryable
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
		return ErrorClassFatal
	case status >= 400:
		return ErrorClassFatal
	default:
		return ErrorClassUnknown
	}
}
