package chat

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"
)

func TestClassifyFetchError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorClassUnknown},
		{"rate limited", &RateLimited{Wait: time.Second}, ErrorClassRateLimited},
		{"wrapped rate limited", fmt.Errorf("fetch: %w", &RateLimited{}), ErrorClassRateLimited},
		{"deadline", context.DeadlineExceeded, ErrorClassRetryable},
		{"canceled", context.Canceled, ErrorClassFatal},
		{"server error", errors.New("HTTP 502 Bad Gateway"), ErrorClassRetryable},
		{"forbidden", errors.New("HTTP 403 Forbidden, {\"message\": \"Missing Access\"}"), ErrorClassFatal},
		{"forbidden with code", errors.New("HTTP 403 Forbidden, {\"message\": \"Missing Access\", \"code\": 50001}"), ErrorClassFatal},
		{"unknown channel", errors.New("Unknown Channel"), ErrorClassFatal},
		{"reset", errors.New("read: connection reset by peer"), ErrorClassRetryable},
		{"eof", errors.New("unexpected EOF"), ErrorClassRetryable},
		{"other", errors.New("something odd"), ErrorClassUnknown},
		{"status forbidden", &StatusError{Status: 403, Code: 50001, Err: errBoom}, ErrorClassFatal},
		{"status not found wrapped", fmt.Errorf("fetch: %w", &StatusError{Status: 404, Err: errBoom}), ErrorClassFatal},
		{"status server error", &StatusError{Status: 503, Err: errBoom}, ErrorClassRetryable},
		{"status timeout", &StatusError{Status: 408, Err: errBoom}, ErrorClassRetryable},
		{"transport error with 404 in snowflake", &url.Error{
			Op:  "Get",
			URL: "https://discord.com/api/v9/channels/1140404123456789012/messages?after=1140401000000000000&limit=50",
			Err: errors.New("read: connection reset by peer"),
		}, ErrorClassRetryable},
		{"transport error with 403 in snowflake", fmt.Errorf("fetch: %w", &url.Error{
			Op:  "Get",
			URL: "https://discord.com/api/v9/channels/1403000000000000000/messages",
			Err: errors.New("EOF"),
		}), ErrorClassRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyFetchError(tt.err); got != tt.want {
				t.Errorf("ClassifyFetchError(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorTaxonomy(t *testing.T) {
	rl := &RateLimited{Wait: 2 * time.Second, Err: errBoom}
	if !errors.Is(rl, ErrFetch) || !errors.Is(rl, ErrRateLimited) || !errors.Is(rl, errBoom) {
		t.Fatal("RateLimited should match ErrFetch, ErrRateLimited and its cause")
	}

	fe := &FetchError{ChannelID: "1", Attempts: 3, Err: rl}
	var got *RateLimited
	if !errors.As(fe, &got) || got.Wait != 2*time.Second {
		t.Fatal("FetchError should unwrap to RateLimited")
	}

	ce := &ConnectionError{Op: "handshake", Err: errBoom}
	if !errors.Is(ce, ErrConnection) || errors.Is(ce, ErrFetch) {
		t.Fatal("ConnectionError matching is wrong")
	}

	cfg := &ConfigurationError{Field: "bot credential"}
	if !errors.Is(cfg, ErrConfiguration) || cfg.Error() != "configuration: bot credential missing" {
		t.Fatalf("ConfigurationError = %q", cfg.Error())
	}
}
