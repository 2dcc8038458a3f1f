package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTargetURL(t *testing.T) {
	tests := []struct {
		name, url, addr, want string
	}{
		{"default", "", "", "http://localhost:8080/healthz"},
		{"port only", "", ":9000", "http://localhost:9000/healthz"},
		{"host and port", "", "0.0.0.0:9000", "http://0.0.0.0:9000/healthz"},
		{"explicit url", "http://svc:1/healthz", ":9000", "http://svc:1/healthz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HEALTHCHECK_URL", tt.url)
			t.Setenv("HTTP_ADDR", tt.addr)
			if got := targetURL(); got != tt.want {
				t.Errorf("targetURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheckHealth(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	if err := checkHealth(context.Background(), srv.URL, time.Second); err != nil {
		t.Fatalf("healthy check failed: %v", err)
	}
	status = http.StatusServiceUnavailable
	if err := checkHealth(context.Background(), srv.URL, time.Second); err == nil {
		t.Fatal("expected error for 503")
	}
}
