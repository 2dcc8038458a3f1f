package testutil

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sync"
	"testing"

	"github.com/goccy/go-json"
)

var apiPrefix = regexp.MustCompile(`^/api/v\d+`)

// MockDiscordServer is a test server that mocks Discord REST responses. Handlers are
// keyed by the path below the versioned API prefix, e.g. "/channels/1/messages".
type MockDiscordServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	calls    map[string]int
}

// NewMockDiscordServer creates a new mock Discord API server
func NewMockDiscordServer(t *testing.T) *MockDiscordServer {
	t.Helper()
	m := &MockDiscordServer{
		handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiPrefix.ReplaceAllString(r.URL.Path, "")
		m.mu.Lock()
		m.calls[key]++
		handler, ok := m.handlers[key]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Unknown Channel", "code": 10003})
	}))
	t.Cleanup(m.Close)
	return m
}

// HTTPClient returns a client that sends every request to the mock, whatever its host.
func (m *MockDiscordServer) HTTPClient() *http.Client {
	target, _ := url.Parse(m.URL)
	return &http.Client{Transport: redirectTransport{target: target}}
}

// Handle registers a handler for path.
func (m *MockDiscordServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.handlers[path] = h
	m.mu.Unlock()
}

// Calls returns how many requests hit path.
func (m *MockDiscordServer) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

// MockMessages serves messages (newest first, as upstream does) for a channel.
func (m *MockDiscordServer) MockMessages(channelID string, messages []map[string]any) {
	m.Handle("/channels/"+channelID+"/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, messages)
	})
}

// MockGuild serves a guild and its channel list.
func (m *MockDiscordServer) MockGuild(guildID, name string, channels []map[string]any) {
	m.Handle("/guilds/"+guildID, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": guildID, "name": name})
	})
	m.Handle("/guilds/"+guildID+"/channels", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, channels)
	})
	for _, ch := range channels {
		ch := ch
		id, _ := ch["id"].(string)
		m.Handle("/channels/"+id, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, ch)
		})
	}
}

// MockRateLimited answers path with a 429 carrying retryAfter seconds.
func (m *MockDiscordServer) MockRateLimited(path string, retryAfter float64) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"message": "You are being rate limited.", "retry_after": retryAfter, "global": false,
		})
	})
}

// MockStatus answers path with an error status and Discord-style body.
func (m *MockDiscordServer) MockStatus(path string, status int, message string, code int) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, map[string]any{"message": message, "code": code})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

type redirectTransport struct{ target *url.URL }

func (t redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	r.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(r)
}
