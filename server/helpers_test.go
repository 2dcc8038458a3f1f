package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/chatnotes/chat"
	"github.com/onnwee/chatnotes/db"
	"github.com/onnwee/chatnotes/directory"
	"github.com/onnwee/chatnotes/telemetry"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type offlineDialer struct{}

func (offlineDialer) Dial(context.Context, string) (chat.Stream, error) {
	return nil, errors.New("gateway offline")
}

type emptyFetcher struct{}

func (emptyFetcher) FetchAfter(context.Context, string, string, int) ([]chat.RawMessage, error) {
	return nil, nil
}

type stubUpstream struct {
	mu       sync.Mutex
	servers  map[string]directory.Entry
	channels map[string]directory.Entry
}

func (u *stubUpstream) FetchServer(_ context.Context, id string) (directory.Entry, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	e, ok := u.servers[id]
	if !ok {
		return directory.Entry{}, errors.New("HTTP 404 Not Found")
	}
	return e, nil
}

func (u *stubUpstream) FetchChannel(_ context.Context, id string) (directory.Entry, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	e, ok := u.channels[id]
	if !ok {
		return directory.Entry{}, errors.New("HTTP 404 Not Found")
	}
	return e, nil
}

func (u *stubUpstream) FetchServerChannels(_ context.Context, serverID string) ([]directory.Entry, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []directory.Entry
	for _, e := range u.channels {
		if e.ParentID == serverID {
			out = append(out, e)
		}
	}
	return out, nil
}

type stubNotes struct{ notes []db.Note }

func (s stubNotes) ListNotes(_ context.Context, channelID string, limit int) ([]db.Note, error) {
	var out []db.Note
	for _, n := range s.notes {
		if n.ChannelID == channelID && len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

type fixture struct {
	orch    *chat.Orchestrator
	reg     *prometheus.Registry
	handler http.Handler
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	arb := chat.NewModeArbiter(chat.WithDebounce(time.Hour), chat.WithArbiterLogger(discardLogger))
	t.Cleanup(arb.Close)
	sink := chat.SinkFunc(func(context.Context, chat.NormalizedMessageEvent) error { return nil })
	push := chat.NewPushIngestor(chat.PushConfig{
		Dialer: offlineDialer{}, Credentials: chat.StaticCredential("tok"), Sink: sink, Logger: discardLogger, Metrics: metrics,
	})
	pull := chat.NewPullIngestor(chat.PullConfig{
		Fetcher: emptyFetcher{}, Sink: sink, Cursors: chat.NewMemoryCursorStore(), Logger: discardLogger, Metrics: metrics,
	})
	up := &stubUpstream{
		servers: map[string]directory.Entry{"g1": {ID: "g1", Name: "Guild One"}},
		channels: map[string]directory.Entry{
			"c1": {ID: "c1", ParentID: "g1", Name: "general"},
			"c2": {ID: "c2", ParentID: "g1", Name: "links"},
		},
	}
	cache := directory.NewCache(directory.Config{Store: directory.NewMemoryStore(), Upstream: up, Logger: discardLogger, Metrics: metrics})
	orch := chat.NewOrchestrator(chat.OrchestratorConfig{
		Arbiter: arb, Push: push, Pull: pull, Directory: cache, Logger: discardLogger, Metrics: metrics,
	})

	opts := Options{
		Orchestrator: orch,
		Gatherer:     reg,
		Notes: stubNotes{notes: []db.Note{
			{ID: 1, ExternalID: "m1", ChannelID: "c1", Content: "https://example.com"},
		}},
	}
	if mutate != nil {
		mutate(&opts)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &fixture{orch: orch, reg: reg, handler: NewMux(ctx, opts)}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}
