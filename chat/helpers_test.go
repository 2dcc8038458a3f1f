package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recordingSink collects delivered events and can be told to fail, either
// always or once per message ID.
type recordingSink struct {
	mu       sync.Mutex
	events   []NormalizedMessageEvent
	fail     error
	failOnce map[string]bool
}

func (s *recordingSink) failFirst(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOnce == nil {
		s.failOnce = map[string]bool{}
	}
	for _, id := range ids {
		s.failOnce[id] = true
	}
}

func (s *recordingSink) Deliver(_ context.Context, ev NormalizedMessageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if s.failOnce[ev.ExternalID] {
		delete(s.failOnce, ev.ExternalID)
		return errBoom
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.ExternalID
	}
	return out
}

func (s *recordingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

var errBoom = errors.New("boom")

func msg(channel, id string) RawMessage {
	return RawMessage{
		ID:         id,
		ChannelID:  channel,
		AuthorID:   "u1",
		AuthorName: "alice",
		Content:    "see https://example.com/" + id,
		Timestamp:  time.Unix(1700000000, 0),
	}
}
