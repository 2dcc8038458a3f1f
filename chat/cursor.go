package chat

import (
	"context"
	"sync"
	"time"
)

// PollCursor is the last message processed for a channel.
type PollCursor struct {
	ChannelID         string    `json:"channel_id"`
	LastSeenMessageID string    `json:"last_seen_message_id"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// CursorStore persists per-channel progress. AdvanceCursor must never move
// a cursor backwards; an older or equal ID is a no-op.
type CursorStore interface {
	GetCursor(ctx context.Context, channelID string) (PollCursor, bool, error)
	AdvanceCursor(ctx context.Context, channelID, messageID string) error
}

// MemoryCursorStore is an in-process CursorStore.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]PollCursor
	now     func() time.Time
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]PollCursor), now: time.Now}
}

func (s *MemoryCursorStore) GetCursor(_ context.Context, channelID string) (PollCursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[channelID]
	return c, ok, nil
}

func (s *MemoryCursorStore) AdvanceCursor(_ context.Context, channelID, messageID string) error {
	if messageID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cursors[channelID]
	if ok && CompareIDs(messageID, cur.LastSeenMessageID) <= 0 {
		return nil
	}
	s.cursors[channelID] = PollCursor{ChannelID: channelID, LastSeenMessageID: messageID, UpdatedAt: s.now().UTC()}
	return nil
}
