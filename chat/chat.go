package chat

import (
	"context"
	"regexp"
	"time"
)

// Mode is the committed ingestion strategy.
type Mode string

const (
	ModePull Mode = "pull"
	ModePush Mode = "push"
)

// Attachment is a file attached to an upstream message.
type Attachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size,omitempty"`
}

// RawEvent is anything the upstream gateway delivers. It is decoded into one
// of RawMessage, Connected or Disconnected at the transport boundary.
type RawEvent interface {
	rawEvent()
}

// RawMessage is an upstream message in platform shape.
type RawMessage struct {
	ID          string
	ChannelID   string
	ServerID    string
	AuthorID    string
	AuthorName  string
	Content     string
	Attachments []Attachment
	EmbedURLs   []string
	Timestamp   time.Time
}

// Connected reports the gateway handshake completed.
type Connected struct {
	At time.Time
}

// Disconnected reports the gateway stream ended. Err is nil for a clean close.
type Disconnected struct {
	At  time.Time
	Err error
}

func (RawMessage) rawEvent()   {}
func (Connected) rawEvent()    {}
func (Disconnected) rawEvent() {}

// Author identifies who posted a message.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NormalizedMessageEvent is the platform-neutral record handed to the Sink.
type NormalizedMessageEvent struct {
	SourceMode  Mode         `json:"source_mode"`
	ChannelID   string       `json:"channel_id"`
	ExternalID  string       `json:"external_id"`
	Author      Author       `json:"author"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	Links       []string     `json:"links"`
	ObservedAt  time.Time    `json:"observed_at"`
}

// Sink consumes normalized events. Implementations must be idempotent on
// ExternalID; the same message can be delivered by both ingestors.
type Sink interface {
	Deliver(ctx context.Context, ev NormalizedMessageEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev NormalizedMessageEvent) error

func (f SinkFunc) Deliver(ctx context.Context, ev NormalizedMessageEvent) error { return f(ctx, ev) }

// ContentFilter reports whether a message should be kept.
type ContentFilter func(m RawMessage) bool

var linkPattern = regexp.MustCompile(`https?://[^\s<>]+`)

// ExtractLinks returns the URLs found in content followed by embed URLs, without duplicates.
func ExtractLinks(m RawMessage) []string {
	found := linkPattern.FindAllString(m.Content, -1)
	seen := make(map[string]struct{}, len(found)+len(m.EmbedURLs))
	out := make([]string, 0, len(found)+len(m.EmbedURLs))
	for _, u := range append(found, m.EmbedURLs...) {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// HasAttachmentsOrLinks is the default ContentFilter.
func HasAttachmentsOrLinks(m RawMessage) bool {
	if len(m.Attachments) > 0 {
		return true
	}
	return len(ExtractLinks(m)) > 0
}

// Normalize converts a raw message into the sink shape.
func Normalize(m RawMessage, source Mode, observedAt time.Time) NormalizedMessageEvent {
	atts := m.Attachments
	if atts == nil {
		atts = []Attachment{}
	}
	return NormalizedMessageEvent{
		SourceMode:  source,
		ChannelID:   m.ChannelID,
		ExternalID:  m.ID,
		Author:      Author{ID: m.AuthorID, Name: m.AuthorName},
		Content:     m.Content,
		Attachments: atts,
		Links:       ExtractLinks(m),
		ObservedAt:  observedAt.UTC(),
	}
}

// CompareIDs orders platform snowflakes. IDs are decimal strings so a shorter
// string is always the smaller number.
func CompareIDs(a, b string) int {
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
