package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/onnwee/chatnotes/chat"
)

// Note is a stored message.
type Note struct {
	ID          int64             `json:"id"`
	ExternalID  string            `json:"external_id"`
	ChannelID   string            `json:"channel_id"`
	Author      chat.Author       `json:"author"`
	Content     string            `json:"content"`
	Attachments []chat.Attachment `json:"attachments"`
	Links       []string          `json:"links"`
	SourceMode  chat.Mode         `json:"source_mode"`
	ObservedAt  time.Time         `json:"observed_at"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NoteSink is the durable chat.Sink. A redelivered external_id is ignored,
// which is what makes at-least-once ingestion safe.
type NoteSink struct{ DB *sql.DB }

func (s *NoteSink) Deliver(ctx context.Context, ev chat.NormalizedMessageEvent) error {
	atts, err := json.Marshal(ev.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	links := ev.Links
	if links == nil {
		links = []string{}
	}
	rawLinks, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("encode links: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO notes(external_id, channel_id, author_id, author_name, content, attachments, links, source_mode, observed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT(external_id) DO NOTHING`,
		ev.ExternalID, ev.ChannelID, ev.Author.ID, ev.Author.Name, ev.Content, atts, rawLinks, string(ev.SourceMode), ev.ObservedAt)
	if err != nil {
		return fmt.Errorf("insert note %s: %w", ev.ExternalID, err)
	}
	return nil
}

// ListNotes returns up to limit notes for a channel, newest first.
func (s *NoteSink) ListNotes(ctx context.Context, channelID string, limit int) ([]Note, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, external_id, channel_id, author_id, author_name, content, attachments, links, source_mode, observed_at, created_at
		FROM notes WHERE channel_id=$1 ORDER BY observed_at DESC, id DESC LIMIT $2`, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Note
	for rows.Next() {
		var (
			n           Note
			atts, links []byte
			mode        string
		)
		if err := rows.Scan(&n.ID, &n.ExternalID, &n.ChannelID, &n.Author.ID, &n.Author.Name, &n.Content, &atts, &links, &mode, &n.ObservedAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(atts, &n.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", n.ExternalID, err)
		}
		if err := json.Unmarshal(links, &n.Links); err != nil {
			return nil, fmt.Errorf("decode links of %s: %w", n.ExternalID, err)
		}
		n.SourceMode = chat.Mode(mode)
		out = append(out, n)
	}
	return out, rows.Err()
}
