package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/onnwee/chatnotes/chat"
)

// CursorStore implements chat.CursorStore on poll_cursors.
type CursorStore struct{ DB *sql.DB }

func (s *CursorStore) GetCursor(ctx context.Context, channelID string) (chat.PollCursor, bool, error) {
	c := chat.PollCursor{ChannelID: channelID}
	err := s.DB.QueryRowContext(ctx,
		`SELECT last_seen_message_id, updated_at FROM poll_cursors WHERE channel_id=$1`, channelID).
		Scan(&c.LastSeenMessageID, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.PollCursor{}, false, nil
	}
	if err != nil {
		return chat.PollCursor{}, false, err
	}
	return c, true, nil
}

// AdvanceCursor only moves forward. IDs are decimal strings, so a longer ID
// is larger and equal lengths compare bytewise.
func (s *CursorStore) AdvanceCursor(ctx context.Context, channelID, messageID string) error {
	if messageID == "" {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO poll_cursors(channel_id, last_seen_message_id, updated_at)
		VALUES($1,$2,NOW())
		ON CONFLICT(channel_id) DO UPDATE SET last_seen_message_id=EXCLUDED.last_seen_message_id, updated_at=NOW()
		WHERE length(poll_cursors.last_seen_message_id) < length(EXCLUDED.last_seen_message_id)
		   OR (length(poll_cursors.last_seen_message_id) = length(EXCLUDED.last_seen_message_id)
		       AND poll_cursors.last_seen_message_id COLLATE "C" < EXCLUDED.last_seen_message_id COLLATE "C")`,
		channelID, messageID)
	return err
}

// ListCursors returns every stored cursor ordered by channel.
func (s *CursorStore) ListCursors(ctx context.Context) ([]chat.PollCursor, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT channel_id, last_seen_message_id, updated_at FROM poll_cursors ORDER BY channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chat.PollCursor
	for rows.Next() {
		var c chat.PollCursor
		if err := rows.Scan(&c.ChannelID, &c.LastSeenMessageID, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
