package db

import (
	"context"
	"database/sql"
)

// ChannelRegistry implements chat.ChannelRegistry on monitored_channels.
type ChannelRegistry struct{ DB *sql.DB }

func (r *ChannelRegistry) ListMonitored(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT channel_id FROM monitored_channels ORDER BY added_at, channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *ChannelRegistry) AddMonitored(ctx context.Context, channelID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO monitored_channels(channel_id) VALUES($1) ON CONFLICT(channel_id) DO NOTHING`, channelID)
	return err
}

func (r *ChannelRegistry) RemoveMonitored(ctx context.Context, channelID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM monitored_channels WHERE channel_id=$1`, channelID)
	return err
}
