package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/onnwee/chatnotes/directory"
)

// DirectoryStore implements directory.Store on the directory_entries table.
// Concurrent writers from several instances are safe; the last upsert wins.
type DirectoryStore struct{ DB *sql.DB }

func (s *DirectoryStore) Upsert(ctx context.Context, entries ...directory.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin directory upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT INTO directory_entries(kind, id, parent_id, name, attributes, last_refreshed_at)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT(kind, id) DO UPDATE SET
			parent_id=EXCLUDED.parent_id,
			name=EXCLUDED.name,
			attributes=EXCLUDED.attributes,
			last_refreshed_at=EXCLUDED.last_refreshed_at`
	for _, e := range entries {
		attrs := e.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		raw, err := json.Marshal(attrs)
		if err != nil {
			return fmt.Errorf("encode attributes for %s %s: %w", e.Kind, e.ID, err)
		}
		if _, err := tx.ExecContext(ctx, q, string(e.Kind), e.ID, e.ParentID, e.Name, raw, e.LastRefreshedAt); err != nil {
			return fmt.Errorf("upsert %s %s: %w", e.Kind, e.ID, err)
		}
	}
	return tx.Commit()
}

func (s *DirectoryStore) Get(ctx context.Context, kind directory.Kind, id string) (directory.Entry, bool, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT kind, id, parent_id, name, attributes, last_refreshed_at FROM directory_entries WHERE kind=$1 AND id=$2`,
		string(kind), id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Entry{}, false, nil
	}
	if err != nil {
		return directory.Entry{}, false, err
	}
	return e, true, nil
}

func (s *DirectoryStore) ListByParent(ctx context.Context, kind directory.Kind, parentID string) ([]directory.Entry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT kind, id, parent_id, name, attributes, last_refreshed_at FROM directory_entries
		 WHERE kind=$1 AND parent_id=$2 ORDER BY name, id`, string(kind), parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []directory.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *DirectoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM directory_entries WHERE last_refreshed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(r scanner) (directory.Entry, error) {
	var (
		e    directory.Entry
		kind string
		raw  []byte
	)
	if err := r.Scan(&kind, &e.ID, &e.ParentID, &e.Name, &raw, &e.LastRefreshedAt); err != nil {
		return directory.Entry{}, err
	}
	e.Kind = directory.Kind(kind)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.Attributes); err != nil {
			return directory.Entry{}, fmt.Errorf("decode attributes for %s %s: %w", kind, e.ID, err)
		}
	}
	if len(e.Attributes) == 0 {
		e.Attributes = nil
	}
	return e, nil
}
