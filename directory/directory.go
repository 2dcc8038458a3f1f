// Package directory caches server and channel metadata from the upstream
// platform in a persistent store.
//
// Reads serve fresh rows directly. Stale or missing rows are refreshed from
// upstream synchronously; if that fails the stale row is served flagged as
// Degraded so a transient upstream outage never empties the directory.
// Rows are only removed by SweepExpired.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind distinguishes directory entry types.
type Kind string

const (
	KindServer  Kind = "server"
	KindChannel Kind = "channel"
	// KindChannelList marks when a server's full channel list was last
	// fetched. Its ID is the server ID.
	KindChannelList Kind = "channel_list"
)

const (
	DefaultServerTTL  = 15 * time.Minute
	DefaultChannelTTL = 30 * time.Minute
)

// Entry is one cached server or channel. (Kind, ID) is the natural key.
type Entry struct {
	Kind            Kind              `json:"kind"`
	ID              string            `json:"id"`
	ParentID        string            `json:"parent_id,omitempty"`
	Name            string            `json:"name"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	LastRefreshedAt time.Time         `json:"last_refreshed_at"`
	Degraded        bool              `json:"degraded,omitempty"`
}

// Fresh reports whether the entry is younger than ttl at now.
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.LastRefreshedAt) < ttl
}

// Store persists entries. Upsert overwrites mutable attributes and
// LastRefreshedAt; it never creates a second row for the same natural key.
type Store interface {
	Upsert(ctx context.Context, entries ...Entry) error
	Get(ctx context.Context, kind Kind, id string) (Entry, bool, error)
	ListByParent(ctx context.Context, kind Kind, parentID string) ([]Entry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Upstream is the authoritative platform API.
type Upstream interface {
	FetchServer(ctx context.Context, id string) (Entry, error)
	FetchChannel(ctx context.Context, id string) (Entry, error)
	FetchServerChannels(ctx context.Context, serverID string) ([]Entry, error)
}

// ErrUpstream matches every *UpstreamError.
var ErrUpstream = errors.New("directory upstream unavailable")

// UpstreamError is returned when upstream fails and nothing usable is stored.
type UpstreamError struct {
	Kind Kind
	Key  string
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("directory: fetch %s %s: %v", e.Kind, e.Key, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }
