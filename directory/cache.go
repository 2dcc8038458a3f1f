package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/chatnotes/telemetry"
)

// Config wires a Cache. Zero TTLs take the defaults.
type Config struct {
	Store      Store
	Upstream   Upstream
	ServerTTL  time.Duration
	ChannelTTL time.Duration
	// FetchTimeout bounds a shared upstream fetch; 30s.
	FetchTimeout time.Duration
	Clock        clockwork.Clock
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

// Cache is a read-through directory with stale fallback.
type Cache struct {
	store    Store
	upstream Upstream
	ttl      map[Kind]time.Duration
	timeout  time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	group    singleflight.Group
}

func NewCache(cfg Config) *Cache {
	if cfg.ServerTTL <= 0 {
		cfg.ServerTTL = DefaultServerTTL
	}
	if cfg.ChannelTTL <= 0 {
		cfg.ChannelTTL = DefaultChannelTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		store:    cfg.Store,
		upstream: cfg.Upstream,
		ttl:      map[Kind]time.Duration{KindServer: cfg.ServerTTL, KindChannel: cfg.ChannelTTL},
		timeout:  cfg.FetchTimeout,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With(slog.String("component", "directory")),
		metrics:  cfg.Metrics,
	}
}

// TTL returns the freshness window for kind.
func (c *Cache) TTL(kind Kind) time.Duration { return c.ttl[kind] }

func (c *Cache) GetServer(ctx context.Context, id string) (Entry, error) {
	return c.get(ctx, KindServer, id)
}

func (c *Cache) GetChannel(ctx context.Context, id string) (Entry, error) {
	return c.get(ctx, KindChannel, id)
}

func (c *Cache) get(ctx context.Context, kind Kind, id string) (Entry, error) {
	stored, ok, err := c.store.Get(ctx, kind, id)
	if err != nil {
		c.logger.Warn("directory store read failed", slog.String("kind", string(kind)), slog.String("id", id), slog.Any("err", err))
		ok = false
	}
	if ok && stored.Fresh(c.clock.Now(), c.ttl[kind]) {
		c.metrics.IncDirectoryLookup(string(kind), "fresh")
		return stored, nil
	}

	v, err := c.shared(ctx, string(kind)+":"+id, func(ctx context.Context) (any, error) {
		return c.fetchOne(ctx, kind, id)
	})
	if err != nil {
		if ok {
			c.metrics.IncDirectoryLookup(string(kind), "stale")
			c.logger.Warn("serving stale directory entry",
				slog.String("kind", string(kind)), slog.String("id", id),
				slog.Time("last_refreshed_at", stored.LastRefreshedAt), slog.Any("err", err))
			stored.Degraded = true
			return stored, nil
		}
		c.metrics.IncDirectoryLookup(string(kind), "miss")
		return Entry{}, &UpstreamError{Kind: kind, Key: id, Err: err}
	}
	c.metrics.IncDirectoryLookup(string(kind), "refreshed")
	return v.(Entry), nil
}

func (c *Cache) fetchOne(ctx context.Context, kind Kind, id string) (Entry, error) {
	ctx, span := telemetry.StartSpan(ctx, "directory", "directory.fetch",
		attribute.String("kind", string(kind)), attribute.String("id", id))
	defer span.End()

	var (
		e   Entry
		err error
	)
	switch kind {
	case KindServer:
		e, err = c.upstream.FetchServer(ctx, id)
	case KindChannel:
		e, err = c.upstream.FetchChannel(ctx, id)
	default:
		err = fmt.Errorf("unknown kind %q", kind)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return Entry{}, err
	}
	e.Kind, e.ID = kind, id
	e.LastRefreshedAt = c.clock.Now().UTC()
	e.Degraded = false
	if err := c.store.Upsert(ctx, e); err != nil {
		// The fetched value is still good to return.
		c.logger.Warn("directory upsert failed", slog.String("kind", string(kind)), slog.String("id", id), slog.Any("err", err))
	}
	telemetry.SetSpanSuccess(span)
	return e, nil
}

// shared runs fn once per key across concurrent callers. The fetch is
// detached from any single caller's cancellation; a canceled caller stops
// waiting without failing the others.
func (c *Cache) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.Val, r.Err
	}
}

// ServerChannels returns the channels stored under serverID, refreshing them
// in one upstream call unless the full list was fetched within the channel
// TTL and every row is fresh. Rows written by GetChannel alone never make the
// list count as complete.
func (c *Cache) ServerChannels(ctx context.Context, serverID string) ([]Entry, error) {
	rows, err := c.store.ListByParent(ctx, KindChannel, serverID)
	if err != nil {
		c.logger.Warn("directory store list failed", slog.String("server", serverID), slog.Any("err", err))
		rows = nil
	}
	now := c.clock.Now()
	listed, ok, err := c.store.Get(ctx, KindChannelList, serverID)
	stale := err != nil || !ok || !listed.Fresh(now, c.ttl[KindChannel])
	for _, r := range rows {
		if !r.Fresh(now, c.ttl[KindChannel]) {
			stale = true
			break
		}
	}
	if !stale {
		c.metrics.IncDirectoryLookup("server_channels", "fresh")
		return rows, nil
	}

	v, err := c.shared(ctx, "server_channels:"+serverID, func(ctx context.Context) (any, error) {
		return c.fetchServerChannels(ctx, serverID)
	})
	if err != nil {
		if len(rows) > 0 {
			c.metrics.IncDirectoryLookup("server_channels", "stale")
			c.logger.Warn("serving stale channel list", slog.String("server", serverID), slog.Any("err", err))
			for i := range rows {
				rows[i].Degraded = true
			}
			return rows, nil
		}
		c.metrics.IncDirectoryLookup("server_channels", "miss")
		return nil, &UpstreamError{Kind: KindServer, Key: serverID, Err: err}
	}
	c.metrics.IncDirectoryLookup("server_channels", "refreshed")
	return v.([]Entry), nil
}

func (c *Cache) fetchServerChannels(ctx context.Context, serverID string) ([]Entry, error) {
	ctx, span := telemetry.StartSpan(ctx, "directory", "directory.fetch_server_channels", attribute.String("server", serverID))
	defer span.End()

	fetched, err := c.upstream.FetchServerChannels(ctx, serverID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	now := c.clock.Now().UTC()
	for i := range fetched {
		fetched[i].Kind = KindChannel
		fetched[i].ParentID = serverID
		fetched[i].LastRefreshedAt = now
		fetched[i].Degraded = false
	}
	rows := append(make([]Entry, 0, len(fetched)+1), fetched...)
	rows = append(rows, Entry{Kind: KindChannelList, ID: serverID, LastRefreshedAt: now})
	if err := c.store.Upsert(ctx, rows...); err != nil {
		c.logger.Warn("directory bulk upsert failed", slog.String("server", serverID), slog.Any("err", err))
	}
	sortEntries(fetched)
	telemetry.SetSpanSuccess(span)
	return fetched, nil
}

// RefreshAll refreshes every key unconditionally. Channel keys whose stored
// parent server is known are refreshed with one list call per server. The
// returned error joins one *UpstreamError per key that could not be refreshed.
func (c *Cache) RefreshAll(ctx context.Context, kind Kind, ids []string) (int, error) {
	var (
		refreshed int
		errs      []error
	)
	singles := ids
	if kind == KindChannel {
		singles = nil
		byParent := make(map[string][]string)
		var parents []string
		for _, id := range ids {
			e, ok, err := c.store.Get(ctx, KindChannel, id)
			if err != nil || !ok || e.ParentID == "" {
				singles = append(singles, id)
				continue
			}
			if _, seen := byParent[e.ParentID]; !seen {
				parents = append(parents, e.ParentID)
			}
			byParent[e.ParentID] = append(byParent[e.ParentID], id)
		}
		for _, parent := range parents {
			want := byParent[parent]
			fetched, err := c.fetchServerChannels(ctx, parent)
			if err != nil {
				for _, id := range want {
					errs = append(errs, &UpstreamError{Kind: KindChannel, Key: id, Err: err})
				}
				continue
			}
			got := make(map[string]bool, len(fetched))
			for _, e := range fetched {
				got[e.ID] = true
			}
			for _, id := range want {
				if got[id] {
					refreshed++
				} else {
					// Moved or deleted upstream; ask for it directly.
					singles = append(singles, id)
				}
			}
		}
	}

	for _, id := range singles {
		if _, err := c.fetchOne(ctx, kind, id); err != nil {
			errs = append(errs, &UpstreamError{Kind: kind, Key: id, Err: err})
			continue
		}
		refreshed++
	}
	if len(errs) > 0 {
		c.logger.Warn("directory refresh incomplete", slog.String("kind", string(kind)),
			slog.Int("refreshed", refreshed), slog.Int("failed", len(errs)))
	}
	return refreshed, errors.Join(errs...)
}

// SweepExpired deletes rows not refreshed within maxAge. It is never run by
// the cache itself; see SweepService.
func (c *Cache) SweepExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("sweep: max age must be positive, got %s", maxAge)
	}
	cutoff := c.clock.Now().Add(-maxAge)
	n, err := c.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep directory: %w", err)
	}
	c.metrics.AddSwept(n)
	c.logger.Info("directory sweep complete", slog.Int64("deleted", n), slog.Time("cutoff", cutoff))
	return n, nil
}
