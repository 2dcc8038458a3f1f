package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/onnwee/chatnotes/telemetry"
)

// Fetcher reads channel history. Results may come in any order; messages
// strictly after afterID are expected. An empty afterID asks for the most
// recent window of at most limit messages.
type Fetcher interface {
	FetchAfter(ctx context.Context, channelID, afterID string, limit int) ([]RawMessage, error)
}

// PullConfig wires a PullIngestor. Zero durations and counts take defaults.
type PullConfig struct {
	Fetcher Fetcher
	Sink    Sink
	Cursors CursorStore
	Filter  ContentFilter
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	Interval         time.Duration // 15m
	BatchSize        int           // 50
	MaxAttempts      int           // 3
	BackoffBase      time.Duration // 1s
	BackoffMax       time.Duration // 30s
	Concurrency      int           // 4
	FetchTimeout     time.Duration // 30s
	CycleTimeout     time.Duration // 5m
	MaxPagesPerCycle int           // 10
	RatePerSecond    float64       // 0 = unpaced
}

func (c *PullConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = 30 * c.BackoffBase
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 5 * time.Minute
	}
	if c.MaxPagesPerCycle <= 0 {
		c.MaxPagesPerCycle = 10
	}
	if c.Filter == nil {
		c.Filter = HasAttachmentsOrLinks
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Channels   int           `json:"channels"`
	Emitted    int           `json:"emitted"`
	Failures   []*FetchError `json:"-"`
}

// Failed reports whether channelID was skipped in this cycle.
func (r *CycleReport) Failed(channelID string) bool {
	for _, f := range r.Failures {
		if f.ChannelID == channelID {
			return true
		}
	}
	return false
}

// PullIngestor polls monitored channels on a fixed period.
type PullIngestor struct {
	cfg     PullConfig
	logger  *slog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	cycleMu   sync.Mutex
	channels  channelSet
	report    atomic.Pointer[CycleReport]
	processed atomic.Int64
}

func NewPullIngestor(cfg PullConfig) *PullIngestor {
	cfg.applyDefaults()
	p := &PullIngestor{cfg: cfg, logger: cfg.Logger.With(slog.String("component", "pull_ingestor"))}
	if cfg.RatePerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Concurrency)
	}
	p.channels.Replace(nil)
	return p
}

// SetMonitoredChannels replaces the polled set. Cursors of removed channels
// are kept, so re-adding a channel resumes where it left off. A running
// cycle keeps its snapshot.
func (p *PullIngestor) SetMonitoredChannels(ids []string) {
	p.channels.Replace(ids)
}

// Start launches the poll loop; the first cycle runs immediately. Calling
// Start while running is a no-op.
func (p *PullIngestor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if p.cfg.Fetcher == nil {
		return &ConfigurationError{Field: "pull fetcher"}
	}
	if p.cfg.Cursors == nil {
		return &ConfigurationError{Field: "cursor store"}
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(context.WithoutCancel(ctx), p.stop, p.done)
	p.logger.Info("pull ingestion started", slog.Duration("interval", p.cfg.Interval), slog.Int("channels", p.channels.Len()))
	return nil
}

// Stop prevents further cycles. It does not wait; an in-flight cycle runs to
// completion or its timeout. Safe to call when not started.
func (p *PullIngestor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stop)
	p.logger.Info("pull ingestion stopping")
}

// Wait blocks until the most recently started loop has exited.
func (p *PullIngestor) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (p *PullIngestor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Processed returns the number of messages delivered to the sink.
func (p *PullIngestor) Processed() int64 { return p.processed.Load() }

// LastReport returns the most recent cycle report, or nil before the first cycle.
func (p *PullIngestor) LastReport() *CycleReport { return p.report.Load() }

// RunOnce runs a single cycle now. It waits for any in-flight cycle first.
func (p *PullIngestor) RunOnce(ctx context.Context) *CycleReport {
	return p.cycle(ctx)
}

func (p *PullIngestor) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		default:
		}
		p.cycle(ctx)
		select {
		case <-stop:
			return
		case <-ticker.Chan():
		}
	}
}

func (p *PullIngestor) cycle(parent context.Context) *CycleReport {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	ctx, cancel := context.WithTimeout(parent, p.cfg.CycleTimeout)
	defer cancel()

	ids := p.channels.Snapshot()
	ctx, span := telemetry.StartSpan(ctx, "chat", "pull.cycle", attribute.Int("channels", len(ids)))
	defer span.End()

	report := &CycleReport{StartedAt: p.cfg.Clock.Now(), Channels: len(ids)}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			n, ferr := p.pollChannel(ctx, id)
			mu.Lock()
			report.Emitted += n
			if ferr != nil {
				report.Failures = append(report.Failures, ferr)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failures, func(i, j int) bool {
		return CompareIDs(report.Failures[i].ChannelID, report.Failures[j].ChannelID) < 0
	})
	report.FinishedAt = p.cfg.Clock.Now()
	p.report.Store(report)
	p.cfg.Metrics.ObserveCycle(report.FinishedAt.Sub(report.StartedAt))

	for _, f := range report.Failures {
		p.cfg.Metrics.IncFetchFailure()
		p.logger.Warn("channel skipped this cycle",
			slog.String("channel", f.ChannelID), slog.Int("attempts", f.Attempts), slog.Any("err", f.Err))
	}
	if len(report.Failures) > 0 {
		telemetry.RecordError(span, fmt.Errorf("%d channels failed", len(report.Failures)))
	} else {
		telemetry.SetSpanSuccess(span)
	}
	p.logger.Info("poll cycle complete",
		slog.Int("channels", report.Channels), slog.Int("emitted", report.Emitted),
		slog.Int("failed", len(report.Failures)), slog.Duration("took", report.FinishedAt.Sub(report.StartedAt)))
	return report
}

// pollChannel fetches and emits everything after the channel's cursor, page
// by page, advancing the cursor after each page.
func (p *PullIngestor) pollChannel(ctx context.Context, channelID string) (int, *FetchError) {
	cur, hasCursor, err := p.cfg.Cursors.GetCursor(ctx, channelID)
	if err != nil {
		return 0, &FetchError{ChannelID: channelID, Attempts: 0, Err: fmt.Errorf("load cursor: %w", err)}
	}
	after := cur.LastSeenMessageID

	emitted := 0
	for page := 0; page < p.cfg.MaxPagesPerCycle; page++ {
		msgs, attempts, err := p.fetchWithRetry(ctx, channelID, after)
		if err != nil {
			return emitted, &FetchError{ChannelID: channelID, Attempts: attempts, Err: err}
		}
		full := len(msgs) >= p.cfg.BatchSize

		sort.Slice(msgs, func(i, j int) bool { return CompareIDs(msgs[i].ID, msgs[j].ID) < 0 })
		last := ""
		for _, m := range msgs {
			if after != "" && CompareIDs(m.ID, after) <= 0 {
				continue
			}
			if p.cfg.Filter(m) {
				if err := p.cfg.Sink.Deliver(ctx, Normalize(m, ModePull, p.cfg.Clock.Now())); err != nil {
					if last != "" {
						p.advance(ctx, channelID, last)
					}
					return emitted, &FetchError{ChannelID: channelID, Attempts: attempts, Err: fmt.Errorf("deliver %s: %w", m.ID, err)}
				}
				emitted++
				p.processed.Add(1)
				p.cfg.Metrics.IncProcessed("pull")
			} else {
				p.cfg.Metrics.IncDiscarded("pull", "filtered")
			}
			last = m.ID
		}
		if last == "" {
			break
		}
		if err := p.advance(ctx, channelID, last); err != nil {
			return emitted, &FetchError{ChannelID: channelID, Attempts: attempts, Err: fmt.Errorf("advance cursor: %w", err)}
		}
		after = last

		// Without a cursor only the most recent window is taken.
		if !hasCursor || !full {
			break
		}
	}
	return emitted, nil
}

func (p *PullIngestor) advance(ctx context.Context, channelID, messageID string) error {
	// Cursor writes survive the cycle deadline.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FetchTimeout)
	defer cancel()
	return p.cfg.Cursors.AdvanceCursor(wctx, channelID, messageID)
}

// fetchWithRetry returns the page plus the number of attempts counted
// against MaxAttempts. Rate-limit waits are not counted.
func (p *PullIngestor) fetchWithRetry(ctx context.Context, channelID, after string) ([]RawMessage, int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BackoffBase
	b.MaxInterval = p.cfg.BackoffMax
	b.Reset()

	attempts := 0
	for {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, attempts, err
			}
		}
		fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		msgs, err := p.cfg.Fetcher.FetchAfter(fctx, channelID, after, p.cfg.BatchSize)
		cancel()
		if err == nil {
			return msgs, attempts + 1, nil
		}

		var rl *RateLimited
		if errors.As(err, &rl) {
			p.cfg.Metrics.IncRateLimitWait()
			wait := rl.Wait
			if wait <= 0 {
				wait = p.cfg.BackoffBase
			}
			p.logger.Debug("rate limited", slog.String("channel", channelID), slog.Duration("wait", wait))
			if serr := p.sleep(ctx, wait); serr != nil {
				return nil, attempts, err
			}
			continue
		}

		attempts++
		if ClassifyFetchError(err) == ErrorClassFatal || attempts >= p.cfg.MaxAttempts {
			return nil, attempts, err
		}
		delay := b.NextBackOff()
		p.logger.Debug("fetch failed; retrying",
			slog.String("channel", channelID), slog.Int("attempt", attempts), slog.Duration("delay", delay), slog.Any("err", err))
		if serr := p.sleep(ctx, delay); serr != nil {
			return nil, attempts, err
		}
	}
}

func (p *PullIngestor) sleep(ctx context.Context, d time.Duration) error {
	t := p.cfg.Clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}
