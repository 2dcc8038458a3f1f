package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker/v2"

	"github.com/onnwee/chatnotes/directory"
	"github.com/onnwee/chatnotes/telemetry"
)

// ChannelRegistry persists the monitored channel set across restarts.
type ChannelRegistry interface {
	ListMonitored(ctx context.Context) ([]string, error)
	AddMonitored(ctx context.Context, channelID string) error
	RemoveMonitored(ctx context.Context, channelID string) error
}

// HealthStatus is the aggregate ingestion health.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// Health is a point-in-time health report. Reasons is non-empty unless Healthy.
type Health struct {
	Status        HealthStatus `json:"status"`
	Mode          Mode         `json:"mode"`
	PushConnected bool         `json:"push_connected"`
	PullRunning   bool         `json:"pull_running"`
	Reasons       []string     `json:"reasons,omitempty"`
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Sessions          int          `json:"sessions"`
	Mode              Mode         `json:"mode"`
	State             ArbiterState `json:"state"`
	MonitoredChannels int          `json:"monitored_channels"`
	Processed         int64        `json:"processed"`
	PushProcessed     int64        `json:"push_processed"`
	PullProcessed     int64        `json:"pull_processed"`
	LastCycleAt       *time.Time   `json:"last_cycle_at,omitempty"`
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Arbiter   *ModeArbiter
	Push      *PushIngestor
	Pull      *PullIngestor
	Directory *directory.Cache // optional
	Registry  ChannelRegistry  // optional
	Channels  []string         // merged with the registry's set on start
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics

	IdleTimeout     time.Duration // 0 disables idle expiry
	JanitorInterval time.Duration // 1m
	BreakerTimeout  time.Duration // 1m
	BreakerTrips    uint32        // 5 consecutive failures
}

// Orchestrator is the single entry point for callers. It keeps the ingestors
// in line with the arbiter's committed mode.
type Orchestrator struct {
	cfg     OrchestratorConfig
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker[struct{}]

	// transMu serializes reconciliation.
	transMu sync.Mutex

	mu       sync.Mutex
	base     context.Context
	channels map[string]struct{}
	pushErr  error
	pullErr  error
	serving  bool
	stopping bool

	catchUpQueued atomic.Bool
	bg            sync.WaitGroup
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Minute
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = time.Minute
	}
	if cfg.BreakerTrips == 0 {
		cfg.BreakerTrips = 5
	}
	o := &Orchestrator{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "orchestrator")),
		base:     context.Background(),
		channels: make(map[string]struct{}),
	}
	o.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "push-start",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerTrips
		},
		IsSuccessful: func(err error) bool {
			// A missing credential is not an upstream fault.
			return err == nil || errors.Is(err, ErrConfiguration)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.logger.Info("circuit breaker state change",
				slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})

	cfg.Arbiter.OnTransition(func(from, to Mode) {
		cfg.Metrics.RecordMode(string(to))
		o.spawn(func(ctx context.Context) { o.reconcile(ctx) })
	})
	cfg.Push.OnSignal(func(s Signal) {
		o.spawn(func(ctx context.Context) { o.handleSignal(ctx, s) })
	})
	return o
}

// spawn runs fn off the caller's goroutine, tracked for shutdown. Work
// arriving after shutdown has begun is dropped.
func (o *Orchestrator) spawn(fn func(ctx context.Context)) {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return
	}
	ctx := o.base
	o.bg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.bg.Done()
		fn(ctx)
	}()
}

// SessionOpened registers a live client session.
func (o *Orchestrator) SessionOpened(sessionID, ownerID string) {
	o.cfg.Arbiter.SessionOpened(sessionID, ownerID)
	o.cfg.Metrics.SetSessions(o.cfg.Arbiter.SessionCount())
}

// SessionClosed removes a live client session.
func (o *Orchestrator) SessionClosed(sessionID string) {
	o.cfg.Arbiter.SessionClosed(sessionID)
	o.cfg.Metrics.SetSessions(o.cfg.Arbiter.SessionCount())
}

// Touch records session activity. It reports false for unknown sessions.
func (o *Orchestrator) Touch(sessionID string) bool {
	return o.cfg.Arbiter.Touch(sessionID)
}

func (o *Orchestrator) Sessions() []Session { return o.cfg.Arbiter.Sessions() }

func (o *Orchestrator) CurrentMode() Mode { return o.cfg.Arbiter.CurrentMode() }

// RunPullCycle runs one pull cycle now, regardless of mode. It waits for any
// in-flight cycle first.
func (o *Orchestrator) RunPullCycle(ctx context.Context) *CycleReport {
	return o.cfg.Pull.RunOnce(ctx)
}

// Directory returns the directory cache, or nil when none is configured.
func (o *Orchestrator) Directory() *directory.Cache { return o.cfg.Directory }

// MonitoredChannels returns the monitored set in ascending ID order.
func (o *Orchestrator) MonitoredChannels() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.monitoredLocked()
}

func (o *Orchestrator) monitoredLocked() []string {
	out := make([]string, 0, len(o.channels))
	for id := range o.channels {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return CompareIDs(out[i], out[j]) < 0 })
	return out
}

// AddMonitoredChannel starts ingesting channelID on both ingestors.
func (o *Orchestrator) AddMonitoredChannel(ctx context.Context, channelID string) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return &ConfigurationError{Field: "channel id"}
	}
	if o.cfg.Registry != nil {
		if err := o.cfg.Registry.AddMonitored(ctx, channelID); err != nil {
			return fmt.Errorf("persist monitored channel: %w", err)
		}
	}
	o.mu.Lock()
	o.channels[channelID] = struct{}{}
	o.applyChannelsLocked()
	o.mu.Unlock()

	if o.cfg.Directory != nil {
		if _, err := o.cfg.Directory.GetChannel(ctx, channelID); err != nil {
			o.logger.Warn("monitored channel not resolvable in directory", slog.String("channel", channelID), slog.Any("err", err))
		}
	}
	o.logger.Info("monitoring channel", slog.String("channel", channelID))
	return nil
}

// RemoveMonitoredChannel stops ingesting channelID. Its cursor is kept.
func (o *Orchestrator) RemoveMonitoredChannel(ctx context.Context, channelID string) error {
	if o.cfg.Registry != nil {
		if err := o.cfg.Registry.RemoveMonitored(ctx, channelID); err != nil {
			return fmt.Errorf("remove monitored channel: %w", err)
		}
	}
	o.mu.Lock()
	delete(o.channels, channelID)
	o.applyChannelsLocked()
	o.mu.Unlock()
	o.logger.Info("stopped monitoring channel", slog.String("channel", channelID))
	return nil
}

func (o *Orchestrator) applyChannelsLocked() {
	ids := o.monitoredLocked()
	o.cfg.Push.SetMonitoredChannels(ids)
	o.cfg.Pull.SetMonitoredChannels(ids)
	o.cfg.Metrics.SetMonitoredChannels(len(ids))
}

// loadChannels seeds the monitored set from the registry.
func (o *Orchestrator) loadChannels(ctx context.Context, initial []string) error {
	ids := initial
	if o.cfg.Registry != nil {
		stored, err := o.cfg.Registry.ListMonitored(ctx)
		if err != nil {
			return fmt.Errorf("load monitored channels: %w", err)
		}
		ids = append(ids, stored...)
	}
	o.mu.Lock()
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			o.channels[id] = struct{}{}
		}
	}
	o.applyChannelsLocked()
	o.mu.Unlock()
	return nil
}

// reconcile converges the ingestors on the committed mode.
func (o *Orchestrator) reconcile(ctx context.Context) {
	o.transMu.Lock()
	defer o.transMu.Unlock()

	switch o.cfg.Arbiter.CurrentMode() {
	case ModePush:
		if o.cfg.Push.Running() {
			o.cfg.Pull.Stop()
			return
		}
		_, err := o.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, o.cfg.Push.Start(ctx)
		})
		if err != nil {
			o.setPushErr(err)
			o.logger.Warn("push start failed; staying on pull", slog.Any("err", err))
			o.ensurePull(ctx)
			return
		}
		o.setPushErr(nil)
		o.cfg.Pull.Stop()
		// Cover whatever arrived between the last poll and the subscription.
		o.spawn(o.catchUp)
	default:
		o.cfg.Push.Stop()
		// The poll loop owns the cursors again and will cover any gap.
		for ch, gen := range o.cfg.Push.HeldChannels() {
			o.cfg.Push.ReleaseHold(ch, gen)
		}
		o.setPushErr(nil)
		o.ensurePull(ctx)
	}
}

func (o *Orchestrator) ensurePull(ctx context.Context) {
	err := o.cfg.Pull.Start(ctx)
	o.mu.Lock()
	o.pullErr = err
	o.mu.Unlock()
	if err != nil {
		o.logger.Error("pull start failed", slog.Any("err", err))
	}
}

func (o *Orchestrator) setPushErr(err error) {
	o.mu.Lock()
	o.pushErr = err
	o.mu.Unlock()
}

func (o *Orchestrator) handleSignal(ctx context.Context, s Signal) {
	switch s.Kind {
	case SignalDisconnected:
		if s.Expected {
			return
		}
		if o.cfg.Arbiter.CurrentMode() != ModePush {
			return
		}
		o.logger.Warn("push disconnected; restarting", slog.Any("err", s.Err))
		o.reconcile(ctx)
	case SignalError:
		o.logger.Debug("push error", slog.Any("err", s.Err))
		if s.ChannelID != "" && o.catchUpQueued.CompareAndSwap(false, true) {
			o.catchUp(ctx)
		}
	}
}

// catchUp runs one pull cycle and releases the push cursor holds it covered.
func (o *Orchestrator) catchUp(ctx context.Context) {
	o.catchUpQueued.Store(false)
	held := o.cfg.Push.HeldChannels()
	report := o.cfg.Pull.RunOnce(ctx)
	released := 0
	for ch, gen := range held {
		if report.Failed(ch) {
			continue
		}
		if o.cfg.Push.ReleaseHold(ch, gen) {
			released++
		}
	}
	o.logger.Info("push catch-up complete",
		slog.Int("emitted", report.Emitted), slog.Int("failed", len(report.Failures)), slog.Int("released", released))
}

// Health aggregates ingestor state.
func (o *Orchestrator) Health() Health {
	mode := o.cfg.Arbiter.CurrentMode()
	h := Health{
		Mode:          mode,
		PushConnected: o.cfg.Push.Connected(),
		PullRunning:   o.cfg.Pull.Running(),
	}
	o.mu.Lock()
	pushErr, pullErr, serving := o.pushErr, o.pullErr, o.serving
	o.mu.Unlock()

	if !serving {
		h.Status = Unhealthy
		h.Reasons = []string{"orchestrator not running"}
		return h
	}
	if mode == ModePush && !h.PushConnected {
		if pushErr != nil {
			h.Reasons = append(h.Reasons, "push disconnected: "+pushErr.Error())
		} else {
			h.Reasons = append(h.Reasons, "push disconnected")
		}
		if h.PullRunning {
			h.Reasons = append(h.Reasons, "falling back to pull")
		}
	}
	if pullErr != nil {
		h.Reasons = append(h.Reasons, "pull not running: "+pullErr.Error())
	}
	switch {
	case mode == ModePull && o.cfg.Push.Running():
		h.Reasons = append(h.Reasons, "push subscription still open in pull mode")
	case mode == ModePush && h.PushConnected && h.PullRunning:
		h.Reasons = append(h.Reasons, "pull loop still running in push mode")
	}
	held := make([]string, 0)
	for ch := range o.cfg.Push.HeldChannels() {
		held = append(held, ch)
	}
	sort.Slice(held, func(i, j int) bool { return CompareIDs(held[i], held[j]) < 0 })
	for _, ch := range held {
		h.Reasons = append(h.Reasons, fmt.Sprintf("push delivery pending catch-up for channel %s", ch))
	}
	if h.PullRunning {
		if r := o.cfg.Pull.LastReport(); r != nil {
			for _, f := range r.Failures {
				h.Reasons = append(h.Reasons, fmt.Sprintf("pull failing for channel %s: %v", f.ChannelID, f.Err))
			}
		}
	}

	switch {
	case !h.PushConnected && !h.PullRunning:
		h.Status = Unhealthy
		if len(h.Reasons) == 0 {
			h.Reasons = []string{"no ingestor running"}
		}
	case len(h.Reasons) > 0:
		h.Status = Degraded
	default:
		h.Status = Healthy
	}
	return h
}

// Stats returns the current counters.
func (o *Orchestrator) Stats() Stats {
	s := Stats{
		Sessions:      o.cfg.Arbiter.SessionCount(),
		Mode:          o.cfg.Arbiter.CurrentMode(),
		State:         o.cfg.Arbiter.State(),
		PushProcessed: o.cfg.Push.Processed(),
		PullProcessed: o.cfg.Pull.Processed(),
	}
	s.Processed = s.PushProcessed + s.PullProcessed
	o.mu.Lock()
	s.MonitoredChannels = len(o.channels)
	o.mu.Unlock()
	if r := o.cfg.Pull.LastReport(); r != nil {
		t := r.FinishedAt
		s.LastCycleAt = &t
	}
	return s
}

// Serve runs ingestion until ctx is canceled. Implements suture.Service.
func (o *Orchestrator) Serve(ctx context.Context) error {
	return o.Run(ctx, o.cfg.Channels)
}

// Run is Serve with an initial set of monitored channels merged into the registry's.
func (o *Orchestrator) Run(ctx context.Context, initial []string) error {
	if err := o.loadChannels(ctx, initial); err != nil {
		return err
	}
	o.mu.Lock()
	o.base = ctx
	o.serving = true
	o.stopping = false
	o.mu.Unlock()
	o.logger.Info("ingestion orchestrator started", slog.Int("channels", len(o.MonitoredChannels())))

	o.reconcile(ctx)

	ticker := o.cfg.Clock.NewTicker(o.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return ctx.Err()
		case <-ticker.Chan():
			o.janitor(ctx)
		}
	}
}

func (o *Orchestrator) janitor(ctx context.Context) {
	if o.cfg.IdleTimeout > 0 {
		if expired := o.cfg.Arbiter.ExpireIdle(o.cfg.IdleTimeout); len(expired) > 0 {
			o.cfg.Metrics.SetSessions(o.cfg.Arbiter.SessionCount())
			o.logger.Info("closed idle sessions", slog.Int("count", len(expired)))
		}
	}
	if o.cfg.Arbiter.CurrentMode() == ModePush && !o.cfg.Push.Running() {
		o.reconcile(ctx)
	}
}

func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	o.serving = false
	o.stopping = true
	o.mu.Unlock()

	o.transMu.Lock()
	o.cfg.Arbiter.Close()
	o.cfg.Push.Stop()
	o.cfg.Pull.Stop()
	o.transMu.Unlock()

	o.cfg.Pull.Wait()
	o.bg.Wait()
	o.logger.Info("ingestion orchestrator stopped")
}

func (o *Orchestrator) String() string { return "ingestion-orchestrator" }
