// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the ingestion service collectors. A nil *Metrics is valid
// and records nothing, so components can run without a registry in tests.
type Metrics struct {
	Sessions          prometheus.Gauge
	Mode              prometheus.Gauge // 1=push,0=pull
	ModeTransitions   *prometheus.CounterVec
	Processed         *prometheus.CounterVec
	Discarded         *prometheus.CounterVec
	FetchFailures     prometheus.Counter
	RateLimitWaits    prometheus.Counter
	CycleDuration     prometheus.Histogram
	PushConnected     prometheus.Gauge
	PushDisconnects   prometheus.Counter
	DirectoryLookups  *prometheus.CounterVec
	DirectorySwept    prometheus.Counter
	MonitoredChannels prometheus.Gauge
}

// NewMetrics registers all collectors on reg. Passing nil uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Sessions:          f.NewGauge(prometheus.GaugeOpts{Name: "chatnotes_sessions_open", Help: "Open client sessions"}),
		Mode:              f.NewGauge(prometheus.GaugeOpts{Name: "chatnotes_ingestion_mode", Help: "Committed ingestion mode push=1 pull=0"}),
		ModeTransitions:   f.NewCounterVec(prometheus.CounterOpts{Name: "chatnotes_mode_transitions_total", Help: "Committed mode transitions"}, []string{"to"}),
		Processed:         f.NewCounterVec(prometheus.CounterOpts{Name: "chatnotes_messages_processed_total", Help: "Messages delivered to the sink"}, []string{"source"}),
		Discarded:         f.NewCounterVec(prometheus.CounterOpts{Name: "chatnotes_messages_discarded_total", Help: "Messages dropped by filters"}, []string{"source", "reason"}),
		FetchFailures:     f.NewCounter(prometheus.CounterOpts{Name: "chatnotes_fetch_failures_total", Help: "Channels skipped after exhausting retries"}),
		RateLimitWaits:    f.NewCounter(prometheus.CounterOpts{Name: "chatnotes_rate_limit_waits_total", Help: "Upstream rate limit waits honored"}),
		CycleDuration:     f.NewHistogram(prometheus.HistogramOpts{Name: "chatnotes_poll_cycle_duration_seconds", Help: "Poll cycle duration seconds", Buckets: prometheus.DefBuckets}),
		PushConnected:     f.NewGauge(prometheus.GaugeOpts{Name: "chatnotes_push_connected", Help: "Push stream connected=1"}),
		PushDisconnects:   f.NewCounter(prometheus.CounterOpts{Name: "chatnotes_push_disconnects_total", Help: "Unexpected push disconnects"}),
		DirectoryLookups:  f.NewCounterVec(prometheus.CounterOpts{Name: "chatnotes_directory_lookups_total", Help: "Directory lookups by result"}, []string{"kind", "result"}),
		DirectorySwept:    f.NewCounter(prometheus.CounterOpts{Name: "chatnotes_directory_swept_total", Help: "Directory rows removed by sweeps"}),
		MonitoredChannels: f.NewGauge(prometheus.GaugeOpts{Name: "chatnotes_monitored_channels", Help: "Monitored channel count"}),
	}
}

// SetSessions records the open session count.
func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.Sessions.Set(float64(n))
	}
}

// RecordMode sets the mode gauge and counts the transition.
func (m *Metrics) RecordMode(mode string) {
	if m == nil {
		return
	}
	if mode == "push" {
		m.Mode.Set(1)
	} else {
		m.Mode.Set(0)
	}
	m.ModeTransitions.WithLabelValues(mode).Inc()
}

func (m *Metrics) IncProcessed(source string) {
	if m != nil {
		m.Processed.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) IncDiscarded(source, reason string) {
	if m != nil {
		m.Discarded.WithLabelValues(source, reason).Inc()
	}
}

func (m *Metrics) IncFetchFailure() {
	if m != nil {
		m.FetchFailures.Inc()
	}
}

func (m *Metrics) IncRateLimitWait() {
	if m != nil {
		m.RateLimitWaits.Inc()
	}
}

// ObserveCycle records a poll cycle duration.
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m != nil {
		m.CycleDuration.Observe(d.Seconds())
	}
}

// SetPushConnected sets gauge to 1 if connected else 0.
func (m *Metrics) SetPushConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.PushConnected.Set(1)
	} else {
		m.PushConnected.Set(0)
	}
}

func (m *Metrics) IncPushDisconnect() {
	if m != nil {
		m.PushDisconnects.Inc()
	}
}

// IncDirectoryLookup counts a lookup; result is one of fresh, refreshed, stale, miss.
func (m *Metrics) IncDirectoryLookup(kind, result string) {
	if m != nil {
		m.DirectoryLookups.WithLabelValues(kind, result).Inc()
	}
}

func (m *Metrics) AddSwept(n int64) {
	if m != nil && n > 0 {
		m.DirectorySwept.Add(float64(n))
	}
}

func (m *Metrics) SetMonitoredChannels(n int) {
	if m != nil {
		m.MonitoredChannels.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
