package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chatnotes/telemetry"
)

// Stream is a live gateway subscription. Events is closed when the stream ends.
type Stream interface {
	Events() <-chan RawEvent
	Close() error
}

// Dialer opens a gateway subscription with the given credential. A nil error
// means the handshake completed.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Stream, error)
}

// CredentialSource returns the bot credential used for the push handshake.
type CredentialSource func(ctx context.Context) (string, error)

// StaticCredential returns a CredentialSource for a fixed token.
func StaticCredential(token string) CredentialSource {
	return func(context.Context) (string, error) { return token, nil }
}

// SignalKind enumerates push lifecycle notifications.
type SignalKind string

const (
	SignalConnected    SignalKind = "connected"
	SignalDisconnected SignalKind = "disconnected"
	SignalError        SignalKind = "error"
)

// Signal is a push lifecycle notification. Expected is true for
// disconnects caused by Stop. ChannelID is set when a delivery failed and the
// channel's cursor is now held.
type Signal struct {
	Kind      SignalKind
	At        time.Time
	Err       error
	Expected  bool
	ChannelID string
}

// SignalFunc receives push signals. It runs on the reader goroutine and must not block
// or call back into the ingestor synchronously.
type SignalFunc func(Signal)

// PushConfig wires a PushIngestor.
type PushConfig struct {
	Dialer      Dialer
	Credentials CredentialSource
	Sink        Sink
	Cursors     CursorStore // optional
	Filter      ContentFilter
	Clock       clockwork.Clock
	Logger      *slog.Logger
	Metrics     *telemetry.Metrics
}

type pushConn struct {
	stream Stream
	cancel context.CancelFunc
	done   chan struct{}
}

// PushIngestor forwards monitored messages from a live gateway subscription.
// It never reconnects on its own; unexpected disconnects are reported via signals.
type PushIngestor struct {
	cfg    PushConfig
	logger *slog.Logger

	mu      sync.Mutex
	conn    *pushConn
	signals []SignalFunc

	channels  channelSet
	holdMu    sync.Mutex
	holds     map[string]uint64 // channel -> hold generation
	holdGen   uint64
	connected atomic.Bool
	processed atomic.Int64
	discarded atomic.Int64
	lastEvent atomic.Int64 // unix nanos
}

func NewPushIngestor(cfg PushConfig) *PushIngestor {
	if cfg.Filter == nil {
		cfg.Filter = HasAttachmentsOrLinks
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &PushIngestor{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "push_ingestor")),
		holds:  make(map[string]uint64),
	}
	p.channels.Replace(nil)
	return p
}

// OnSignal subscribes fn to lifecycle signals.
func (p *PushIngestor) OnSignal(fn SignalFunc) {
	p.mu.Lock()
	p.signals = append(p.signals, fn)
	p.mu.Unlock()
}

// SetMonitoredChannels replaces the channel filter. Events already being
// processed keep the old set.
func (p *PushIngestor) SetMonitoredChannels(ids []string) {
	p.channels.Replace(ids)
}

// Start opens the subscription. Calling Start while running is a no-op.
func (p *PushIngestor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return nil
	}
	if p.cfg.Dialer == nil {
		return &ConfigurationError{Field: "push dialer"}
	}
	if p.cfg.Credentials == nil {
		return &ConfigurationError{Field: "bot credential"}
	}
	cred, err := p.cfg.Credentials(ctx)
	if err != nil {
		return &ConfigurationError{Field: "bot credential", Err: err}
	}
	if strings.TrimSpace(cred) == "" {
		return &ConfigurationError{Field: "bot credential"}
	}

	stream, err := p.cfg.Dialer.Dial(ctx, cred)
	if err != nil {
		p.emitLocked(Signal{Kind: SignalError, At: p.cfg.Clock.Now(), Err: err})
		return &ConnectionError{Op: "handshake", Err: err}
	}

	// The reader outlives the Start call's context.
	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &pushConn{stream: stream, cancel: cancel, done: make(chan struct{})}
	p.conn = c
	p.connected.Store(true)
	p.cfg.Metrics.SetPushConnected(true)
	p.logger.Info("push subscription started", slog.Int("channels", p.channels.Len()))
	p.emitLocked(Signal{Kind: SignalConnected, At: p.cfg.Clock.Now()})

	go p.read(readCtx, c)
	return nil
}

// Stop closes the subscription and waits for the reader to finish. Safe to
// call when not started.
func (p *PushIngestor) Stop() {
	p.mu.Lock()
	c := p.conn
	p.conn = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	c.cancel()
	if err := c.stream.Close(); err != nil {
		p.logger.Debug("push stream close", slog.Any("err", err))
	}
	<-c.done
	p.connected.Store(false)
	p.cfg.Metrics.SetPushConnected(false)
	p.logger.Info("push subscription stopped")
	p.emit(Signal{Kind: SignalDisconnected, At: p.cfg.Clock.Now(), Expected: true})
}

// Running reports whether a subscription is held.
func (p *PushIngestor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Connected reports whether the last known stream state is connected.
func (p *PushIngestor) Connected() bool { return p.connected.Load() }

// Processed returns the number of messages delivered to the sink.
func (p *PushIngestor) Processed() int64 { return p.processed.Load() }

// Discarded returns the number of messages dropped by the channel or content filter.
func (p *PushIngestor) Discarded() int64 { return p.discarded.Load() }

// LastEventAt returns when the stream last delivered anything.
func (p *PushIngestor) LastEventAt() time.Time {
	n := p.lastEvent.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (p *PushIngestor) read(ctx context.Context, c *pushConn) {
	var cause error
	defer func() {
		close(c.done)
		p.mu.Lock()
		unexpected := p.conn == c
		if unexpected {
			p.conn = nil
		}
		p.mu.Unlock()
		if !unexpected {
			return
		}
		c.cancel()
		_ = c.stream.Close()
		p.connected.Store(false)
		p.cfg.Metrics.SetPushConnected(false)
		p.cfg.Metrics.IncPushDisconnect()
		p.logger.Warn("push subscription lost", slog.Any("err", cause))
		p.emit(Signal{Kind: SignalDisconnected, At: p.cfg.Clock.Now(), Err: cause})
	}()

	events := c.stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				cause = errors.New("event stream closed")
				return
			}
			p.lastEvent.Store(p.cfg.Clock.Now().UnixNano())
			switch e := ev.(type) {
			case RawMessage:
				p.handleMessage(ctx, e)
			case Connected:
				if !p.connected.Swap(true) {
					p.cfg.Metrics.SetPushConnected(true)
					p.emit(Signal{Kind: SignalConnected, At: e.At})
				}
			case Disconnected:
				cause = e.Err
				if cause == nil {
					cause = errors.New("upstream closed the stream")
				}
				return
			}
		}
	}
}

func (p *PushIngestor) handleMessage(ctx context.Context, m RawMessage) {
	if !p.channels.Contains(m.ChannelID) {
		p.discarded.Add(1)
		p.cfg.Metrics.IncDiscarded("push", "unmonitored")
		return
	}
	if !p.cfg.Filter(m) {
		p.discarded.Add(1)
		p.cfg.Metrics.IncDiscarded("push", "filtered")
		p.advance(ctx, m)
		return
	}
	ev := Normalize(m, ModePush, p.cfg.Clock.Now())
	if err := p.cfg.Sink.Deliver(ctx, ev); err != nil {
		// Later messages must not move the cursor past this one until a pull
		// cycle has fetched the gap.
		p.hold(m.ChannelID)
		p.logger.Error("push sink delivery failed; cursor held",
			slog.String("channel", m.ChannelID), slog.String("message", m.ID), slog.Any("err", err))
		p.emit(Signal{Kind: SignalError, At: p.cfg.Clock.Now(), Err: err, ChannelID: m.ChannelID})
		return
	}
	p.processed.Add(1)
	p.cfg.Metrics.IncProcessed("push")
	p.advance(ctx, m)
}

func (p *PushIngestor) advance(ctx context.Context, m RawMessage) {
	if p.cfg.Cursors == nil || p.isHeld(m.ChannelID) {
		return
	}
	if err := p.cfg.Cursors.AdvanceCursor(ctx, m.ChannelID, m.ID); err != nil {
		p.logger.Warn("push cursor advance failed", slog.String("channel", m.ChannelID), slog.Any("err", err))
	}
}

func (p *PushIngestor) hold(channelID string) {
	p.holdMu.Lock()
	p.holdGen++
	p.holds[channelID] = p.holdGen
	p.holdMu.Unlock()
}

func (p *PushIngestor) isHeld(channelID string) bool {
	p.holdMu.Lock()
	defer p.holdMu.Unlock()
	_, ok := p.holds[channelID]
	return ok
}

// HeldChannels returns the channels whose cursor push is not advancing,
// keyed to the generation of their latest failed delivery.
func (p *PushIngestor) HeldChannels() map[string]uint64 {
	p.holdMu.Lock()
	defer p.holdMu.Unlock()
	out := make(map[string]uint64, len(p.holds))
	for ch, gen := range p.holds {
		out[ch] = gen
	}
	return out
}

// ReleaseHold lets push advance channelID's cursor again. It does nothing if
// a delivery failed after gen was observed.
func (p *PushIngestor) ReleaseHold(channelID string, gen uint64) bool {
	p.holdMu.Lock()
	defer p.holdMu.Unlock()
	if cur, ok := p.holds[channelID]; !ok || cur != gen {
		return false
	}
	delete(p.holds, channelID)
	return true
}

func (p *PushIngestor) emit(s Signal) {
	p.mu.Lock()
	handlers := append([]SignalFunc(nil), p.signals...)
	p.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

// emitLocked is emit for callers already holding p.mu.
func (p *PushIngestor) emitLocked(s Signal) {
	for _, h := range p.signals {
		h(s)
	}
}
