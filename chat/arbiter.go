package chat

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultDebounce is how long a session-count condition must hold before the mode flips.
const DefaultDebounce = 30 * time.Second

// ArbiterState is the debounce state machine position.
type ArbiterState string

const (
	StatePull        ArbiterState = "pull"
	StatePendingPush ArbiterState = "pending_push"
	StatePush        ArbiterState = "push"
	StatePendingPull ArbiterState = "pending_pull"
)

// Session is a live client view that wants real-time delivery.
type Session struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	OpenedAt       time.Time `json:"opened_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// TransitionFunc is called after a mode change commits.
type TransitionFunc func(from, to Mode)

// ModeArbiter turns the live session count into a debounced ingestion mode.
// It owns a single timer slot; arming always cancels whatever was armed.
type ModeArbiter struct {
	clock    clockwork.Clock
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	stable   Mode
	state    ArbiterState
	sessions map[string]*Session
	timer    clockwork.Timer
	gen      uint64
	hooks    []TransitionFunc
}

// ArbiterOption configures a ModeArbiter.
type ArbiterOption func(*ModeArbiter)

func WithClock(c clockwork.Clock) ArbiterOption {
	return func(a *ModeArbiter) { a.clock = c }
}

func WithDebounce(d time.Duration) ArbiterOption {
	return func(a *ModeArbiter) {
		if d > 0 {
			a.debounce = d
		}
	}
}

func WithArbiterLogger(l *slog.Logger) ArbiterOption {
	return func(a *ModeArbiter) { a.logger = l }
}

// NewModeArbiter returns an arbiter in Pull mode with no sessions.
func NewModeArbiter(opts ...ArbiterOption) *ModeArbiter {
	a := &ModeArbiter{
		clock:    clockwork.NewRealClock(),
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		stable:   ModePull,
		state:    StatePull,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With(slog.String("component", "mode_arbiter"))
	return a
}

// OnTransition registers fn to run after each committed mode change.
// Hooks run outside the arbiter lock, in registration order.
func (a *ModeArbiter) OnTransition(fn TransitionFunc) {
	a.mu.Lock()
	a.hooks = append(a.hooks, fn)
	a.mu.Unlock()
}

// SessionOpened registers a session. Opening an already known session only
// refreshes its activity time.
func (a *ModeArbiter) SessionOpened(sessionID, ownerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()
	if s, ok := a.sessions[sessionID]; ok {
		s.LastActivityAt = now
		return
	}
	a.sessions[sessionID] = &Session{ID: sessionID, OwnerID: ownerID, OpenedAt: now, LastActivityAt: now}
	a.logger.Debug("session opened", slog.String("session", sessionID), slog.Int("sessions", len(a.sessions)))
	a.reevaluateLocked()
}

// SessionClosed removes a session. Unknown IDs are ignored.
func (a *ModeArbiter) SessionClosed(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[sessionID]; !ok {
		return
	}
	delete(a.sessions, sessionID)
	a.logger.Debug("session closed", slog.String("session", sessionID), slog.Int("sessions", len(a.sessions)))
	a.reevaluateLocked()
}

// Touch records activity for a session. It reports false for unknown sessions.
func (a *ModeArbiter) Touch(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if ok {
		s.LastActivityAt = a.clock.Now()
	}
	return ok
}

// ExpireIdle closes every session with no activity for maxIdle and returns their IDs.
func (a *ModeArbiter) ExpireIdle(maxIdle time.Duration) []string {
	if maxIdle <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()
	var expired []string
	for id, s := range a.sessions {
		if now.Sub(s.LastActivityAt) >= maxIdle {
			expired = append(expired, id)
			delete(a.sessions, id)
		}
	}
	if len(expired) == 0 {
		return nil
	}
	sort.Strings(expired)
	a.logger.Info("expired idle sessions", slog.Int("count", len(expired)), slog.Int("sessions", len(a.sessions)))
	a.reevaluateLocked()
	return expired
}

// CurrentMode returns the committed mode, never the pending target.
func (a *ModeArbiter) CurrentMode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stable
}

// State returns the state machine position.
func (a *ModeArbiter) State() ArbiterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// PendingMode returns the target of the armed transition, if any.
func (a *ModeArbiter) PendingMode() (Mode, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case StatePendingPush:
		return ModePush, true
	case StatePendingPull:
		return ModePull, true
	}
	return "", false
}

func (a *ModeArbiter) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Sessions returns a copy of the open sessions ordered by ID.
func (a *ModeArbiter) Sessions() []Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func desiredMode(sessions int) Mode {
	if sessions > 0 {
		return ModePush
	}
	return ModePull
}

func stableState(m Mode) ArbiterState {
	if m == ModePush {
		return StatePush
	}
	return StatePull
}

// reevaluateLocked cancels any armed timer and decides again from the stable mode.
func (a *ModeArbiter) reevaluateLocked() {
	a.cancelLocked()
	target := desiredMode(len(a.sessions))
	if target == a.stable {
		a.state = stableState(a.stable)
		return
	}
	a.gen++
	gen := a.gen
	if target == ModePush {
		a.state = StatePendingPush
	} else {
		a.state = StatePendingPull
	}
	a.timer = a.clock.AfterFunc(a.debounce, func() { a.fire(gen, target) })
	a.logger.Debug("transition armed", slog.String("target", string(target)), slog.Duration("debounce", a.debounce))
}

func (a *ModeArbiter) cancelLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
}

func (a *ModeArbiter) fire(gen uint64, target Mode) {
	a.mu.Lock()
	if gen != a.gen || desiredMode(len(a.sessions)) != target || a.stable == target {
		a.mu.Unlock()
		return
	}
	from := a.stable
	a.stable = target
	a.state = stableState(target)
	a.timer = nil
	hooks := append([]TransitionFunc(nil), a.hooks...)
	sessions := len(a.sessions)
	a.mu.Unlock()

	a.logger.Info("mode transition committed",
		slog.String("from", string(from)), slog.String("to", string(target)), slog.Int("sessions", sessions))
	for _, h := range hooks {
		h(from, target)
	}
}

// Close cancels any armed transition. The committed mode is left as is.
func (a *ModeArbiter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelLocked()
	a.state = stableState(a.stable)
}
