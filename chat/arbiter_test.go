package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type transitionLog struct {
	mu   sync.Mutex
	seen []Mode
}

func (l *transitionLog) record(_, to Mode) {
	l.mu.Lock()
	l.seen = append(l.seen, to)
	l.mu.Unlock()
}

func (l *transitionLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

func newTestArbiter(t *testing.T) (*ModeArbiter, *clockwork.FakeClock, *transitionLog) {
	t.Helper()
	fc := clockwork.NewFakeClock()
	a := NewModeArbiter(WithClock(fc), WithArbiterLogger(discardLogger()))
	log := &transitionLog{}
	a.OnTransition(log.record)
	t.Cleanup(a.Close)
	return a, fc, log
}

func TestArbiterInitialState(t *testing.T) {
	a, _, _ := newTestArbiter(t)
	if got := a.CurrentMode(); got != ModePull {
		t.Fatalf("CurrentMode = %s, want pull", got)
	}
	if got := a.State(); got != StatePull {
		t.Fatalf("State = %s, want pull", got)
	}
	if _, ok := a.PendingMode(); ok {
		t.Fatal("unexpected pending transition")
	}
}

func TestArbiterOpenCommitsPushAfterDebounce(t *testing.T) {
	a, fc, log := newTestArbiter(t)

	a.SessionOpened("s1", "owner")
	if got := a.CurrentMode(); got != ModePull {
		t.Fatalf("mode at t=0 = %s, want pull", got)
	}
	if got := a.State(); got != StatePendingPush {
		t.Fatalf("state = %s, want pending_push", got)
	}

	fc.Advance(DefaultDebounce - time.Millisecond)
	if got := a.CurrentMode(); got != ModePull {
		t.Fatalf("mode before debounce = %s, want pull", got)
	}

	fc.Advance(2 * time.Millisecond)
	eventually(t, "push commit", func() bool { return a.CurrentMode() == ModePush })
	if got := a.State(); got != StatePush {
		t.Fatalf("state = %s, want push", got)
	}
	eventually(t, "transition hook", func() bool { return log.count() == 1 })
}

func TestArbiterRapidOpenCloseDoesNotFlip(t *testing.T) {
	a, fc, log := newTestArbiter(t)

	for i := 0; i < 5; i++ {
		a.SessionOpened("s1", "owner")
		fc.Advance(5 * time.Second)
		a.SessionClosed("s1")
		fc.Advance(5 * time.Second)
	}
	fc.Advance(2 * DefaultDebounce)
	time.Sleep(20 * time.Millisecond)

	if got := a.CurrentMode(); got != ModePull {
		t.Fatalf("mode = %s, want pull", got)
	}
	if n := log.count(); n != 0 {
		t.Fatalf("transitions = %d, want 0", n)
	}
	if got := a.State(); got != StatePull {
		t.Fatalf("state = %s, want pull", got)
	}
}

func TestArbiterTwoSessionsOneCloses(t *testing.T) {
	a, fc, _ := newTestArbiter(t)

	a.SessionOpened("s1", "o1")
	a.SessionOpened("s2", "o2")
	fc.Advance(DefaultDebounce + time.Millisecond)
	eventually(t, "push", func() bool { return a.CurrentMode() == ModePush })

	a.SessionClosed("s1")
	if got := a.State(); got != StatePush {
		t.Fatalf("state after one close = %s, want push", got)
	}
	fc.Advance(2 * DefaultDebounce)
	if got := a.CurrentMode(); got != ModePush {
		t.Fatalf("mode = %s, want push", got)
	}

	a.SessionClosed("s2")
	if got := a.State(); got != StatePendingPull {
		t.Fatalf("state = %s, want pending_pull", got)
	}
	if got := a.CurrentMode(); got != ModePush {
		t.Fatalf("mode before debounce = %s, want push", got)
	}
	fc.Advance(DefaultDebounce + time.Millisecond)
	eventually(t, "pull", func() bool { return a.CurrentMode() == ModePull })
}

func TestArbiterReopenCancelsPendingPull(t *testing.T) {
	a, fc, log := newTestArbiter(t)

	a.SessionOpened("s1", "o1")
	fc.Advance(DefaultDebounce + time.Millisecond)
	eventually(t, "push", func() bool { return a.CurrentMode() == ModePush })

	a.SessionClosed("s1")
	fc.Advance(10 * time.Second)
	a.SessionOpened("s2", "o1")
	if got := a.State(); got != StatePush {
		t.Fatalf("state = %s, want push", got)
	}
	fc.Advance(2 * DefaultDebounce)
	time.Sleep(20 * time.Millisecond)
	if got := a.CurrentMode(); got != ModePush {
		t.Fatalf("mode = %s, want push", got)
	}
	if n := log.count(); n != 1 {
		t.Fatalf("transitions = %d, want 1", n)
	}
}

func TestArbiterCountChangeWhilePendingRearms(t *testing.T) {
	a, fc, _ := newTestArbiter(t)

	a.SessionOpened("s1", "o1")
	fc.Advance(20 * time.Second)
	a.SessionOpened("s2", "o1")

	// The second open restarted the debounce window.
	fc.Advance(20 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := a.CurrentMode(); got != ModePull {
		t.Fatalf("mode = %s, want pull", got)
	}
	fc.Advance(11 * time.Second)
	eventually(t, "push", func() bool { return a.CurrentMode() == ModePush })
}

func TestArbiterDuplicateOpenAndUnknownClose(t *testing.T) {
	a, fc, _ := newTestArbiter(t)

	a.SessionOpened("s1", "o1")
	fc.Advance(10 * time.Second)
	a.SessionOpened("s1", "o1")
	if n := a.SessionCount(); n != 1 {
		t.Fatalf("SessionCount = %d, want 1", n)
	}
	a.SessionClosed("nope")
	if n := a.SessionCount(); n != 1 {
		t.Fatalf("SessionCount = %d, want 1", n)
	}
	// Duplicate open did not re-arm, so the original deadline holds.
	fc.Advance(20*time.Second + time.Millisecond)
	eventually(t, "push", func() bool { return a.CurrentMode() == ModePush })
}

func TestArbiterTouchAndExpireIdle(t *testing.T) {
	a, fc, _ := newTestArbiter(t)

	a.SessionOpened("s1", "o1")
	a.SessionOpened("s2", "o2")
	fc.Advance(DefaultDebounce + time.Millisecond)
	eventually(t, "push", func() bool { return a.CurrentMode() == ModePush })

	fc.Advance(time.Minute)
	if !a.Touch("s2") {
		t.Fatal("Touch(s2) = false")
	}
	if a.Touch("missing") {
		t.Fatal("Touch(missing) = true")
	}
	fc.Advance(30 * time.Second)

	expired := a.ExpireIdle(time.Minute)
	if len(expired) != 1 || expired[0] != "s1" {
		t.Fatalf("expired = %v, want [s1]", expired)
	}
	sessions := a.Sessions()
	if len(sessions) != 1 || sessions[0].ID != "s2" || sessions[0].OwnerID != "o2" {
		t.Fatalf("sessions = %+v", sessions)
	}

	fc.Advance(time.Minute)
	if got := a.ExpireIdle(time.Minute); len(got) != 1 {
		t.Fatalf("second expire = %v", got)
	}
	if m, ok := a.PendingMode(); !ok || m != ModePull {
		t.Fatalf("PendingMode = %s,%v want pull,true", m, ok)
	}
	if got := a.ExpireIdle(0); got != nil {
		t.Fatalf("ExpireIdle(0) = %v, want nil", got)
	}
}
