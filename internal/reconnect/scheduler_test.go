package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oremus-labs/taskstream/internal/backoff"
)

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) armed() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// fireNext runs the single armed timer and returns its delay.
func (c *fakeClock) fireNext(t *testing.T) time.Duration {
	t.Helper()
	armed := c.armed()
	if len(armed) != 1 {
		t.Fatalf("expected exactly one armed timer, got %d", len(armed))
	}
	timer := armed[0]
	timer.stopped = true
	timer.fn()
	return timer.delay
}

type midpoint struct{}

func (midpoint) Float64() float64 { return 0.5 }

func newTestScheduler(clock *fakeClock, maxAttempts int, hooks Hooks) *Scheduler {
	return New(Options{
		Policy: backoff.Policy{
			Base:        time.Second,
			Max:         30 * time.Second,
			MaxAttempts: maxAttempts,
			Jitter:      0.1,
			Source:      midpoint{},
		},
		Hooks:     hooks,
		AfterFunc: clock.AfterFunc,
	})
}

func TestSchedulerBackoffSequenceThenExhaustion(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	var (
		attempts  []int
		failures  int
		exhausted int
	)
	s := newTestScheduler(clock, 3, Hooks{
		OnReconnectAttempt:   func(n int) { attempts = append(attempts, n) },
		OnReconnectFailure:   func(error) { failures++ },
		OnMaxAttemptsReached: func() { exhausted++ },
	})

	action := func(context.Context) error { return errors.New("dial refused") }
	s.Schedule(action)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, expected := range want {
		if got := clock.fireNext(t); got != expected {
			t.Fatalf("attempt %d: expected delay %s got %s", i+1, expected, got)
		}
	}

	if len(clock.armed()) != 0 {
		t.Fatalf("expected no timer after exhaustion")
	}
	if exhausted != 1 {
		t.Fatalf("expected OnMaxAttemptsReached once, got %d", exhausted)
	}
	if failures != 3 {
		t.Fatalf("expected 3 failures, got %d", failures)
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("unexpected attempt numbers: %v", attempts)
	}

	s.Schedule(action)
	s.Schedule(action)
	if exhausted != 1 {
		t.Fatalf("expected exhaustion to be reported once, got %d", exhausted)
	}
	if s.Pending() {
		t.Fatalf("expected no pending timer")
	}
}

func TestSchedulerSuccessResetsCounter(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	successes := 0
	s := newTestScheduler(clock, 5, Hooks{
		OnReconnectSuccess: func() { successes++ },
	})

	calls := 0
	action := func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}
	s.Schedule(action)
	clock.fireNext(t)
	clock.fireNext(t)
	if got := clock.fireNext(t); got != 4*time.Second {
		t.Fatalf("expected third delay 4s got %s", got)
	}

	if successes != 1 {
		t.Fatalf("expected one success, got %d", successes)
	}
	if s.Attempt() != 0 {
		t.Fatalf("expected attempt counter reset, got %d", s.Attempt())
	}
	if len(clock.armed()) != 0 {
		t.Fatalf("expected no timer after success")
	}
}

func TestSchedulerKeepsSingleTimer(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	s := newTestScheduler(clock, 5, Hooks{})
	action := func(context.Context) error { return nil }

	s.Schedule(action)
	s.Schedule(action)
	s.Schedule(action)

	if got := len(clock.armed()); got != 1 {
		t.Fatalf("expected a single armed timer, got %d", got)
	}
}

func TestSchedulerStopPreventsAction(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	s := newTestScheduler(clock, 5, Hooks{})
	called := false
	s.Schedule(func(context.Context) error {
		called = true
		return nil
	})

	timer := clock.timers[0]
	s.Stop()
	if !timer.stopped {
		t.Fatalf("expected timer to be stopped")
	}
	// A timer callback that raced with Stop must still be a no-op.
	timer.fn()
	if called {
		t.Fatalf("action ran after Stop")
	}
}

func TestSchedulerStopCancelsInFlightAttempt(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	failures := 0
	s := newTestScheduler(clock, 5, Hooks{
		OnReconnectFailure: func(error) { failures++ },
	})

	started := make(chan struct{})
	done := make(chan error, 1)
	s.Schedule(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	timer := clock.armed()[0]
	timer.stopped = true
	go func() {
		timer.fn()
		done <- nil
	}()

	<-started
	s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("in-flight attempt was not cancelled")
	}
	if failures != 0 {
		t.Fatalf("cancelled attempt must not count as a failure")
	}
	if len(clock.armed()) != 0 {
		t.Fatalf("cancelled attempt must not reschedule")
	}
}

func TestSchedulerResetKeepsAttemptCounterAtZero(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	s := newTestScheduler(clock, 2, Hooks{})
	fail := func(context.Context) error { return errors.New("boom") }

	s.Schedule(fail)
	clock.fireNext(t)
	if s.Attempt() != 1 {
		t.Fatalf("expected attempt 1, got %d", s.Attempt())
	}
	s.Reset()
	if s.Attempt() != 0 || s.Pending() {
		t.Fatalf("expected reset state, attempt=%d pending=%v", s.Attempt(), s.Pending())
	}

	s.Schedule(fail)
	if got := clock.armed()[0].delay; got != time.Second {
		t.Fatalf("expected base delay after reset, got %s", got)
	}
}
