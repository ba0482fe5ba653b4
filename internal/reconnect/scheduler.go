// Package reconnect serializes reconnection attempts behind a single backoff timer.
//
// A Scheduler owns at most one pending timer and at most one in-flight attempt.
// Each attempt receives a context that is cancelled by Stop, so an intentional
// disconnect aborts a dial that is already running instead of merely ignoring it.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/oremus-labs/taskstream/internal/backoff"
)

// Action performs one reconnection attempt.
type Action func(ctx context.Context) error

// Hooks are optional lifecycle callbacks. They run without the scheduler lock held.
type Hooks struct {
	OnScheduled          func(attempt int, delay time.Duration)
	OnReconnectAttempt   func(attempt int)
	OnReconnectSuccess   func()
	OnReconnectFailure   func(err error)
	OnMaxAttemptsReached func()
}

// Timer is the subset of *time.Timer used by the scheduler.
type Timer interface {
	Stop() bool
}

// AfterFunc arms a timer. time.AfterFunc is the production implementation.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options configure a Scheduler.
type Options struct {
	Policy    backoff.Policy
	Hooks     Hooks
	AfterFunc AfterFunc
}

// Scheduler drives reconnect attempts with exponential backoff.
type Scheduler struct {
	policy    backoff.Policy
	hooks     Hooks
	afterFunc AfterFunc

	mu        sync.Mutex
	attempt   int
	timer     Timer
	gen       uint64
	cancel    context.CancelFunc
	exhausted bool
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	af := opts.AfterFunc
	if af == nil {
		af = realAfterFunc
	}
	return &Scheduler{
		policy:    opts.Policy.WithDefaults(),
		hooks:     opts.Hooks,
		afterFunc: af,
	}
}

// Schedule arms the retry timer for action. Any previously pending timer is
// replaced. When the attempt budget is spent, OnMaxAttemptsReached fires once
// per exhaustion and no timer is armed.
func (s *Scheduler) Schedule(action Action) {
	s.mu.Lock()
	if !s.policy.CanRetry(s.attempt) {
		notify := !s.exhausted
		s.exhausted = true
		s.stopTimerLocked()
		s.mu.Unlock()
		if notify && s.hooks.OnMaxAttemptsReached != nil {
			s.hooks.OnMaxAttemptsReached()
		}
		return
	}
	delay := s.policy.Delay(s.attempt)
	if delay < 0 {
		delay = 0
	}
	s.stopTimerLocked()
	s.gen++
	gen := s.gen
	next := s.attempt + 1
	s.timer = s.afterFunc(delay, func() { s.fire(gen, action) })
	s.mu.Unlock()

	if s.hooks.OnScheduled != nil {
		s.hooks.OnScheduled(next, delay)
	}
}

func (s *Scheduler) fire(gen uint64, action Action) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.attempt++
	attempt := s.attempt
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	if s.hooks.OnReconnectAttempt != nil {
		s.hooks.OnReconnectAttempt(attempt)
	}

	err := action(ctx)

	s.mu.Lock()
	stopped := ctx.Err() != nil
	if !stopped {
		s.cancel = nil
	}
	cancel()
	if stopped {
		s.mu.Unlock()
		return
	}
	if err == nil {
		s.attempt = 0
		s.exhausted = false
		s.mu.Unlock()
		if s.hooks.OnReconnectSuccess != nil {
			s.hooks.OnReconnectSuccess()
		}
		return
	}
	s.mu.Unlock()

	if s.hooks.OnReconnectFailure != nil {
		s.hooks.OnReconnectFailure(err)
	}
	s.Schedule(action)
}

// Reset cancels a pending timer and zeroes the attempt counter. It does not
// abort an attempt that is already running.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.stopTimerLocked()
	s.gen++
	s.attempt = 0
	s.exhausted = false
	s.mu.Unlock()
}

// Stop cancels a pending timer and aborts an in-flight attempt. The attempt
// counter is kept.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopTimerLocked()
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
}

// Attempt returns the number of attempts made since the last reset.
func (s *Scheduler) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Pending reports whether a retry timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// MaxAttempts returns the configured attempt budget.
func (s *Scheduler) MaxAttempts() int {
	return s.policy.MaxAttempts
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
