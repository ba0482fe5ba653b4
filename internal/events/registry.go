// Package events models the wire envelope, its typed payload variants, and the
// per-type dispatch registry that fans envelopes out to subscribers.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/oremus-labs/taskstream/internal/logutil"
	"github.com/oremus-labs/taskstream/internal/metrics"
)

// Handler receives a dispatched envelope.
type Handler func(Envelope)

type subscription struct {
	id        string
	eventType string
	handler   Handler
	active    atomic.Bool
}

// Registry maps event types to ordered subscriptions.
type Registry struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string][]*subscription)}
}

// Subscribe registers h for eventType and returns a closure that removes
// exactly this subscription. The closure may be called any number of times,
// including from inside h.
func (r *Registry) Subscribe(eventType string, h Handler) func() {
	sub := &subscription{
		id:        uuid.NewString(),
		eventType: eventType,
		handler:   h,
	}
	sub.active.Store(true)

	r.mu.Lock()
	r.subs[eventType] = append(r.subs[eventType], sub)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			r.remove(sub)
		})
	}
}

func (r *Registry) remove(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.subs[sub.eventType]
	for i, s := range current {
		if s.id != sub.id {
			continue
		}
		next := make([]*subscription, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(r.subs, sub.eventType)
		} else {
			r.subs[sub.eventType] = next
		}
		return
	}
}

// Dispatch invokes every active subscription for env.Type in registration
// order and returns how many ran. A panicking handler is logged and the
// remaining handlers still run. Types without subscribers are dropped.
func (r *Registry) Dispatch(env Envelope) int {
	r.mu.RLock()
	subs := r.subs[env.Type]
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if r.invoke(sub, env) {
			delivered++
		}
	}
	metrics.ObserveDispatch(env.Type, delivered)
	return delivered
}

func (r *Registry) invoke(sub *subscription, env Envelope) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			metrics.ObserveSubscriberPanic(env.Type)
			logutil.Error("dispatch_callback_panic", fmt.Errorf("%v", rec), map[string]interface{}{
				"eventType":      env.Type,
				"subscriptionId": sub.id,
			})
		}
	}()
	sub.handler(env)
	return true
}

// Count returns the number of subscriptions for eventType.
func (r *Registry) Count(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[eventType])
}

// Channel subscribes to the given types and delivers envelopes on a buffered
// channel until ctx is done or the returned cancel func is called. Envelopes
// are dropped when the consumer falls behind.
func (r *Registry) Channel(ctx context.Context, buffer int, eventTypes ...string) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Envelope, buffer)

	var (
		mu     sync.Mutex
		closed bool
		unsubs []func()
		done   = make(chan struct{})
	)
	send := func(env Envelope) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- env:
		default:
			logutil.Warn("events_channel_backlog", map[string]interface{}{
				"eventType": env.Type,
			})
		}
	}
	for _, t := range eventTypes {
		unsubs = append(unsubs, r.Subscribe(t, send))
	}

	cancel := func() {
		for _, u := range unsubs {
			u()
		}
		mu.Lock()
		if !closed {
			closed = true
			close(ch)
			close(done)
		}
		mu.Unlock()
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return ch, cancel
}
