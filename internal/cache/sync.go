package cache

import (
	"time"

	"github.com/oremus-labs/taskstream/internal/events"
	"github.com/oremus-labs/taskstream/internal/logutil"
	"github.com/oremus-labs/taskstream/internal/metrics"
)

// Subscriber is the part of the dispatch registry the synchronizer needs.
type Subscriber interface {
	Subscribe(eventType string, h events.Handler) func()
}

// Options configure a Synchronizer.
type Options struct {
	// TaskID limits the synchronizer to one task. Empty means all tasks.
	TaskID string
	// StrictOrdering drops status and progress events stamped earlier than
	// the last event applied to the task.
	StrictOrdering bool

	OnStatusChange func(events.TaskStatusUpdate)
	OnProgress     func(events.TaskProgress)
	OnLog          func(taskID string, entry LogEntry)
	OnMessage      func(Message)
}

// Synchronizer folds dispatched stream events into a Cache.
type Synchronizer struct {
	cache *Cache
	opts  Options
}

// NewSynchronizer binds a synchronizer to c.
func NewSynchronizer(c *Cache, opts Options) *Synchronizer {
	return &Synchronizer{cache: c, opts: opts}
}

// Cache returns the cache the synchronizer writes to.
func (s *Synchronizer) Cache() *Cache { return s.cache }

// Attach subscribes to every task event type on sub. The returned func removes
// all four subscriptions.
func (s *Synchronizer) Attach(sub Subscriber) func() {
	types := []string{
		events.TypeTaskStatus,
		events.TypeTaskLog,
		events.TypeThreadMessage,
		events.TypeTaskProgress,
	}
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, sub.Subscribe(t, func(env events.Envelope) { s.Apply(env) }))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Apply folds a single envelope into the cache and reports whether the cache
// changed.
func (s *Synchronizer) Apply(env events.Envelope) bool {
	at := env.Timestamp
	switch ev := env.Event.(type) {
	case events.TaskStatusUpdate:
		if !s.wants(ev.TaskID) {
			return false
		}
		outcome := s.cache.ApplyStatus(ev, at, s.opts.StrictOrdering)
		s.observe("status", ev.TaskID, outcome, at)
		if fires(outcome) && s.opts.OnStatusChange != nil {
			s.opts.OnStatusChange(ev)
		}
		return outcome == Applied
	case events.TaskProgress:
		if !s.wants(ev.TaskID) {
			return false
		}
		outcome := s.cache.ApplyProgress(ev, at, s.opts.StrictOrdering)
		s.observe("progress", ev.TaskID, outcome, at)
		if fires(outcome) && s.opts.OnProgress != nil {
			s.opts.OnProgress(ev)
		}
		return outcome == Applied
	case events.TaskLog:
		if !s.wants(ev.TaskID) {
			return false
		}
		entry, outcome := s.cache.ApplyLog(ev, at)
		s.observe("log", ev.TaskID, outcome, at)
		if outcome == Applied && s.opts.OnLog != nil {
			s.opts.OnLog(ev.TaskID, entry)
		}
		return outcome == Applied
	case events.ThreadMessage:
		if !s.wants(ev.TaskID) {
			return false
		}
		msg, outcome := s.cache.ApplyMessage(ev, at)
		s.observe("message", ev.TaskID, outcome, at)
		if outcome == Applied && s.opts.OnMessage != nil {
			s.opts.OnMessage(msg)
		}
		return outcome == Applied
	}
	return false
}

func (s *Synchronizer) wants(taskID string) bool {
	return s.opts.TaskID == "" || s.opts.TaskID == taskID
}

// fires reports whether a status or progress hook runs for outcome. Hooks
// still run for tasks the cache does not hold yet.
func fires(o Outcome) bool {
	return o == Applied || o == Missing
}

func (s *Synchronizer) observe(kind, taskID string, outcome Outcome, at time.Time) {
	metrics.ObserveReducer(kind, outcome == Applied)
	if outcome == Stale {
		logutil.Warn("cache_stale_event_dropped", map[string]interface{}{
			"kind":   kind,
			"taskId": taskID,
			"at":     at.Format(time.RFC3339Nano),
		})
	}
}
