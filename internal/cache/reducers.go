package cache

import (
	"time"

	"github.com/oremus-labs/taskstream/internal/events"
)

// The reducers below are pure. They never modify their inputs and return the
// input unchanged (same pointer or slice header) when the event is a no-op, so
// callers can detect changes by identity.

// ReduceStatus overwrites status and updatedAt. A nil task stays nil: status
// events never create tasks.
func ReduceStatus(prev *Task, ev events.TaskStatusUpdate, at time.Time) *Task {
	if prev == nil {
		return nil
	}
	updatedAt := ev.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = at
	}
	if prev.Status == ev.Status && (updatedAt.IsZero() || prev.UpdatedAt.Equal(updatedAt)) {
		return prev
	}
	next := *prev
	next.Status = ev.Status
	if !updatedAt.IsZero() {
		next.UpdatedAt = updatedAt
	}
	next.LastEventAt = laterOf(prev.LastEventAt, at)
	return &next
}

// ReduceProgress overwrites progress, stage and the remaining-time estimate.
func ReduceProgress(prev *Task, ev events.TaskProgress, at time.Time) *Task {
	if prev == nil {
		return nil
	}
	if prev.Progress == ev.Progress && prev.Stage == ev.Stage && sameEstimate(prev.EstimatedTimeRemaining, ev.EstimatedTimeRemaining) {
		return prev
	}
	next := *prev
	next.Progress = ev.Progress
	next.Stage = ev.Stage
	next.EstimatedTimeRemaining = nil
	if ev.EstimatedTimeRemaining != nil {
		v := *ev.EstimatedTimeRemaining
		next.EstimatedTimeRemaining = &v
	}
	next.LastEventAt = laterOf(prev.LastEventAt, at)
	return &next
}

// ReduceLog appends the line unless it repeats the current last line.
func ReduceLog(prev []LogEntry, ev events.TaskLog, at time.Time) []LogEntry {
	if n := len(prev); n > 0 && prev[n-1].Line == ev.LogLine {
		return prev
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = at
	}
	next := make([]LogEntry, len(prev), len(prev)+1)
	copy(next, prev)
	return append(next, LogEntry{Line: ev.LogLine, Level: ev.Level, Timestamp: ts})
}

// ReduceMessage appends the message unless its id is already in the thread.
func ReduceMessage(prev []Message, ev events.ThreadMessage, at time.Time) []Message {
	for _, m := range prev {
		if m.ID == ev.MessageID {
			return prev
		}
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = at
	}
	next := make([]Message, len(prev), len(prev)+1)
	copy(next, prev)
	return append(next, Message{
		ID:        ev.MessageID,
		TaskID:    ev.TaskID,
		Role:      ev.Role,
		Content:   ev.Content,
		Timestamp: ts,
	})
}

// IsStale reports whether an event stamped at is older than the last event
// applied to task. Unstamped events are never stale.
func IsStale(task *Task, at time.Time) bool {
	if task == nil || at.IsZero() || task.LastEventAt.IsZero() {
		return false
	}
	return at.Before(task.LastEventAt)
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func sameEstimate(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
