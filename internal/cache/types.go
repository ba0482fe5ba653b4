// Package cache holds the client-side view of task state and the reducers
// that fold stream events into it.
package cache

import "time"

// Task statuses known to the dashboard.
const (
	StatusQueued      = "queued"
	StatusRunning     = "running"
	StatusRetrying    = "retrying"
	StatusNeedsReview = "needs_review"
	StatusSuccess     = "success"
	StatusAborted     = "aborted"
	StatusError       = "error"

	// Aliases sent by the event producer.
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Task is the cached view of a task. Values stored in a Cache are never
// mutated in place.
type Task struct {
	ID                     string    `json:"id"`
	Title                  string    `json:"title,omitempty"`
	Repo                   string    `json:"repo,omitempty"`
	Branch                 string    `json:"branch,omitempty"`
	Owner                  string    `json:"owner,omitempty"`
	Prompt                 string    `json:"prompt,omitempty"`
	Status                 string    `json:"status"`
	Attempts               int       `json:"attempts,omitempty"`
	Progress               float64   `json:"progress,omitempty"`
	Stage                  string    `json:"stage,omitempty"`
	EstimatedTimeRemaining *float64  `json:"estimatedTimeRemaining,omitempty"`
	PRURL                  string    `json:"prUrl,omitempty"`
	PRState                string    `json:"prState,omitempty"`
	Tags                   []string  `json:"tags,omitempty"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
	LastEventAt            time.Time `json:"lastEventAt,omitempty"`
}

// IsActive reports whether the task is currently executing.
func (t Task) IsActive() bool {
	switch t.Status {
	case StatusRunning, StatusRetrying:
		return true
	}
	return false
}

// IsTerminal reports whether the task has finished, successfully or not.
func (t Task) IsTerminal() bool {
	switch t.Status {
	case StatusSuccess, StatusError, StatusAborted, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActionable reports whether the task is waiting on a human.
func (t Task) IsActionable() bool {
	switch t.Status {
	case StatusError, StatusAborted, StatusNeedsReview, StatusFailed:
		return true
	}
	return false
}

// Elapsed returns the time between creation and the last update.
func (t Task) Elapsed() time.Duration {
	if t.CreatedAt.IsZero() || t.UpdatedAt.Before(t.CreatedAt) {
		return 0
	}
	return t.UpdatedAt.Sub(t.CreatedAt)
}

// LogEntry is one line of a task's log stream.
type LogEntry struct {
	Line      string    `json:"line"`
	Level     string    `json:"level,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Message is one entry of a task's conversation thread.
type Message struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Snapshot is a point-in-time copy of a Cache.
type Snapshot struct {
	Tasks   []Task                `json:"tasks"`
	Logs    map[string][]LogEntry `json:"logs,omitempty"`
	Threads map[string][]Message  `json:"threads,omitempty"`
	TakenAt time.Time             `json:"takenAt"`
}
