package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/oremus-labs/taskstream/internal/events"
)

// Outcome describes what an event did to the cache.
type Outcome int

const (
	// Applied means the cache changed.
	Applied Outcome = iota
	// Unchanged means the event repeated state already held.
	Unchanged
	// Missing means the event targets a task the cache does not hold.
	Missing
	// Stale means the event is older than the last event applied to the task.
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Unchanged:
		return "unchanged"
	case Missing:
		return "missing"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Cache is the keyed store of tasks, log streams and message threads. Reads
// return copies; stored values are replaced, never edited.
type Cache struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	logs    map[string][]LogEntry
	threads map[string][]Message
	version uint64
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		tasks:   make(map[string]*Task),
		logs:    make(map[string][]LogEntry),
		threads: make(map[string][]Message),
	}
}

// Version increases on every change.
func (c *Cache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// GetTask returns the cached task or the zero Task and false.
func (c *Cache) GetTask(id string) (Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Tasks returns all cached tasks, most recently updated first.
func (c *Cache) Tasks() []Task {
	c.mu.RLock()
	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, *t)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetLogStream returns a copy of the task's log stream; empty when unknown.
func (c *Cache) GetLogStream(id string) []LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src := c.logs[id]
	out := make([]LogEntry, len(src))
	copy(out, src)
	return out
}

// GetMessageThread returns a copy of the task's thread; empty when unknown.
func (c *Cache) GetMessageThread(id string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src := c.threads[id]
	out := make([]Message, len(src))
	copy(out, src)
	return out
}

// PutTask inserts or replaces a task. Used by the request/response path,
// which is the only creator of tasks.
func (c *Cache) PutTask(t Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := t
	c.tasks[t.ID] = &stored
	c.version++
}

// ReplaceTasks swaps the task set for tasks. Log streams and threads are kept.
func (c *Cache) ReplaceTasks(tasks []Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]*Task, len(tasks))
	for i := range tasks {
		t := tasks[i]
		if prev, ok := c.tasks[t.ID]; ok && t.LastEventAt.IsZero() {
			t.LastEventAt = prev.LastEventAt
		}
		next[t.ID] = &t
	}
	c.tasks = next
	c.version++
}

// SetLogStream replaces a task's log stream.
func (c *Cache) SetLogStream(id string, entries []LogEntry) {
	stored := make([]LogEntry, len(entries))
	copy(stored, entries)
	c.mu.Lock()
	c.logs[id] = stored
	c.version++
	c.mu.Unlock()
}

// SetMessageThread replaces a task's thread.
func (c *Cache) SetMessageThread(id string, msgs []Message) {
	stored := make([]Message, len(msgs))
	copy(stored, msgs)
	c.mu.Lock()
	c.threads[id] = stored
	c.version++
	c.mu.Unlock()
}

// ApplyStatus folds a status event into the cache.
func (c *Cache) ApplyStatus(ev events.TaskStatusUpdate, at time.Time, strict bool) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.tasks[ev.TaskID]
	if !ok {
		return Missing
	}
	if strict && IsStale(prev, at) {
		return Stale
	}
	next := ReduceStatus(prev, ev, at)
	if next == prev {
		return Unchanged
	}
	c.tasks[ev.TaskID] = next
	c.version++
	return Applied
}

// ApplyProgress folds a progress event into the cache.
func (c *Cache) ApplyProgress(ev events.TaskProgress, at time.Time, strict bool) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.tasks[ev.TaskID]
	if !ok {
		return Missing
	}
	if strict && IsStale(prev, at) {
		return Stale
	}
	next := ReduceProgress(prev, ev, at)
	if next == prev {
		return Unchanged
	}
	c.tasks[ev.TaskID] = next
	c.version++
	return Applied
}

// ApplyLog appends a log line, creating the stream on first use.
func (c *Cache) ApplyLog(ev events.TaskLog, at time.Time) (LogEntry, Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.logs[ev.TaskID]
	next := ReduceLog(prev, ev, at)
	if len(next) == len(prev) {
		return LogEntry{}, Unchanged
	}
	c.logs[ev.TaskID] = next
	c.version++
	return next[len(next)-1], Applied
}

// ApplyMessage merges a thread message, creating the thread on first use.
func (c *Cache) ApplyMessage(ev events.ThreadMessage, at time.Time) (Message, Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.threads[ev.TaskID]
	next := ReduceMessage(prev, ev, at)
	if len(next) == len(prev) {
		return Message{}, Unchanged
	}
	c.threads[ev.TaskID] = next
	c.version++
	return next[len(next)-1], Applied
}

// Snapshot copies the whole cache.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		Tasks:   make([]Task, 0, len(c.tasks)),
		Logs:    make(map[string][]LogEntry, len(c.logs)),
		Threads: make(map[string][]Message, len(c.threads)),
		TakenAt: time.Now().UTC(),
	}
	for _, t := range c.tasks {
		snap.Tasks = append(snap.Tasks, *t)
	}
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].ID < snap.Tasks[j].ID })
	for id, entries := range c.logs {
		snap.Logs[id] = append([]LogEntry(nil), entries...)
	}
	for id, msgs := range c.threads {
		snap.Threads[id] = append([]Message(nil), msgs...)
	}
	return snap
}

// Restore replaces the cache contents with snap.
func (c *Cache) Restore(snap Snapshot) {
	tasks := make(map[string]*Task, len(snap.Tasks))
	for i := range snap.Tasks {
		t := snap.Tasks[i]
		tasks[t.ID] = &t
	}
	logs := make(map[string][]LogEntry, len(snap.Logs))
	for id, entries := range snap.Logs {
		logs[id] = append([]LogEntry(nil), entries...)
	}
	threads := make(map[string][]Message, len(snap.Threads))
	for id, msgs := range snap.Threads {
		threads[id] = append([]Message(nil), msgs...)
	}
	c.mu.Lock()
	c.tasks = tasks
	c.logs = logs
	c.threads = threads
	c.version++
	c.mu.Unlock()
}
