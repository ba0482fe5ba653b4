package cache

import (
	"testing"
	"time"

	"github.com/oremus-labs/taskstream/internal/events"
)

func envelope(t *testing.T, eventType string, v events.Event, at time.Time) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(eventType, v)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	env.Timestamp = at
	return env
}

func TestSynchronizerAttachFoldsDispatchedEvents(t *testing.T) {
	t.Parallel()

	reg := events.NewRegistry()
	c := New()
	c.PutTask(Task{ID: "t1", Status: StatusQueued})
	detach := NewSynchronizer(c, Options{}).Attach(reg)

	reg.Dispatch(envelope(t, events.TypeTaskStatus, events.TaskStatusUpdate{TaskID: "t1", Status: StatusRunning}, t0))
	reg.Dispatch(envelope(t, events.TypeTaskLog, events.TaskLog{TaskID: "t1", LogLine: "building"}, t0))
	reg.Dispatch(envelope(t, events.TypeTaskLog, events.TaskLog{TaskID: "t1", LogLine: "building"}, t0))
	reg.Dispatch(envelope(t, events.TypeThreadMessage, events.ThreadMessage{TaskID: "t1", MessageID: "m1", Role: "assistant", Content: "ok"}, t0))
	reg.Dispatch(envelope(t, events.TypeTaskProgress, events.TaskProgress{TaskID: "t1", Progress: 40, Stage: "build"}, t0))

	task, _ := c.GetTask("t1")
	if task.Status != StatusRunning || task.Progress != 40 || task.Stage != "build" {
		t.Fatalf("unexpected task state %#v", task)
	}
	if logs := c.GetLogStream("t1"); len(logs) != 1 {
		t.Fatalf("expected deduplicated log stream, got %#v", logs)
	}
	if thread := c.GetMessageThread("t1"); len(thread) != 1 {
		t.Fatalf("expected one message, got %#v", thread)
	}

	detach()
	for _, typ := range []string{events.TypeTaskStatus, events.TypeTaskLog, events.TypeThreadMessage, events.TypeTaskProgress} {
		if reg.Count(typ) != 0 {
			t.Fatalf("subscription for %s left after detach", typ)
		}
	}
}

func TestSynchronizerHooksAndFilter(t *testing.T) {
	t.Parallel()

	c := New()
	c.PutTask(Task{ID: "t1", Status: StatusQueued})
	var (
		statuses []string
		logs     []string
		messages []string
		progress []float64
	)
	s := NewSynchronizer(c, Options{
		TaskID:         "t1",
		OnStatusChange: func(ev events.TaskStatusUpdate) { statuses = append(statuses, ev.Status) },
		OnLog:          func(_ string, e LogEntry) { logs = append(logs, e.Line) },
		OnMessage:      func(m Message) { messages = append(messages, m.ID) },
		OnProgress:     func(ev events.TaskProgress) { progress = append(progress, ev.Progress) },
	})

	s.Apply(envelope(t, events.TypeTaskStatus, events.TaskStatusUpdate{TaskID: "t1", Status: StatusRunning}, t0))
	s.Apply(envelope(t, events.TypeTaskStatus, events.TaskStatusUpdate{TaskID: "other", Status: StatusRunning}, t0))
	s.Apply(envelope(t, events.TypeTaskLog, events.TaskLog{TaskID: "t1", LogLine: "x"}, t0))
	s.Apply(envelope(t, events.TypeTaskLog, events.TaskLog{TaskID: "t1", LogLine: "x"}, t0))
	s.Apply(envelope(t, events.TypeThreadMessage, events.ThreadMessage{TaskID: "t1", MessageID: "m1"}, t0))
	s.Apply(envelope(t, events.TypeThreadMessage, events.ThreadMessage{TaskID: "t1", MessageID: "m1"}, t0))
	s.Apply(envelope(t, events.TypeTaskProgress, events.TaskProgress{TaskID: "t1", Progress: 75}, t0))

	if len(statuses) != 1 || statuses[0] != StatusRunning {
		t.Fatalf("unexpected status hook calls %v", statuses)
	}
	if len(logs) != 1 || len(messages) != 1 || len(progress) != 1 {
		t.Fatalf("hooks fired for duplicates: logs=%v messages=%v progress=%v", logs, messages, progress)
	}
	if _, ok := c.GetTask("other"); ok {
		t.Fatalf("filtered task inserted")
	}
	if got := c.GetLogStream("other"); len(got) != 0 {
		t.Fatalf("filtered events reached the cache")
	}
}

func TestSynchronizerStatusHookFiresForUncachedTask(t *testing.T) {
	t.Parallel()

	fired := 0
	s := NewSynchronizer(New(), Options{
		OnStatusChange: func(events.TaskStatusUpdate) { fired++ },
	})
	if s.Apply(envelope(t, events.TypeTaskStatus, events.TaskStatusUpdate{TaskID: "ghost", Status: StatusRunning}, t0)) {
		t.Fatalf("ghost status reported a cache change")
	}
	if fired != 1 {
		t.Fatalf("expected hook to fire once, got %d", fired)
	}
	if len(s.Cache().Tasks()) != 0 {
		t.Fatalf("ghost status created a task")
	}
}

func TestSynchronizerStrictOrderingSuppressesHook(t *testing.T) {
	t.Parallel()

	c := New()
	c.PutTask(Task{ID: "t1", Status: StatusQueued})
	fired := 0
	s := NewSynchronizer(c, Options{
		StrictOrdering: true,
		OnStatusChange: func(events.TaskStatusUpdate) { fired++ },
	})
	s.Apply(envelope(t, events.TypeTaskStatus, events.TaskStatusUpdate{TaskID: "t1", Status: StatusRunning}, t0.Add(time.Minute)))
	s.Apply(envelope(t, events.TypeTaskStatus, events.TaskStatusUpdate{TaskID: "t1", Status: StatusQueued}, t0))

	if fired != 1 {
		t.Fatalf("expected hook only for the in-order event, got %d", fired)
	}
	if task, _ := c.GetTask("t1"); task.Status != StatusRunning {
		t.Fatalf("out-of-order event applied: %s", task.Status)
	}
}

func TestSynchronizerIgnoresNonTaskEvents(t *testing.T) {
	t.Parallel()

	s := NewSynchronizer(New(), Options{})
	if s.Apply(events.Envelope{Type: "ci_update"}) {
		t.Fatalf("unknown event changed the cache")
	}
	if s.Apply(envelope(t, events.TypeConnectionStatus, events.ConnectionStatus{Status: "connected"}, t0)) {
		t.Fatalf("connection status changed the cache")
	}
}
