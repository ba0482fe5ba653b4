package cache

import (
	"testing"
	"time"

	"github.com/oremus-labs/taskstream/internal/events"
)

func TestCacheGhostStatusCreatesNothing(t *testing.T) {
	t.Parallel()

	c := New()
	before := c.Version()
	if got := c.ApplyStatus(events.TaskStatusUpdate{TaskID: "ghost", Status: StatusRunning}, t0, false); got != Missing {
		t.Fatalf("expected Missing, got %s", got)
	}
	if _, ok := c.GetTask("ghost"); ok {
		t.Fatalf("status event created a task")
	}
	if len(c.Tasks()) != 0 || c.Version() != before {
		t.Fatalf("cache changed after ghost status")
	}
}

func TestCacheEmptyDefaults(t *testing.T) {
	t.Parallel()

	c := New()
	if logs := c.GetLogStream("nope"); logs == nil || len(logs) != 0 {
		t.Fatalf("expected empty non-nil log stream, got %#v", logs)
	}
	if thread := c.GetMessageThread("nope"); thread == nil || len(thread) != 0 {
		t.Fatalf("expected empty non-nil thread, got %#v", thread)
	}
}

func TestCacheReadsAreCopies(t *testing.T) {
	t.Parallel()

	c := New()
	c.PutTask(Task{ID: "t1", Status: StatusQueued})
	c.ApplyLog(events.TaskLog{TaskID: "t1", LogLine: "one"}, t0)

	task, _ := c.GetTask("t1")
	task.Status = StatusError
	logs := c.GetLogStream("t1")
	logs[0].Line = "mutated"

	if got, _ := c.GetTask("t1"); got.Status != StatusQueued {
		t.Fatalf("task mutated through read copy")
	}
	if got := c.GetLogStream("t1"); got[0].Line != "one" {
		t.Fatalf("log stream mutated through read copy")
	}
}

func TestCacheStrictOrderingRejectsOlderEvents(t *testing.T) {
	t.Parallel()

	c := New()
	c.PutTask(Task{ID: "t1", Status: StatusQueued})
	if got := c.ApplyStatus(events.TaskStatusUpdate{TaskID: "t1", Status: StatusRunning}, t0, true); got != Applied {
		t.Fatalf("expected Applied, got %s", got)
	}
	if got := c.ApplyStatus(events.TaskStatusUpdate{TaskID: "t1", Status: StatusQueued}, t0.Add(-time.Second), true); got != Stale {
		t.Fatalf("expected Stale, got %s", got)
	}
	if task, _ := c.GetTask("t1"); task.Status != StatusRunning {
		t.Fatalf("stale event applied: %s", task.Status)
	}
	if got := c.ApplyStatus(events.TaskStatusUpdate{TaskID: "t1", Status: StatusSuccess}, t0.Add(-time.Second), false); got != Applied {
		t.Fatalf("expected lenient ordering to apply, got %s", got)
	}
}

func TestCacheTasksSortedNewestFirst(t *testing.T) {
	t.Parallel()

	c := New()
	c.ReplaceTasks([]Task{
		{ID: "old", UpdatedAt: t0},
		{ID: "new", UpdatedAt: t0.Add(time.Hour)},
		{ID: "mid", UpdatedAt: t0.Add(time.Minute)},
	})
	got := c.Tasks()
	want := []string{"new", "mid", "old"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s got %s", i, id, got[i].ID)
		}
	}
}

func TestCacheReplaceTasksKeepsLastEventAt(t *testing.T) {
	t.Parallel()

	c := New()
	c.PutTask(Task{ID: "t1", Status: StatusQueued})
	c.ApplyStatus(events.TaskStatusUpdate{TaskID: "t1", Status: StatusRunning}, t0, false)
	c.ReplaceTasks([]Task{{ID: "t1", Status: StatusRunning}, {ID: "t2"}})

	task, ok := c.GetTask("t1")
	if !ok || !task.LastEventAt.Equal(t0) {
		t.Fatalf("expected lastEventAt preserved across resync, got %#v", task)
	}
	if _, ok := c.GetTask("t2"); !ok {
		t.Fatalf("expected t2 inserted")
	}
}

func TestCacheSnapshotRestore(t *testing.T) {
	t.Parallel()

	src := New()
	src.PutTask(Task{ID: "t1", Status: StatusRunning})
	src.ApplyLog(events.TaskLog{TaskID: "t1", LogLine: "hello"}, t0)
	src.ApplyMessage(events.ThreadMessage{TaskID: "t1", MessageID: "m1", Role: "user", Content: "hi"}, t0)

	snap := src.Snapshot()
	dst := New()
	dst.Restore(snap)

	if task, ok := dst.GetTask("t1"); !ok || task.Status != StatusRunning {
		t.Fatalf("task not restored: %#v", task)
	}
	if logs := dst.GetLogStream("t1"); len(logs) != 1 || logs[0].Line != "hello" {
		t.Fatalf("logs not restored: %#v", logs)
	}
	if thread := dst.GetMessageThread("t1"); len(thread) != 1 || thread[0].ID != "m1" {
		t.Fatalf("thread not restored: %#v", thread)
	}

	src.ApplyLog(events.TaskLog{TaskID: "t1", LogLine: "later"}, t0)
	if len(dst.GetLogStream("t1")) != 1 {
		t.Fatalf("restored cache shares state with its source")
	}
}
