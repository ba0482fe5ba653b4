package cli

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oremus-labs/taskstream/internal/events"
)

func TestWatcherStopsOnTerminalStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := &watcher{out: &buf, taskID: "t1", exitOnTerminal: true}

	if !w.handle(events.Envelope{Type: events.TypeTaskStatus, Event: events.TaskStatusUpdate{TaskID: "t2", Status: "success"}}) {
		t.Fatalf("other tasks must not stop the watch")
	}
	if buf.Len() != 0 {
		t.Fatalf("expected other task to be filtered, got %q", buf.String())
	}
	if !w.handle(events.Envelope{Type: events.TypeTaskStatus, Event: events.TaskStatusUpdate{TaskID: "t1", Status: "running"}}) {
		t.Fatalf("running must not stop the watch")
	}
	if w.handle(events.Envelope{Type: events.TypeTaskStatus, Event: events.TaskStatusUpdate{TaskID: "t1", Status: "failed"}}) {
		t.Fatalf("expected terminal status to stop the watch")
	}
	if got := strings.Count(buf.String(), "\n"); got != 2 {
		t.Fatalf("expected two printed lines, got %q", buf.String())
	}
}

func TestStreamEventsParsesSSE(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "nope", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event:keepalive\ndata:{\"phase\":\"connected\"}\n\n")
		fmt.Fprint(w, "event:task_log\ndata:{\"type\":\"task_log\",\"payload\":{\"taskId\":\"t1\",\"logLine\":\"hi\"}}\n\n")
		fmt.Fprint(w, "event:task_status_update\ndata:{\"type\":\"task_status_update\",\"payload\":{\"taskId\":\"t1\",\"status\":\"success\"}}\n\n")
		fmt.Fprint(w, "event:task_log\ndata:{\"type\":\"task_log\",\"payload\":{\"taskId\":\"t1\",\"logLine\":\"after\"}}\n\n")
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var buf bytes.Buffer
	w := &watcher{out: &buf, taskID: "t1", exitOnTerminal: true}
	client := &Client{BaseURL: srv.URL, Token: "tok"}
	if err := w.viaServer(ctx, client); err != nil {
		t.Fatalf("viaServer: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "[info] hi") || !strings.Contains(out, "status   success") {
		t.Fatalf("unexpected watch output %q", out)
	}
	if strings.Contains(out, "after") {
		t.Fatalf("expected watch to stop at terminal status, got %q", out)
	}
}
