// Package realtime owns one event stream connection together with the cache it
// feeds. Callers create a Session, Start it, and Close it on shutdown.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oremus-labs/taskstream/internal/cache"
	"github.com/oremus-labs/taskstream/internal/events"
	"github.com/oremus-labs/taskstream/internal/logutil"
	"github.com/oremus-labs/taskstream/internal/metrics"
	"github.com/oremus-labs/taskstream/internal/store"
	"github.com/oremus-labs/taskstream/internal/wsclient"
)

const (
	resyncTimeout = 30 * time.Second
	relayTimeout  = 5 * time.Second
	relayBuffer   = 256
)

// StreamTypes are the event types relayed and exposed to stream consumers.
var StreamTypes = []string{
	events.TypeTaskStatus,
	events.TypeTaskLog,
	events.TypeThreadMessage,
	events.TypeTaskProgress,
	events.TypeConnectionStatus,
}

// TaskSource is the request/response collaborator used to seed and resync.
type TaskSource interface {
	ListTasks(ctx context.Context) ([]cache.Task, error)
	TaskLogs(ctx context.Context, id string) ([]cache.LogEntry, error)
	TaskThread(ctx context.Context, id string) ([]cache.Message, error)
}

// Publisher mirrors dispatched envelopes elsewhere.
type Publisher interface {
	Publish(ctx context.Context, v interface{}) error
}

// Publishers fans one envelope out to several publishers. Every publisher is
// tried; their errors are joined.
type Publishers []Publisher

// Publish implements Publisher.
func (ps Publishers) Publish(ctx context.Context, v interface{}) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HistoryRecorder stores connection and task lifecycle entries.
type HistoryRecorder interface {
	AppendHistory(entry *store.HistoryEntry) error
}

// Options configure a Session. Only Client.URL is required.
type Options struct {
	Client           wsclient.Config
	Sync             cache.Options
	Source           TaskSource
	Snapshots        store.SnapshotStore
	SnapshotInterval time.Duration
	Relay            Publisher
	History          HistoryRecorder
}

// Session wires a wsclient.Client, its registry and a synchronized cache.
type Session struct {
	opts   Options
	client *wsclient.Client
	cache  *cache.Cache
	sync   *cache.Synchronizer

	mu       sync.Mutex
	started  bool
	dropped  bool
	cleanups []func()
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds an idle session.
func New(opts Options) *Session {
	s := &Session{
		opts:  opts,
		cache: cache.New(),
	}
	s.client = wsclient.New(opts.Client)

	syncOpts := opts.Sync
	if opts.History != nil {
		userHook := syncOpts.OnStatusChange
		syncOpts.OnStatusChange = func(ev events.TaskStatusUpdate) {
			if (cache.Task{Status: ev.Status}).IsTerminal() {
				s.record("task_terminal", ev.TaskID, map[string]interface{}{"status": ev.Status})
			}
			if userHook != nil {
				userHook(ev)
			}
		}
	}
	s.sync = cache.NewSynchronizer(s.cache, syncOpts)
	return s
}

// Client returns the underlying connection.
func (s *Session) Client() *wsclient.Client { return s.client }

// Cache returns the synchronized cache.
func (s *Session) Cache() *cache.Cache { return s.cache }

// State returns the connection state.
func (s *Session) State() wsclient.State { return s.client.State() }

// Send writes v on the connection.
func (s *Session) Send(v interface{}) error { return s.client.Send(v) }

// Subscribe registers h for eventType on the session's registry.
func (s *Session) Subscribe(eventType string, h events.Handler) func() {
	return s.client.Subscribe(eventType, h)
}

// Events delivers every envelope of StreamTypes until ctx is done or the
// returned func is called. Slow consumers lose envelopes.
func (s *Session) Events(ctx context.Context, buffer int) (<-chan events.Envelope, func()) {
	return s.client.Registry().Channel(ctx, buffer, StreamTypes...)
}

// Start restores the last snapshot, seeds the cache, attaches reducers and
// connects. A failed initial connect is returned, and retried only with
// Client.RetryInitialConnect; Close must still be called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	s.stop = make(chan struct{})
	s.mu.Unlock()

	s.restore(ctx)
	if s.opts.Source != nil {
		if err := s.Resync(ctx); err != nil {
			logutil.Warn("session_seed_failed", map[string]interface{}{"error": err.Error()})
		}
	}

	s.addCleanup(s.sync.Attach(s.client))
	s.addCleanup(s.client.OnStateChange(s.onState))
	s.addCleanup(s.client.OnError(s.onError))
	if s.opts.Relay != nil {
		relayCtx, cancel := context.WithCancel(context.Background())
		ch, stopRelay := s.client.Registry().Channel(relayCtx, relayBuffer, StreamTypes...)
		s.addCleanup(stopRelay)
		s.addCleanup(cancel)
		s.wg.Add(1)
		go s.relayLoop(relayCtx, ch)
	}
	if s.opts.Snapshots != nil && s.opts.SnapshotInterval > 0 {
		s.wg.Add(1)
		go s.snapshotLoop(s.opts.SnapshotInterval)
	}

	return s.client.Connect(ctx)
}

// Close disconnects, detaches reducers and writes a final snapshot.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cleanups := s.cleanups
	s.cleanups = nil
	close(s.stop)
	s.mu.Unlock()

	s.client.Disconnect()
	for _, fn := range cleanups {
		fn()
	}
	s.wg.Wait()

	if s.opts.Snapshots == nil {
		return nil
	}
	err := s.SaveSnapshot(ctx)
	if cerr := s.opts.Snapshots.Close(); err == nil {
		err = cerr
	}
	return err
}

// Resync reloads the task set from the source. With a task filter the
// filtered task's log stream and thread are reloaded too.
func (s *Session) Resync(ctx context.Context) error {
	if s.opts.Source == nil {
		return nil
	}
	tasks, err := s.opts.Source.ListTasks(ctx)
	if err != nil {
		return err
	}
	s.cache.ReplaceTasks(tasks)

	if id := s.opts.Sync.TaskID; id != "" {
		logs, err := s.opts.Source.TaskLogs(ctx, id)
		if err != nil {
			return err
		}
		s.cache.SetLogStream(id, logs)
		thread, err := s.opts.Source.TaskThread(ctx, id)
		if err != nil {
			return err
		}
		s.cache.SetMessageThread(id, thread)
	}
	logutil.Info("session_resynced", map[string]interface{}{"tasks": len(tasks)})
	return nil
}

// SaveSnapshot writes the cache to the snapshot store.
func (s *Session) SaveSnapshot(ctx context.Context) error {
	if s.opts.Snapshots == nil {
		return nil
	}
	start := time.Now()
	err := s.opts.Snapshots.SaveSnapshot(ctx, s.cache.Snapshot())
	metrics.ObserveSnapshot("save", time.Since(start), err)
	if err != nil {
		logutil.Error("snapshot_save_failed", err, nil)
	}
	return err
}

func (s *Session) restore(ctx context.Context) {
	if s.opts.Snapshots == nil {
		return
	}
	start := time.Now()
	snap, ok, err := s.opts.Snapshots.LoadSnapshot(ctx)
	metrics.ObserveSnapshot("load", time.Since(start), err)
	if err != nil {
		logutil.Error("snapshot_load_failed", err, nil)
		return
	}
	if ok {
		s.cache.Restore(snap)
		logutil.Info("snapshot_restored", map[string]interface{}{
			"tasks":   len(snap.Tasks),
			"takenAt": snap.TakenAt.Format(time.RFC3339),
		})
	}
}

func (s *Session) snapshotLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastVersion uint64
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			v := s.cache.Version()
			if v == lastVersion {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := s.SaveSnapshot(ctx); err == nil {
				lastVersion = v
			}
			cancel()
		}
	}
}

func (s *Session) onState(st wsclient.State) {
	switch st.Phase {
	case wsclient.PhaseReconnecting:
		s.mu.Lock()
		first := !s.dropped
		s.dropped = true
		s.mu.Unlock()
		if first {
			s.record("ws_connection_lost", "", nil)
		}
	case wsclient.PhaseConnected:
		s.mu.Lock()
		resync := s.dropped && s.started && s.opts.Source != nil
		s.dropped = false
		if resync {
			s.wg.Add(1)
		}
		s.mu.Unlock()
		s.record("ws_connected", "", nil)
		if resync {
			go func() {
				defer s.wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
				defer cancel()
				if err := s.Resync(ctx); err != nil {
					logutil.Warn("session_resync_failed", map[string]interface{}{"error": err.Error()})
				}
			}()
		}
	}
}

func (s *Session) onError(err error) {
	if errors.Is(err, wsclient.ErrReconnectExhausted) {
		s.record("ws_reconnect_exhausted", "", nil)
	}
}

// relayLoop publishes off the read loop. The registry channel drops envelopes
// while a publisher is stalled.
func (s *Session) relayLoop(ctx context.Context, ch <-chan events.Envelope) {
	defer s.wg.Done()
	for env := range ch {
		s.relay(ctx, env)
	}
}

func (s *Session) relay(parent context.Context, env events.Envelope) {
	ctx, cancel := context.WithTimeout(parent, relayTimeout)
	defer cancel()
	if err := s.opts.Relay.Publish(ctx, env); err != nil {
		logutil.Warn("event_relay_failed", map[string]interface{}{
			"eventType": env.Type,
			"error":     err.Error(),
		})
	}
}

func (s *Session) record(event, taskID string, metadata map[string]interface{}) {
	if s.opts.History == nil {
		return
	}
	if err := s.opts.History.AppendHistory(&store.HistoryEntry{Event: event, TaskID: taskID, Metadata: metadata}); err != nil {
		logutil.Warn("history_append_failed", map[string]interface{}{"event": event, "error": err.Error()})
	}
}

func (s *Session) addCleanup(fn func()) {
	s.mu.Lock()
	s.cleanups = append(s.cleanups, fn)
	s.mu.Unlock()
}
