package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oremus-labs/taskstream/internal/cache"
	_ "modernc.org/sqlite"
)

// SnapshotStore persists cache snapshots between process runs.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap cache.Snapshot) error
	// LoadSnapshot returns false when nothing has been saved yet.
	LoadSnapshot(ctx context.Context) (cache.Snapshot, bool, error)
	Close() error
}

// HistoryEntry records a connection or task lifecycle event.
type HistoryEntry struct {
	ID        string                 `json:"id"`
	Event     string                 `json:"event"`
	TaskID    string                 `json:"taskId,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Store wraps the SQLite database used for persistence.
type Store struct {
	db *sql.DB
}

// Open initializes the datastore using the supplied DSN/file path and driver.
func Open(dsn string, driver string) (*Store, error) {
	if driver == "" {
		driver = "sqlite"
	}
	if driver != "sqlite" {
		return nil, fmt.Errorf("unsupported datastore driver: %s", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("datastore DSN is required")
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create datastore directory: %w", err)
	}
	conn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", dsn)
	db, err := sql.Open("sqlite", conn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite datastore: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			body TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE TABLE IF NOT EXISTS task_logs (
			task_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			line TEXT NOT NULL,
			level TEXT,
			ts TIMESTAMP,
			PRIMARY KEY (task_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			task_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			ts TIMESTAMP,
			PRIMARY KEY (task_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshot_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			taken_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event TEXT NOT NULL,
			task_id TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema apply failed: %w", err)
		}
	}
	return nil
}

// Close shuts down the datastore.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSnapshot replaces the stored snapshot in a single transaction.
func (s *Store) SaveSnapshot(ctx context.Context, snap cache.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"tasks", "task_logs", "messages", "snapshot_meta"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for _, task := range snap.Tasks {
		body, err := json.Marshal(task)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO tasks (id, status, body, updated_at) VALUES (?, ?, ?, ?)`,
			task.ID, task.Status, string(body), task.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert task %s: %w", task.ID, err)
		}
	}
	for taskID, entries := range snap.Logs {
		for i, e := range entries {
			if _, err := tx.ExecContext(ctx, `INSERT INTO task_logs (task_id, seq, line, level, ts) VALUES (?, ?, ?, ?, ?)`,
				taskID, i, e.Line, e.Level, e.Timestamp,
			); err != nil {
				return fmt.Errorf("insert log for %s: %w", taskID, err)
			}
		}
	}
	for taskID, msgs := range snap.Threads {
		for i, m := range msgs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO messages (task_id, seq, id, role, content, ts) VALUES (?, ?, ?, ?, ?, ?)`,
				taskID, i, m.ID, m.Role, m.Content, m.Timestamp,
			); err != nil {
				return fmt.Errorf("insert message for %s: %w", taskID, err)
			}
		}
	}
	takenAt := snap.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO snapshot_meta (id, taken_at) VALUES (1, ?)`, takenAt); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadSnapshot reads the stored snapshot.
func (s *Store) LoadSnapshot(ctx context.Context) (cache.Snapshot, bool, error) {
	var snap cache.Snapshot
	err := s.db.QueryRowContext(ctx, `SELECT taken_at FROM snapshot_meta WHERE id = 1`).Scan(&snap.TakenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Snapshot{}, false, nil
	}
	if err != nil {
		return cache.Snapshot{}, false, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT body FROM tasks ORDER BY id`)
	if err != nil {
		return cache.Snapshot{}, false, err
	}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			rows.Close()
			return cache.Snapshot{}, false, err
		}
		var task cache.Task
		if err := json.Unmarshal([]byte(body), &task); err != nil {
			rows.Close()
			return cache.Snapshot{}, false, fmt.Errorf("decode task: %w", err)
		}
		snap.Tasks = append(snap.Tasks, task)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return cache.Snapshot{}, false, err
	}

	snap.Logs = map[string][]cache.LogEntry{}
	rows, err = s.db.QueryContext(ctx, `SELECT task_id, line, level, ts FROM task_logs ORDER BY task_id, seq`)
	if err != nil {
		return cache.Snapshot{}, false, err
	}
	for rows.Next() {
		var (
			taskID string
			e      cache.LogEntry
			level  sql.NullString
			ts     sql.NullTime
		)
		if err := rows.Scan(&taskID, &e.Line, &level, &ts); err != nil {
			rows.Close()
			return cache.Snapshot{}, false, err
		}
		e.Level = level.String
		e.Timestamp = ts.Time
		snap.Logs[taskID] = append(snap.Logs[taskID], e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return cache.Snapshot{}, false, err
	}

	snap.Threads = map[string][]cache.Message{}
	rows, err = s.db.QueryContext(ctx, `SELECT task_id, id, role, content, ts FROM messages ORDER BY task_id, seq`)
	if err != nil {
		return cache.Snapshot{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m  cache.Message
			ts sql.NullTime
		)
		if err := rows.Scan(&m.TaskID, &m.ID, &m.Role, &m.Content, &ts); err != nil {
			return cache.Snapshot{}, false, err
		}
		m.Timestamp = ts.Time
		snap.Threads[m.TaskID] = append(snap.Threads[m.TaskID], m)
	}
	return snap, true, rows.Err()
}

// AppendHistory writes an entry to the history log.
func (s *Store) AppendHistory(entry *HistoryEntry) error {
	entry.CreatedAt = time.Now().UTC()
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`INSERT INTO history (event, task_id, metadata, created_at) VALUES (?, ?, ?, ?)`,
		entry.Event, entry.TaskID, string(metadata), entry.CreatedAt,
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = fmt.Sprintf("%d", id)
	}
	return nil
}

// ListHistory returns the newest history entries.
func (s *Store) ListHistory(limit int) ([]HistoryEntry, error) {
	query := `SELECT id, event, task_id, metadata, created_at FROM history ORDER BY id DESC`
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []HistoryEntry
	for rows.Next() {
		var (
			e        HistoryEntry
			id       int64
			taskID   sql.NullString
			metadata sql.NullString
		)
		if err := rows.Scan(&id, &e.Event, &taskID, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ID = fmt.Sprintf("%d", id)
		e.TaskID = taskID.String
		if metadata.Valid {
			_ = json.Unmarshal([]byte(metadata.String), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
