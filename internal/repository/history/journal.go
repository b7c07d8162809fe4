package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.

	"github.com/oshokin/microscope/internal/events"
	"github.com/oshokin/microscope/internal/logger"
)

const (
	// DefaultLimit is the number of entries returned when no limit is given.
	DefaultLimit = 50
	// MaxLimit caps a single history query.
	MaxLimit = 200

	busyTimeoutMillis = 5000
	dirPermissions    = 0o750
	connectionTimeout = 5 * time.Second

	// timeLayout is fixed-width so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

var (
	errEmptyPath     = errors.New("journal path is required")
	errEmptyDeviceID = errors.New("device id is required")
	errBadRetention  = errors.New("retention must be positive")
)

const schema = `
CREATE TABLE IF NOT EXISTS device_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	payload    TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_device_events_device ON device_events (device_id, id);
CREATE INDEX IF NOT EXISTS idx_device_events_created ON device_events (created_at);
`

// Entry is one journaled event.
type Entry struct {
	// ID is the journal row id, increasing with insertion order.
	ID int64
	// Event is the stored event.
	Event events.Event
}

// Journal is the SQLite event journal. It implements events.Sink.
type Journal struct {
	// db is the open database.
	db *sql.DB
	// path is the database file.
	path string
}

// Open opens or creates the journal database.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, errEmptyPath
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL", path, busyTimeoutMillis)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	if err = db.PingContext(pingCtx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("verify journal connection: %w", err)
	}

	if _, err = db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	return &Journal{db: db, path: path}, nil
}

// Path returns the database file.
func (j *Journal) Path() string {
	return j.path
}

// Record stores one event.
func (j *Journal) Record(ctx context.Context, e events.Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = j.db.ExecContext(ctx,
		"INSERT INTO device_events (device_id, kind, session_id, payload, created_at) VALUES (?, ?, ?, ?, ?)",
		e.Device,
		string(e.Kind),
		e.Session,
		string(payload),
		e.Time.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return nil
}

// History returns the latest events of a device, newest first.
// The limit defaults to DefaultLimit and is capped at MaxLimit.
func (j *Journal) History(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	if deviceID == "" {
		return nil, errEmptyDeviceID
	}

	if limit <= 0 {
		limit = DefaultLimit
	}

	limit = min(limit, MaxLimit)

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, payload
		 FROM device_events
		 WHERE device_id = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		deviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)

	for rows.Next() {
		var (
			entry   Entry
			payload string
		)

		if err = rows.Scan(&entry.ID, &payload); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}

		if err = json.Unmarshal([]byte(payload), &entry.Event); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", entry.ID, err)
		}

		entries = append(entries, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	return entries, nil
}

// Prune deletes events older than the retention period.
func (j *Journal) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errBadRetention
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)

	result, err := j.db.ExecContext(ctx, "DELETE FROM device_events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}

	return deleted, nil
}

// RunPruner prunes the journal every interval until ctx is done.
func (j *Journal) RunPruner(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := j.Prune(ctx, retention)
			if err != nil {
				logger.Errorf(ctx, "Failed to prune history: %v", err)

				continue
			}

			if deleted > 0 {
				logger.InfoKV(ctx, "Pruned history", "deleted", deleted)
			}
		}
	}
}

// Name implements events.Sink.
func (*Journal) Name() string {
	return "history"
}

// Handle implements events.Sink.
func (j *Journal) Handle(ctx context.Context, e events.Event) error {
	if e.Kind == events.KindFrameProduced {
		return nil
	}

	return j.Record(ctx, e)
}

// Close closes the database.
func (j *Journal) Close(context.Context) error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}

	return nil
}
