package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Journal configuration constants.
const (
	// dirPermissions is the permission mode for the journal directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the journal file.
	filePermissions = 0600

	// msPerSecond converts seconds to milliseconds.
	msPerSecond = 1000

	// connectionTimeout is the timeout for verifying journal connectivity.
	connectionTimeout = 5 * time.Second

	// connMaxIdleTime is how long idle connections are kept open.
	connMaxIdleTime = 30 * time.Minute

	// DefaultRecentLimit is used by Recent when the caller passes a
	// non-positive limit.
	DefaultRecentLimit = 50
)

// Event kinds recorded by the daemon.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventFallback     = "fallback"
	EventError        = "error"
)

// Entry is a single journalled uplink event.
type Entry struct {
	// ID is the auto-incrementing row identifier.
	ID int64

	// At is the UTC timestamp the event was recorded.
	At time.Time

	// Event is the event kind (see the Event* constants).
	Event string

	// Broker is the canonical broker URI at the time of the event.
	Broker string

	// Detail carries optional free text, typically an error message.
	Detail string
}

// Config contains journal configuration options.
// These map to the journal section of config.yaml.
type Config struct {
	// Path is the filesystem path to the SQLite journal file.
	// The directory will be created if it doesn't exist.
	Path string

	// WALMode enables Write-Ahead Logging for better concurrent access.
	// Recommended: true (allows concurrent reads during writes).
	WALMode bool

	// BusyTimeout is the maximum time to wait for a database lock (seconds).
	// Prevents "database is locked" errors under contention.
	BusyTimeout int
}

// Journal records uplink session events in a local SQLite database.
// It keeps a queryable history of connects, disconnects, and fallbacks
// for post-mortem of flaky uplinks without any external infrastructure.
type Journal struct {
	db   *sql.DB
	path string
}

// Open creates a new journal with the specified configuration.
//
// It performs the following setup:
//  1. Creates the journal directory if it doesn't exist
//  2. Opens the database file (creates if not present)
//  3. Configures WAL mode and busy timeout
//  4. Sets appropriate file permissions (0600)
//  5. Verifies the connection and bootstraps the schema
//
// Parameters:
//   - cfg: Journal configuration
//
// Returns:
//   - *Journal: Connected journal ready for use
//   - error: If connection or bootstrap fails
func Open(cfg Config) (*Journal, error) {
	// Ensure directory exists
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	// Build connection string with pragmas
	// See: https://github.com/mattn/go-sqlite3#connection-string
	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
		cfg.Path,
		cfg.BusyTimeout*msPerSecond,
	)

	// Add WAL mode if enabled
	if cfg.WALMode {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	// Open database
	sqlDB, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	// Configure connection pool
	// SQLite works best with a single writer, but multiple readers
	sqlDB.SetMaxOpenConns(1)            // SQLite only supports one writer
	sqlDB.SetMaxIdleConns(1)            // Keep one connection ready
	sqlDB.SetConnMaxLifetime(time.Hour) // Refresh connections hourly
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	j := &Journal{
		db:   sqlDB,
		path: cfg.Path,
	}

	// Verify connection and bootstrap schema
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying journal connection: %w", err)
	}

	if err := j.bootstrap(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}

	// Set file permissions (owner read/write only)
	// Ignore error - file might not exist yet on first run, will be set after first write
	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // Intentional: first run creates file later

	return j, nil
}

// bootstrap creates the session_events table if it doesn't exist.
// The schema is a single append-only table, so an idempotent CREATE
// covers every upgrade path without a migration framework.
func (j *Journal) bootstrap(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			event TEXT NOT NULL,
			broker TEXT NOT NULL,
			detail TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating session_events table: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_session_events_at ON session_events(at)
	`)
	if err != nil {
		return fmt.Errorf("creating session_events index: %w", err)
	}

	return nil
}

// Record appends a single event to the journal.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - event: Event kind (see the Event* constants)
//   - broker: Canonical broker URI at the time of the event
//   - detail: Optional free text, typically an error message
//
// Returns:
//   - error: If the insert fails
func (j *Journal) Record(ctx context.Context, event, broker, detail string) error {
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO session_events (at, event, broker, detail) VALUES (?, ?, ?, ?)",
		time.Now().UTC().Format(time.RFC3339),
		event,
		broker,
		detail,
	)
	if err != nil {
		return fmt.Errorf("recording journal event: %w", err)
	}
	return nil
}

// Recent returns the newest journal entries, newest first.
// A non-positive limit falls back to DefaultRecentLimit.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - limit: Maximum number of entries to return
//
// Returns:
//   - []Entry: Journal entries, newest first
//   - error: If the query fails
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	rows, err := j.db.QueryContext(ctx,
		"SELECT id, at, event, broker, detail FROM session_events ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &at, &e.Event, &e.Broker, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning journal row: %w", err)
		}
		// Parse timestamp - ignore error as format is controlled by us
		e.At, _ = time.Parse(time.RFC3339, at) //nolint:errcheck // Format is controlled
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal rows: %w", err)
	}
	return entries, nil
}

// Prune deletes all but the newest keep entries.
// It bounds journal growth on long-running gateways.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - keep: Number of newest entries to retain
//
// Returns:
//   - int64: Number of entries deleted
//   - error: If the delete fails
func (j *Journal) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	result, err := j.db.ExecContext(ctx, `
		DELETE FROM session_events
		WHERE id NOT IN (
			SELECT id FROM session_events ORDER BY id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning journal: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading pruned row count: %w", err)
	}
	return deleted, nil
}

// HealthCheck verifies the journal is accessible and functioning.
// It performs a simple query to ensure the connection is alive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (j *Journal) HealthCheck(ctx context.Context) error {
	var result int
	err := j.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("journal health check failed: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the journal file.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the journal gracefully.
// It should be called when the application shuts down.
//
// Returns:
//   - error: If closing fails
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("closing journal: %w", err)
	}
	return nil
}
