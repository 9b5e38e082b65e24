package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite event log
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets the CLI read while the daemon writes
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Flush forces a WAL checkpoint to write pending changes to the main database file
func (db *DB) Flush() error {
	if db.conn != nil {
		_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
		return err
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	-- Browser process lifecycle
	CREATE TABLE IF NOT EXISTS browser_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT -1,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Bundle installs and prunes
	CREATE TABLE IF NOT EXISTS install_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Daemon lifecycle events
	CREATE TABLE IF NOT EXISTS daemon_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_browser_events_timestamp ON browser_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_browser_events_instance ON browser_events(instance_id);
	CREATE INDEX IF NOT EXISTS idx_install_events_timestamp ON install_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_daemon_events_timestamp ON daemon_events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// execWithRetry retries briefly while the database is locked (3 attempts,
// 5ms apart). Logging is best-effort and must not stall shutdown.
func (db *DB) execWithRetry(what, query string, args ...any) error {
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(query, args...)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to log %s after %d retries: database locked", what, maxRetries)
}

// BrowserEvent represents a browser process lifecycle event
type BrowserEvent struct {
	ID         int64
	InstanceID string
	PID        int
	EventType  string
	Details    string
	Timestamp  time.Time
}

// LogBrowserEvent records a spawn, exit or destroy of a browser instance
func (db *DB) LogBrowserEvent(instanceID string, pid int, eventType, details string) error {
	return db.execWithRetry("browser event",
		`INSERT INTO browser_events (instance_id, pid, event_type, details, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		instanceID, pid, eventType, details, time.Now(),
	)
}

// InstallEvent represents a bundle install or prune
type InstallEvent struct {
	ID        int64
	Version   string
	EventType string
	Details   string
	Timestamp time.Time
}

// LogInstallEvent records an install step outcome for a bundle version
func (db *DB) LogInstallEvent(version, eventType, details string) error {
	return db.execWithRetry("install event",
		`INSERT INTO install_events (version, event_type, details, timestamp)
		 VALUES (?, ?, ?, ?)`,
		version, eventType, details, time.Now(),
	)
}

// DaemonEvent represents a daemon lifecycle event
type DaemonEvent struct {
	ID        int64
	EventType string
	Details   string
	Timestamp time.Time
}

// LogDaemonEvent logs a daemon lifecycle event to the database
func (db *DB) LogDaemonEvent(eventType, details string) error {
	return db.execWithRetry("daemon event",
		`INSERT INTO daemon_events (event_type, details, timestamp)
		 VALUES (?, ?, ?)`,
		eventType, details, time.Now(),
	)
}

// GetRecentBrowserEvents retrieves recent browser events, newest first
func (db *DB) GetRecentBrowserEvents(limit int) ([]BrowserEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, instance_id, pid, event_type, details, timestamp
		 FROM browser_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []BrowserEvent
	for rows.Next() {
		var e BrowserEvent
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.PID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentInstallEvents retrieves recent install events, newest first
func (db *DB) GetRecentInstallEvents(limit int) ([]InstallEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, version, event_type, details, timestamp
		 FROM install_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []InstallEvent
	for rows.Next() {
		var e InstallEvent
		if err := rows.Scan(&e.ID, &e.Version, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentDaemonEvents retrieves recent daemon events, newest first
func (db *DB) GetRecentDaemonEvents(limit int) ([]DaemonEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, details, timestamp
		 FROM daemon_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DaemonEvent
	for rows.Next() {
		var e DaemonEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountBrowserEventsSince counts browser events of eventType newer than since
func (db *DB) CountBrowserEventsSince(eventType string, since time.Time) (int, error) {
	var n int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM browser_events WHERE event_type = ? AND timestamp >= ?`,
		eventType, since,
	).Scan(&n)
	return n, err
}
