// Package audit keeps a SQLite log of every tool policy decision: what the
// model asked for, which rule matched and whether the call ran.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS tool_decisions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	at          DATETIME NOT NULL,
	session_key TEXT NOT NULL,
	tool        TEXT NOT NULL,
	class       TEXT NOT NULL,
	rule        TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	truncated   INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tool_decisions_session ON tool_decisions(session_key, at);
`

// Config controls the decision log.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Entry is one recorded decision.
type Entry struct {
	At         time.Time
	SessionKey string
	Tool       string
	Class      string
	Rule       string
	Reason     string
	Outcome    string
	Truncated  bool
	Duration   time.Duration
}

// Log is the SQLite-backed decision log.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the log database and applies the schema.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = "./data/audit.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}

	l := &Log{db: db, logger: logger.With("component", "audit")}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) migrate() error {
	if _, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := l.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := l.db.Exec("INSERT OR IGNORE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

// Record stores one decision. Failures are logged and returned; the caller
// decides whether an unaudited call may proceed.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if l == nil {
		return nil
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `INSERT INTO tool_decisions
		(at, session_key, tool, class, rule, reason, outcome, truncated, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.At.UTC(), e.SessionKey, e.Tool, e.Class, e.Rule, e.Reason, e.Outcome, e.Truncated, e.Duration.Milliseconds())
	if err != nil {
		l.logger.Warn("failed to record tool decision", "tool", e.Tool, "error", err)
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// Recent returns the newest entries, optionally for one session.
func (l *Log) Recent(ctx context.Context, sessionKey string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT at, session_key, tool, class, rule, reason, outcome, truncated, duration_ms
		FROM tool_decisions`
	args := []any{}
	if sessionKey != "" {
		query += " WHERE session_key = ?"
		args = append(args, sessionKey)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.At, &e.SessionKey, &e.Tool, &e.Class, &e.Rule, &e.Reason, &e.Outcome, &e.Truncated, &ms); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping checks database connectivity for readiness reporting.
func (l *Log) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}
