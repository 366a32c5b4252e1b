package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/procwarden/internal/model"
)

// sqliteSchema creates the events table. The triggers reject any UPDATE or
// DELETE, so history cannot be rewritten through SQL either.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	ts               TEXT NOT NULL,
	pid              INTEGER NOT NULL,
	name             TEXT NOT NULL,
	path             TEXT NOT NULL,
	alert_type       TEXT NOT NULL,
	integrity_status TEXT NOT NULL,
	decision         TEXT NOT NULL,
	action           TEXT NOT NULL,
	detail           TEXT NOT NULL DEFAULT ''
);
CREATE TRIGGER IF NOT EXISTS events_no_update BEFORE UPDATE ON events
BEGIN SELECT RAISE(ABORT, 'events are append-only'); END;
CREATE TRIGGER IF NOT EXISTS events_no_delete BEFORE DELETE ON events
BEGIN SELECT RAISE(ABORT, 'events are append-only'); END;
`

// SQLiteLog stores events in a SQLite database.
type SQLiteLog struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: apply schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

// Append inserts one row.
func (l *SQLiteLog) Append(e model.ThreatEvent) error {
	_, err := l.db.Exec(
		`INSERT INTO events (id, ts, pid, name, path, alert_type, integrity_status, decision, action, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.PID, e.Name, e.Path,
		string(e.AlertType), string(e.Integrity), string(e.Decision), string(e.Action), e.Detail,
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Events returns every stored event in insertion order.
func (l *SQLiteLog) Events() ([]model.ThreatEvent, error) {
	rows, err := l.db.Query(`SELECT id, ts, pid, name, path, alert_type, integrity_status, decision, action, detail
		FROM events ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var out []model.ThreatEvent
	for rows.Next() {
		var (
			e                                  model.ThreatEvent
			alert, integrity, decision, action string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.PID, &e.Name, &e.Path, &alert, &integrity, &decision, &action, &e.Detail); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		e.AlertType = model.AlertType(alert)
		e.Integrity = model.ProvenanceStatus(integrity)
		e.Decision = model.Decision(decision)
		e.Action = model.Action(action)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
