// Package storage opens the sqlite database shared by the server inventory,
// the session log and the audit log.
package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// schema is applied on every open; all statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS servers (
	alias TEXT PRIMARY KEY,
	host TEXT NOT NULL,
	user TEXT NOT NULL,
	port INTEGER NOT NULL DEFAULT 22,
	key_path TEXT NOT NULL DEFAULT '',
	password TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_turns (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	chat_id TEXT NOT NULL,
	server TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	text TEXT NOT NULL,
	at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_turns_session ON session_turns(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_session_turns_chat ON session_turns(chat_id);

CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	chat_id TEXT NOT NULL DEFAULT '',
	user TEXT NOT NULL DEFAULT '',
	server TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL DEFAULT '',
	command_id TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL,
	details TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_events(event_type);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
`

// Open opens (creating if needed) the sqlite database at path and applies the schema.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN so every pool connection is configured
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debug().Str("path", path).Int("schema_version", schemaVersion).Msg("Database opened")
	return db, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	_, err := db.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`,
		schemaVersion, time.Now().Unix())
	return err
}
