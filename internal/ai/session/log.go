package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
)

// Log is the append-only durable history of sessions.
type Log interface {
	Append(ctx context.Context, sessionID string, key Key, turn Turn) error
	History(ctx context.Context, sessionID string) ([]Turn, error)
}

// Summary describes one persisted session.
type Summary struct {
	ID        string
	Key       Key
	Turns     int
	StartedAt time.Time
	LastAt    time.Time
}

// SQLiteLog stores turns in the session_turns table.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog wraps a database opened by storage.Open.
func NewSQLiteLog(db *sql.DB) *SQLiteLog {
	return &SQLiteLog{db: db}
}

// Append inserts one turn.
func (l *SQLiteLog) Append(ctx context.Context, sessionID string, key Key, turn Turn) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO session_turns (session_id, chat_id, server, role, text, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, key.ChatID, key.Server, string(turn.Role), turn.Text, turn.At.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append session turn: %w", err)
	}
	return nil
}

// History returns the turns of a session in insertion order.
func (l *SQLiteLog) History(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT role, text, at FROM session_turns WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			role, text string
			at         int64
		)
		if err := rows.Scan(&role, &text, &at); err != nil {
			return nil, fmt.Errorf("failed to scan session turn: %w", err)
		}
		turns = append(turns, Turn{Role: Role(role), Text: text, At: time.Unix(0, at)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, sentinelerrors.ErrNotFound)
	}
	return turns, nil
}

// Lookup returns the summary of one session.
func (l *SQLiteLog) Lookup(ctx context.Context, sessionID string) (Summary, error) {
	var (
		s           Summary
		first, last int64
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT session_id, chat_id, server, COUNT(*), MIN(at), MAX(at)
		FROM session_turns WHERE session_id = ? GROUP BY session_id`, sessionID).
		Scan(&s.ID, &s.Key.ChatID, &s.Key.Server, &s.Turns, &first, &last)
	if err == sql.ErrNoRows {
		return Summary{}, fmt.Errorf("session %s: %w", sessionID, sentinelerrors.ErrNotFound)
	}
	if err != nil {
		return Summary{}, fmt.Errorf("failed to look up session: %w", err)
	}
	s.StartedAt = time.Unix(0, first)
	s.LastAt = time.Unix(0, last)
	return s, nil
}

// Sessions lists the sessions of a chat, newest first. An empty chatID lists all.
func (l *SQLiteLog) Sessions(ctx context.Context, chatID string, limit int) ([]Summary, error) {
	query := `SELECT session_id, chat_id, server, COUNT(*), MIN(at), MAX(at) FROM session_turns`
	args := []interface{}{}
	if chatID != "" {
		query += " WHERE chat_id = ?"
		args = append(args, chatID)
	}
	query += " GROUP BY session_id ORDER BY MAX(at) DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			s           Summary
			first, last int64
		)
		if err := rows.Scan(&s.ID, &s.Key.ChatID, &s.Key.Server, &s.Turns, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.StartedAt = time.Unix(0, first)
		s.LastAt = time.Unix(0, last)
		out = append(out, s)
	}
	return out, rows.Err()
}
