package audit

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SQLiteLoggerConfig configures the SQLite audit logger.
type SQLiteLoggerConfig struct {
	DB            *sql.DB // Shared database opened by storage.Open
	RetentionDays int     // Days to keep events (default: 90, negative = forever)
}

// SQLiteLogger implements Logger with persistent SQLite storage.
type SQLiteLogger struct {
	mu            sync.RWMutex
	db            *sql.DB
	retentionDays int
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewSQLiteLogger creates a new SQLite-backed audit logger.
func NewSQLiteLogger(cfg SQLiteLoggerConfig) (*SQLiteLogger, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}

	retentionDays := cfg.RetentionDays
	if retentionDays == 0 {
		retentionDays = 90 // Default
	}

	l := &SQLiteLogger{
		db:            cfg.DB,
		retentionDays: retentionDays,
		stopChan:      make(chan struct{}),
	}

	if retentionDays > 0 {
		l.wg.Add(1)
		go l.retentionWorker()
	}

	log.Debug().Int("retentionDays", retentionDays).Msg("SQLite audit logger initialized")
	return l, nil
}

// Log records an audit event.
func (l *SQLiteLogger) Log(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	success := 0
	if event.Success {
		success = 1
	}

	_, err := l.db.Exec(`
		INSERT INTO audit_events (id, timestamp, event_type, chat_id, user, server, command, command_id, success, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Timestamp.UnixNano(),
		event.EventType,
		event.ChatID,
		event.User,
		event.Server,
		event.Command,
		event.CommandID,
		success,
		event.Details,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	// Also log to zerolog for real-time visibility
	logEvent(event)
	return nil
}

// Query retrieves audit events matching the filter.
func (l *SQLiteLogger) Query(filter QueryFilter) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	query := "SELECT id, timestamp, event_type, chat_id, user, server, command, command_id, success, details FROM audit_events WHERE 1=1"
	args := []interface{}{}

	if filter.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime.UnixNano())
	}
	if filter.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime.UnixNano())
	}
	if filter.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, filter.EventType)
	}
	if filter.ChatID != "" {
		query += " AND chat_id = ?"
		args = append(args, filter.ChatID)
	}
	if filter.Server != "" {
		query += " AND server = ?"
		args = append(args, filter.Server)
	}

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			ts      int64
			success int
		)
		if err := rows.Scan(&e.ID, &ts, &e.EventType, &e.ChatID, &e.User, &e.Server, &e.Command, &e.CommandID, &success, &e.Details); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		e.Success = success == 1
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close stops the retention worker. The shared database stays open.
func (l *SQLiteLogger) Close() error {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.wg.Wait()
	return nil
}

func (l *SQLiteLogger) retentionWorker() {
	defer l.wg.Done()

	// Run cleanup immediately on start
	l.cleanupOldEvents()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupOldEvents()
		case <-l.stopChan:
			return
		}
	}
}

func (l *SQLiteLogger) cleanupOldEvents() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -l.retentionDays).UnixNano()
	result, err := l.db.Exec("DELETE FROM audit_events WHERE timestamp < ?", cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old audit events")
		return
	}
	if deleted, _ := result.RowsAffected(); deleted > 0 {
		log.Info().Int64("deleted", deleted).Int("retentionDays", l.retentionDays).Msg("Cleaned up old audit events")
	}
}
