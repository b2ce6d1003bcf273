package servers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
)

// SQLiteStore keeps servers in the servers table of the shared database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps a database opened by storage.Open.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Get returns the server with alias.
func (s *SQLiteStore) Get(ctx context.Context, alias string) (Server, error) {
	var srv Server
	err := s.db.QueryRowContext(ctx, `
		SELECT alias, host, user, port, key_path, password FROM servers WHERE alias = ?`, alias).
		Scan(&srv.Alias, &srv.Host, &srv.User, &srv.Port, &srv.KeyPath, &srv.Password)
	if err == sql.ErrNoRows {
		return Server{}, fmt.Errorf("server %q: %w", alias, sentinelerrors.ErrNotFound)
	}
	if err != nil {
		return Server{}, fmt.Errorf("failed to load server %q: %w", alias, err)
	}
	return srv, nil
}

// List returns all servers ordered by alias.
func (s *SQLiteStore) List(ctx context.Context) ([]Server, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT alias, host, user, port, key_path, password FROM servers ORDER BY alias`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var out []Server
	for rows.Next() {
		var srv Server
		if err := rows.Scan(&srv.Alias, &srv.Host, &srv.User, &srv.Port, &srv.KeyPath, &srv.Password); err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// Add inserts a new server. Aliases are unique; servers are never updated in place.
func (s *SQLiteStore) Add(ctx context.Context, srv Server) error {
	if srv.Port == 0 {
		srv.Port = DefaultPort
	}
	if err := srv.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO servers (alias, host, user, port, key_path, password, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		srv.Alias, srv.Host, srv.User, srv.Port, srv.KeyPath, srv.Password, time.Now().Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("server %q already exists: %w", srv.Alias, sentinelerrors.ErrInvalidInput)
		}
		return fmt.Errorf("failed to add server %q: %w", srv.Alias, err)
	}
	log.Info().Str("server", srv.Alias).Str("host", srv.Host).Msg("Server added")
	return nil
}

// Remove deletes a server.
func (s *SQLiteStore) Remove(ctx context.Context, alias string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE alias = ?`, alias)
	if err != nil {
		return fmt.Errorf("failed to remove server %q: %w", alias, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("server %q: %w", alias, sentinelerrors.ErrNotFound)
	}
	log.Info().Str("server", alias).Msg("Server removed")
	return nil
}
