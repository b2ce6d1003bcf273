// Package servers holds the inventory of SSH targets the assistant can reach.
package servers

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"

	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
)

// DefaultPort is used when a server has no explicit port.
const DefaultPort = 22

var aliasRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Server is one SSH target. Alias is the unique key.
type Server struct {
	Alias    string `yaml:"alias"`
	Host     string `yaml:"host"`
	User     string `yaml:"user"`
	Port     int    `yaml:"port"`
	KeyPath  string `yaml:"key_path"`
	Password string `yaml:"password"`
}

// Addr returns host:port for dialing.
func (s Server) Addr() string {
	port := s.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// String never includes credentials.
func (s Server) String() string {
	return fmt.Sprintf("%s (%s@%s)", s.Alias, s.User, s.Addr())
}

// Validate checks the fields required to dial the server.
func (s Server) Validate() error {
	if !aliasRe.MatchString(s.Alias) {
		return fmt.Errorf("alias %q must be 1-64 letters, digits, dots, dashes or underscores: %w", s.Alias, sentinelerrors.ErrInvalidInput)
	}
	if strings.TrimSpace(s.Host) == "" {
		return fmt.Errorf("server %s: host is required: %w", s.Alias, sentinelerrors.ErrInvalidInput)
	}
	if strings.TrimSpace(s.User) == "" {
		return fmt.Errorf("server %s: user is required: %w", s.Alias, sentinelerrors.ErrInvalidInput)
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("server %s: port %d out of range: %w", s.Alias, s.Port, sentinelerrors.ErrInvalidInput)
	}
	return nil
}

// Store persists servers.
type Store interface {
	Get(ctx context.Context, alias string) (Server, error)
	List(ctx context.Context) ([]Server, error)
	Add(ctx context.Context, server Server) error
	Remove(ctx context.Context, alias string) error
}

// Filter returns the servers whose alias or host matches a wildcard pattern.
// An empty pattern matches everything.
func Filter(list []Server, pattern string) []Server {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return list
	}
	if !strings.ContainsAny(pattern, "*?") {
		pattern = "*" + pattern + "*"
	}
	var out []Server
	for _, s := range list {
		if wildcard.Match(pattern, s.Alias) || wildcard.Match(pattern, s.Host) {
			out = append(out, s)
		}
	}
	return out
}

func sortByAlias(list []Server) {
	sort.Slice(list, func(i, j int) bool { return list[i].Alias < list[j].Alias })
}
