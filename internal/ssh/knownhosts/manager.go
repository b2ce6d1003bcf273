// Package knownhosts verifies SSH host keys against a managed known_hosts
// file, trusting unknown hosts on first use.
package knownhosts

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	xknownhosts "golang.org/x/crypto/ssh/knownhosts"
)

// Manager verifies host keys for SSH connections.
type Manager interface {
	// HostKeyCallback returns the callback to put in ssh.ClientConfig.
	HostKeyCallback() ssh.HostKeyCallback
	// Forget removes every entry for host:port so the next connection re-trusts it.
	Forget(host string, port int) error
	// Path returns the absolute path to the managed known_hosts file.
	Path() string
}

var (
	// ErrHostKeyChanged signals that a host key already exists with a different fingerprint.
	ErrHostKeyChanged = errors.New("knownhosts: host key changed")
	// ErrUnknownHost is returned for new hosts when trust on first use is disabled.
	ErrUnknownHost = errors.New("knownhosts: unknown host")
)

// HostKeyChangeError describes a detected host key mismatch.
type HostKeyChangeError struct {
	Host     string
	Existing string
	Provided string
}

func (e *HostKeyChangeError) Error() string {
	return fmt.Sprintf("knownhosts: host key for %s changed (known %s, offered %s)", e.Host, e.Existing, e.Provided)
}

func (e *HostKeyChangeError) Unwrap() error {
	return ErrHostKeyChanged
}

type manager struct {
	path      string
	acceptNew bool
	mu        sync.Mutex
}

// Option allows customizing Manager construction.
type Option func(*manager)

// WithAcceptNew controls trust on first use (enabled by default).
func WithAcceptNew(accept bool) Option {
	return func(m *manager) { m.acceptNew = accept }
}

// NewManager returns a Manager backed by the known_hosts file at path.
func NewManager(path string, opts ...Option) (Manager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("knownhosts: empty path")
	}
	m := &manager{path: path, acceptNew: true}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *manager) Path() string {
	return m.path
}

func (m *manager) HostKeyCallback() ssh.HostKeyCallback {
	return m.check
}

func (m *manager) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureKnownHostsFile(); err != nil {
		return err
	}

	verify, err := xknownhosts.New(m.path)
	if err != nil {
		return fmt.Errorf("knownhosts: load %s: %w", m.path, err)
	}

	err = verify(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *xknownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}

	if len(keyErr.Want) > 0 {
		return &HostKeyChangeError{
			Host:     hostname,
			Existing: ssh.FingerprintSHA256(keyErr.Want[0].Key),
			Provided: ssh.FingerprintSHA256(key),
		}
	}

	if !m.acceptNew {
		return fmt.Errorf("%w %s (%s)", ErrUnknownHost, hostname, ssh.FingerprintSHA256(key))
	}

	line := xknownhosts.Line([]string{xknownhosts.Normalize(hostname)}, key)
	if err := appendHostKey(m.path, line); err != nil {
		return err
	}
	log.Info().
		Str("host", hostname).
		Str("fingerprint", ssh.FingerprintSHA256(key)).
		Msg("Trusted new SSH host key")
	return nil
}

func (m *manager) Forget(host string, port int) error {
	if port <= 0 {
		port = 22
	}
	hostSpec := xknownhosts.Normalize(net.JoinHostPort(host, fmt.Sprint(port)))

	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("knownhosts: read %s: %w", m.path, err)
	}

	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" || hostLineMatches(hostSpec, line) {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.Join(kept, "\n")
	if out != "" {
		out += "\n"
	}
	if err := os.WriteFile(m.path, []byte(out), 0o600); err != nil {
		return fmt.Errorf("knownhosts: write %s: %w", m.path, err)
	}
	return nil
}

func (m *manager) ensureKnownHostsFile() error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("knownhosts: mkdir %s: %w", dir, err)
	}

	if _, err := os.Stat(m.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("knownhosts: stat %s: %w", m.path, err)
	}

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("knownhosts: create %s: %w", m.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("knownhosts: close %s: %w", m.path, err)
	}
	return nil
}

func appendHostKey(path, line string) (retErr error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("knownhosts: open %s: %w", path, err)
	}
	defer func() {
		retErr = joinCloseError(retErr, fmt.Sprintf("knownhosts: close %s", path), f.Close())
	}()

	if _, err := io.WriteString(f, line+"\n"); err != nil {
		return fmt.Errorf("knownhosts: write entry to %s: %w", path, err)
	}
	return nil
}

func joinCloseError(err error, op string, closeErr error) error {
	if closeErr == nil {
		return err
	}
	wrappedCloseErr := fmt.Errorf("%s: %w", op, closeErr)
	if err == nil {
		return wrappedCloseErr
	}
	return errors.Join(err, wrappedCloseErr)
}

func hostLineMatches(host, line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "|") {
		return false
	}
	fields := strings.Fields(trimmed)
	for _, part := range strings.Split(fields[0], ",") {
		if strings.EqualFold(strings.TrimSpace(part), host) {
			return true
		}
	}
	return false
}
