package knownhosts

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

var remote = &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 22}

func TestNewManagerRequiresPath(t *testing.T) {
	_, err := NewManager("  ")
	assert.Error(t, err)
}

func TestTrustOnFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	m, err := NewManager(path)
	require.NoError(t, err)
	cb := m.HostKeyCallback()
	key := newHostKey(t)

	require.NoError(t, cb("prod.example.com:22", remote, key))
	require.NoError(t, cb("prod.example.com:22", remote, key))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "prod.example.com ssh-ed25519 "))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNonStandardPortIsBracketed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	m, err := NewManager(path)
	require.NoError(t, err)

	require.NoError(t, m.HostKeyCallback()("db.example.com:2222", remote, newHostKey(t)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "[db.example.com]:2222 "))
}

func TestChangedKeyIsRejected(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "known_hosts"))
	require.NoError(t, err)
	cb := m.HostKeyCallback()

	require.NoError(t, cb("prod:22", remote, newHostKey(t)))
	err = cb("prod:22", remote, newHostKey(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHostKeyChanged))

	var change *HostKeyChangeError
	require.True(t, errors.As(err, &change))
	assert.NotEqual(t, change.Existing, change.Provided)
}

func TestForgetAllowsRetrust(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "known_hosts"))
	require.NoError(t, err)
	cb := m.HostKeyCallback()

	require.NoError(t, cb("prod:22", remote, newHostKey(t)))
	require.NoError(t, cb("other:22", remote, newHostKey(t)))
	require.NoError(t, m.Forget("prod", 22))
	require.NoError(t, cb("prod:22", remote, newHostKey(t)))

	data, err := os.ReadFile(m.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "other ")
}

func TestUnknownHostWithoutTOFU(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "known_hosts"), WithAcceptNew(false))
	require.NoError(t, err)

	err = m.HostKeyCallback()("prod:22", remote, newHostKey(t))
	assert.True(t, errors.Is(err, ErrUnknownHost))
}

func TestJoinCloseError(t *testing.T) {
	base := errors.New("write failed")
	closeErr := errors.New("close failed")

	assert.Nil(t, joinCloseError(nil, "op", nil))
	assert.Equal(t, base, joinCloseError(base, "op", nil))

	err := joinCloseError(base, "op", closeErr)
	assert.True(t, errors.Is(err, base))
	assert.True(t, errors.Is(err, closeErr))
}
