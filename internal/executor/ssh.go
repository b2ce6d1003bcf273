package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
	"github.com/rcourtman/pulse-sentinel/internal/servers"
)

// DialFunc opens the TCP connection for an SSH session.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// SSHConfig configures SSHTransport.
type SSHConfig struct {
	// HostKeyCallback verifies server host keys. Required.
	HostKeyCallback ssh.HostKeyCallback
	// Dial defaults to a plain net.Dialer.
	Dial DialFunc
	// DefaultKeyPath is used for servers without their own key.
	DefaultKeyPath string
	// UseAgent offers keys from SSH_AUTH_SOCK when set.
	UseAgent bool
	// ConnectTimeout bounds dial plus handshake.
	ConnectTimeout time.Duration
	// KillGrace is how long to wait for the session to end after SIGKILL.
	KillGrace time.Duration
}

// SSHTransport runs commands over SSH, one connection per command.
type SSHTransport struct {
	cfg SSHConfig
}

// NewSSHTransport creates an SSH transport.
func NewSSHTransport(cfg SSHConfig) (*SSHTransport, error) {
	if cfg.HostKeyCallback == nil {
		return nil, fmt.Errorf("ssh transport requires a host key callback")
	}
	if cfg.Dial == nil {
		d := &net.Dialer{KeepAlive: 30 * time.Second}
		cfg.Dial = d.DialContext
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = time.Second
	}
	return &SSHTransport{cfg: cfg}, nil
}

// Exec implements Transport.
func (t *SSHTransport) Exec(ctx context.Context, server servers.Server, command string, stdout, stderr io.Writer) (int, error) {
	auth, cleanup, err := t.authMethods(server)
	if err != nil {
		return -1, err
	}
	defer cleanup()

	client, err := t.connect(ctx, server, auth)
	if err != nil {
		return -1, err
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return -1, sentinelerrors.WrapRemoteError("ssh_session", server.Alias, err)
	}
	defer sess.Close()

	sess.Stdout = stdout
	sess.Stderr = stderr
	if err := sess.Start(command); err != nil {
		return -1, sentinelerrors.WrapRemoteError("ssh_exec", server.Alias, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err := <-done:
		return exitStatus(server.Alias, err)
	case <-ctx.Done():
		// Best effort: ask the remote side to kill the process, then drop the session.
		if err := sess.Signal(ssh.SIGKILL); err != nil {
			log.Debug().Err(err).Str("server", server.Alias).Msg("SIGKILL request failed")
		}
		sess.Close()
		client.Close()
		select {
		case <-done:
		case <-time.After(t.cfg.KillGrace):
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return -1, sentinelerrors.WrapTimeoutError("ssh_exec", server.Alias, ctx.Err())
		}
		return -1, ctx.Err()
	}
}

func (t *SSHTransport) connect(ctx context.Context, server servers.Server, auth []ssh.AuthMethod) (*ssh.Client, error) {
	clientCfg := &ssh.ClientConfig{
		User:            server.User,
		Auth:            auth,
		HostKeyCallback: t.cfg.HostKeyCallback,
		Timeout:         t.cfg.ConnectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	addr := server.Addr()
	conn, err := t.cfg.Dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, sentinelerrors.WrapRemoteError("ssh_dial", server.Alias, err)
	}

	deadline, _ := dialCtx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, sentinelerrors.WrapRemoteError("ssh_dial", server.Alias, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, sentinelerrors.WrapRemoteError("ssh_handshake", server.Alias, err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, sentinelerrors.WrapRemoteError("ssh_handshake", server.Alias, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (t *SSHTransport) authMethods(server servers.Server) ([]ssh.AuthMethod, func(), error) {
	var (
		methods []ssh.AuthMethod
		closers []io.Closer
	)
	cleanup := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	keyPath := server.KeyPath
	if keyPath == "" {
		keyPath = t.cfg.DefaultKeyPath
	}
	if keyPath != "" {
		signer, err := loadSigner(keyPath)
		if err != nil {
			log.Warn().Err(err).Str("server", server.Alias).Str("key", keyPath).Msg("Skipping unusable SSH key")
		} else {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if t.cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				log.Debug().Err(err).Msg("SSH agent unavailable")
			} else {
				closers = append(closers, conn)
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}

	if server.Password != "" {
		password := server.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		cleanup()
		return nil, nil, fmt.Errorf("server %s has no usable SSH credentials (key, agent or password): %w", server.Alias, sentinelerrors.ErrInvalidInput)
	}
	return methods, cleanup, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("key %s is passphrase protected; load it into ssh-agent instead", path)
		}
		return nil, fmt.Errorf("parse key: %w", err)
	}
	return signer, nil
}

func exitStatus(alias string, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, sentinelerrors.WrapRemoteError("ssh_exec", alias, fmt.Errorf("remote command ended without exit status"))
	}
	return -1, sentinelerrors.WrapRemoteError("ssh_exec", alias, err)
}
