package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
	"github.com/rcourtman/pulse-sentinel/internal/servers"
)

// transportFunc adapts a function to Transport.
type transportFunc func(ctx context.Context, server servers.Server, command string, stdout, stderr io.Writer) (int, error)

func (f transportFunc) Exec(ctx context.Context, server servers.Server, command string, stdout, stderr io.Writer) (int, error) {
	return f(ctx, server, command, stdout, stderr)
}

var prod = servers.Server{Alias: "prod", Host: "10.0.0.5", User: "root", Port: 22}

func TestRunCollectsOutputAndExitCode(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var gotCommand string
	e := New(transportFunc(func(_ context.Context, _ servers.Server, command string, stdout, stderr io.Writer) (int, error) {
		gotCommand = command
		fmt.Fprint(stdout, "Filesystem Size Used\n/dev/sda1 50G 20G\n")
		fmt.Fprint(stderr, "df: warning\n")
		return 1, nil
	}))

	res, err := e.Run(context.Background(), prod, "df -h", time.Second)
	require.NoError(t, err, "non-zero exit is data")
	assert.Equal(t, "df -h", gotCommand)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stdout, "/dev/sda1")
	assert.Equal(t, "df: warning\n", res.Stderr)
	assert.False(t, res.TimedOut)
	assert.Contains(t, res.Text(), "[stderr]\ndf: warning")
}

func TestRunTruncatesEachStreamIndependently(t *testing.T) {
	e := New(transportFunc(func(_ context.Context, _ servers.Server, _ string, stdout, stderr io.Writer) (int, error) {
		fmt.Fprint(stdout, strings.Repeat("o", 100))
		fmt.Fprint(stderr, "short")
		return 0, nil
	}), WithOutputCap(10))

	res, err := e.Run(context.Background(), prod, "cat big", time.Second)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("o", 10)+TruncationMarker, res.Stdout)
	assert.Equal(t, "short", res.Stderr)
	assert.Equal(t, res.Stdout, Truncate(res.Stdout, 10))
	assert.True(t, res.StdoutTruncated)
	assert.False(t, res.StderrTruncated)
}

func TestRunOutputAtCapIsNotTruncated(t *testing.T) {
	e := New(transportFunc(func(_ context.Context, _ servers.Server, _ string, stdout, stderr io.Writer) (int, error) {
		fmt.Fprint(stdout, strings.Repeat("o", 10))
		fmt.Fprint(stderr, strings.Repeat("e", 11))
		return 0, nil
	}), WithOutputCap(10))

	res, err := e.Run(context.Background(), prod, "cat exact", time.Second)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("o", 10), res.Stdout)
	assert.False(t, res.StdoutTruncated)
	assert.True(t, res.StderrTruncated)
	assert.Equal(t, strings.Repeat("e", 10)+TruncationMarker, res.Stderr)
}

func TestRunTimeoutKeepsPartialOutput(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := New(transportFunc(func(ctx context.Context, _ servers.Server, _ string, stdout, _ io.Writer) (int, error) {
		fmt.Fprint(stdout, "partial line\n")
		<-ctx.Done()
		return -1, ctx.Err()
	}), WithGrace(200*time.Millisecond))

	timeout := 100 * time.Millisecond
	start := time.Now()
	res, err := e.Run(context.Background(), prod, "tail -f /var/log/syslog", timeout)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinelerrors.ErrTimeout))
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, "partial line\n", res.Stdout)
	assert.Less(t, elapsed, timeout+200*time.Millisecond+100*time.Millisecond)
	assert.Contains(t, res.Text(), "timed out")
}

func TestRunReturnsWhenTransportIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	e := New(transportFunc(func(_ context.Context, _ servers.Server, _ string, stdout, _ io.Writer) (int, error) {
		fmt.Fprint(stdout, "stuck")
		<-release
		return 0, nil
	}), WithGrace(50*time.Millisecond))

	start := time.Now()
	res, err := e.Run(context.Background(), prod, "sleep 600", 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.True(t, errors.Is(err, sentinelerrors.ErrTimeout))
	assert.True(t, res.TimedOut)
	assert.Equal(t, "stuck", res.Stdout)
	assert.Less(t, elapsed, time.Second)
}

func TestRunConnectionFailure(t *testing.T) {
	e := New(transportFunc(func(context.Context, servers.Server, string, io.Writer, io.Writer) (int, error) {
		return -1, sentinelerrors.WrapRemoteError("ssh_dial", "prod", errors.New("connection refused"))
	}))

	res, err := e.Run(context.Background(), prod, "uptime", time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinelerrors.ErrConnectionFailed))
	assert.Equal(t, -1, res.ExitCode)
	assert.False(t, res.TimedOut)
}

func TestRunParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(transportFunc(func(ctx context.Context, _ servers.Server, _ string, _, _ io.Writer) (int, error) {
		cancel()
		<-ctx.Done()
		return -1, ctx.Err()
	}))

	res, err := e.Run(ctx, prod, "uptime", time.Minute)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, res.TimedOut)
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	e := New(transportFunc(func(context.Context, servers.Server, string, io.Writer, io.Writer) (int, error) {
		t.Fatal("transport must not be called")
		return 0, nil
	}))
	_, err := e.Run(context.Background(), prod, "  ", time.Second)
	assert.True(t, errors.Is(err, sentinelerrors.ErrInvalidInput))
}

func TestResultTextEmpty(t *testing.T) {
	assert.Equal(t, "(no output)", Result{}.Text())
}
