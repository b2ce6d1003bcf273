// Package executor runs operator-approved commands on remote servers with a
// hard timeout and bounded output.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
	"github.com/rcourtman/pulse-sentinel/internal/servers"
)

// Defaults for Run.
const (
	DefaultOutputCap = 16 * 1024
	DefaultTimeout   = 60 * time.Second
	DefaultGrace     = 2 * time.Second
)

// Result is the immutable outcome of one command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool

	// StdoutTruncated and StderrTruncated report that the stream exceeded
	// the output cap and ends with TruncationMarker.
	StdoutTruncated bool
	StderrTruncated bool
}

// Text renders the result for the AI and the chat.
func (r Result) Text() string {
	var b strings.Builder
	stdout := strings.TrimRight(r.Stdout, "\n")
	stderr := strings.TrimRight(r.Stderr, "\n")
	if stdout != "" {
		b.WriteString(stdout)
	}
	if stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[stderr]\n")
		b.WriteString(stderr)
	}
	if b.Len() == 0 {
		b.WriteString("(no output)")
	}
	if r.TimedOut {
		fmt.Fprintf(&b, "\n[command timed out after %s]", r.Duration.Round(time.Millisecond))
	}
	return b.String()
}

// Transport executes one command on a server, streaming its output.
// It must return promptly once ctx is done.
type Transport interface {
	Exec(ctx context.Context, server servers.Server, command string, stdout, stderr io.Writer) (int, error)
}

// Executor applies timeout and output limits around a Transport.
type Executor struct {
	transport Transport
	outputCap int
	grace     time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithOutputCap sets the per-stream byte cap.
func WithOutputCap(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.outputCap = n
		}
	}
}

// WithGrace sets how long Run waits for the transport to unwind after a timeout.
func WithGrace(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.grace = d
		}
	}
}

// New creates an Executor.
func New(transport Transport, opts ...Option) *Executor {
	e := &Executor{
		transport: transport,
		outputCap: DefaultOutputCap,
		grace:     DefaultGrace,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type outcome struct {
	code int
	err  error
}

// Run executes command on server. A non-zero exit code is data, not an error.
// On timeout the partial output is returned with TimedOut set and an error
// matching ErrTimeout; Run returns within timeout plus the grace period.
func (e *Executor) Run(ctx context.Context, server servers.Server, command string, timeout time.Duration) (Result, error) {
	if strings.TrimSpace(command) == "" {
		return Result{}, fmt.Errorf("empty command: %w", sentinelerrors.ErrInvalidInput)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	stdout := newCappedBuffer(e.outputCap)
	stderr := newCappedBuffer(e.outputCap)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		code, err := e.transport.Exec(runCtx, server, command, stdout, stderr)
		done <- outcome{code: code, err: err}
	}()

	logger := log.With().Str("server", server.Alias).Str("command", command).Logger()

	var out outcome
	timedOut := false
	select {
	case out = <-done:
		timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	case <-runCtx.Done():
		timedOut = ctx.Err() == nil
		select {
		case out = <-done:
		case <-time.After(e.grace):
			logger.Warn().Dur("grace", e.grace).Msg("Transport did not stop after timeout")
			out = outcome{code: -1}
		}
	}

	res := Result{
		ExitCode: out.code,
		Duration: time.Since(start),
	}
	res.Stdout, res.StdoutTruncated = stdout.snapshot()
	res.Stderr, res.StderrTruncated = stderr.snapshot()

	switch {
	case timedOut:
		res.TimedOut = true
		res.ExitCode = -1
		logger.Warn().Dur("timeout", timeout).Msg("Command timed out")
		return res, sentinelerrors.WrapTimeoutError("ssh_exec", server.Alias, fmt.Errorf("command exceeded %s", timeout))
	case ctx.Err() != nil:
		return res, ctx.Err()
	case out.err != nil:
		res.ExitCode = -1
		logger.Warn().Err(out.err).Msg("Command execution failed")
		return res, out.err
	}

	logger.Debug().
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Bool("stdout_truncated", res.StdoutTruncated).
		Bool("stderr_truncated", res.StderrTruncated).
		Msg("Command finished")
	return res, nil
}
