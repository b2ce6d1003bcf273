// Package console is a local chat transport on stdin/stdout. It lets an
// operator drive the assistant from a terminal without a chat service.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/rcourtman/pulse-sentinel/internal/ai/approval"
	"github.com/rcourtman/pulse-sentinel/internal/bot"
)

const prompt = "sentinel> "

// ChatID is the chat id of the console session.
const ChatID = "console"

var isTerminalFn = term.IsTerminal

// Console reads operator lines from in and writes replies to out.
type Console struct {
	in     io.Reader
	out    io.Writer
	userID string
	tty    bool

	mu          sync.Mutex
	lastPending string
}

// New creates a console acting as userID. Prompts are shown only when in
// is a terminal.
func New(in io.Reader, out io.Writer, userID string) *Console {
	c := &Console{in: in, out: out, userID: userID}
	if f, ok := in.(*os.File); ok {
		c.tty = isTerminalFn(int(f.Fd()))
	}
	return c
}

// Run feeds lines to handle until EOF, "/quit" or ctx cancellation.
// "y" and "n" decide the most recently presented command.
func (c *Console) Run(ctx context.Context, handle func(context.Context, bot.Event)) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errCh <- scanner.Err()
	}()

	for {
		c.showPrompt()
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "/quit", "/exit":
				return nil
			}
			handle(ctx, c.event(line))
		}
	}
}

func (c *Console) event(line string) bot.Event {
	ev := bot.Event{ChatID: ChatID, UserID: c.userID, Text: line}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastPending == "" {
		return ev
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		ev = bot.Event{ChatID: ChatID, UserID: c.userID, CallbackID: bot.CallbackRun + c.lastPending}
		c.lastPending = ""
	case "n", "no":
		ev = bot.Event{ChatID: ChatID, UserID: c.userID, CallbackID: bot.CallbackSkip + c.lastPending}
		c.lastPending = ""
	}
	return ev
}

func (c *Console) showPrompt() {
	if c.tty {
		c.write(prompt)
	}
}

func (c *Console) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, s)
}

// SendText prints a reply.
func (c *Console) SendText(_ context.Context, _ string, text string) error {
	c.write(text + "\n")
	return nil
}

// PresentApproval prints a proposed command and remembers it for y/n.
func (c *Console) PresentApproval(_ context.Context, _ string, pc approval.ProposedCommand) error {
	c.mu.Lock()
	c.lastPending = pc.ID
	c.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "\nProposed command on %s (risk %s):\n  %s\n", pc.Key.Server, pc.Risk, pc.Command)
	if !pc.ExpiresAt.IsZero() {
		fmt.Fprintf(&b, "Run it? [y/n] (expires in %s, id %s)\n", time.Until(pc.ExpiresAt).Round(time.Second), pc.ID)
	} else {
		fmt.Fprintf(&b, "Run it? [y/n] (id %s)\n", pc.ID)
	}
	c.write(b.String())
	return nil
}
