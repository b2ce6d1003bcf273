package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/pulse-sentinel/internal/ai/session"
	"github.com/rcourtman/pulse-sentinel/internal/executor"
	"github.com/rcourtman/pulse-sentinel/internal/servers"
)

// probe is one read-only discovery command.
type probe struct {
	Label   string
	Command string
}

var discoveryProbes = []probe{
	{"OS", `grep PRETTY_NAME /etc/os-release | cut -d= -f2 | tr -d '"'`},
	{"Kernel", "uname -r"},
	{"Hostname", "hostname"},
	{"Uptime", "uptime -p"},
	{"Load", "cat /proc/loadavg"},
	{"Memory", "free -h"},
	{"Disk", "df -h /"},
	{"Services", "systemctl list-units --type=service --state=running --no-pager --no-legend | head -15"},
}

// probeOutputLimit caps each probe in the analysis prompt.
const probeOutputLimit = 1500

type probeResult struct {
	probe
	Output string
	Err    error
}

// discover runs every probe on srv concurrently. Probe failures are kept in
// the results rather than failing the whole run.
func (b *Bot) discover(ctx context.Context, srv servers.Server) []probeResult {
	results := make([]probeResult, len(discoveryProbes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(discoveryProbes))
	for i, p := range discoveryProbes {
		i, p := i, p
		g.Go(func() error {
			res, err := b.deps.Runner.Run(gctx, srv, p.Command, b.deps.CommandTimeout)
			out := strings.TrimSpace(res.Stdout)
			if err == nil && res.ExitCode != 0 {
				err = fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
			}
			results[i] = probeResult{probe: p, Output: executor.Truncate(out, probeOutputLimit), Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (b *Bot) handleDiscover(ctx context.Context, ev Event, args string) {
	alias := strings.TrimSpace(args)
	if alias == "" {
		alias = b.Selected(ev.ChatID)
	}
	if alias == "" {
		b.reply(ctx, ev.ChatID, "Usage: /discover <alias>")
		return
	}
	srv, err := b.deps.Servers.Get(ctx, alias)
	if err != nil {
		b.replyErr(ctx, ev.ChatID, err)
		return
	}
	b.selectServer(ev.ChatID, srv.Alias)
	b.reply(ctx, ev.ChatID, fmt.Sprintf("Running %d discovery probes on %s...", len(discoveryProbes), srv.Alias))

	start := time.Now()
	results := b.discover(ctx, srv)

	var report, prompt strings.Builder
	fmt.Fprintf(&report, "Discovery on %s (%s):\n", srv.Alias, time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(&prompt, "Discovery results for server %s (%s):\n", srv.Alias, srv.Addr())
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(&report, "%s: unavailable (%v)\n", r.Label, r.Err)
			fmt.Fprintf(&prompt, "\n## %s\n$ %s\n(failed: %v)\n", r.Label, r.Command, r.Err)
			continue
		}
		fmt.Fprintf(&report, "%s: %s\n", r.Label, summaryLine(r.Output))
		fmt.Fprintf(&prompt, "\n## %s\n$ %s\n%s\n", r.Label, r.Command, r.Output)
	}
	b.reply(ctx, ev.ChatID, strings.TrimRight(report.String(), "\n"))
	if failed == len(results) {
		b.reply(ctx, ev.ChatID, "Every probe failed; skipping the analysis.")
		return
	}

	prompt.WriteString("\nGive a short overview of this server: what it is, what it runs and anything that looks unhealthy.")
	analysis, err := b.deps.Orchestrator.Consult(ctx, session.Key{ChatID: ev.ChatID, Server: srv.Alias}, prompt.String())
	if err != nil {
		b.replyErr(ctx, ev.ChatID, err)
		return
	}
	if analysis != "" {
		b.reply(ctx, ev.ChatID, analysis)
	}
}

// summaryLine condenses probe output for the chat report. Two-line output
// is a header plus one row, so the row is shown.
func summaryLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	switch {
	case lines[0] == "":
		return "-"
	case len(lines) == 1:
		return lines[0]
	case len(lines) == 2:
		return strings.Join(strings.Fields(lines[1]), " ")
	default:
		return fmt.Sprintf("%d lines", len(lines))
	}
}
