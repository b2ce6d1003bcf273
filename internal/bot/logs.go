package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
	"github.com/rcourtman/pulse-sentinel/internal/logging"
)

const (
	defaultLogLines = 20
	maxLogLines     = 200
)

// handleLogs shows the newest log lines, warnings and above unless a level is given.
func (b *Bot) handleLogs(ctx context.Context, ev Event, args string) {
	n := defaultLogLines
	level := zerolog.WarnLevel
	for _, f := range strings.Fields(args) {
		if v, err := strconv.Atoi(f); err == nil {
			if v <= 0 {
				b.replyErr(ctx, ev.ChatID, fmt.Errorf("line count must be positive: %w", sentinelerrors.ErrInvalidInput))
				return
			}
			n = min(v, maxLogLines)
			continue
		}
		lvl, err := zerolog.ParseLevel(strings.ToLower(f))
		if err != nil || lvl == zerolog.NoLevel {
			b.replyErr(ctx, ev.ChatID, fmt.Errorf("unknown log level %q: %w", f, sentinelerrors.ErrInvalidInput))
			return
		}
		level = lvl
	}

	lines := logging.Recent().Tail(n, level)
	if len(lines) == 0 {
		b.reply(ctx, ev.ChatID, fmt.Sprintf("No %s+ log lines in memory.", level))
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Last %d log lines (%s and above):\n```\n", len(lines), level)
	for _, l := range lines {
		sb.WriteString(oneLine(l.String(), 300))
		sb.WriteString("\n")
	}
	sb.WriteString("```")
	b.reply(ctx, ev.ChatID, sb.String())
}

func (b *Bot) handleLogLevel(ctx context.Context, ev Event, args string) {
	args = strings.ToLower(strings.TrimSpace(args))
	if args == "" {
		b.reply(ctx, ev.ChatID, "Log level: "+logging.GetGlobalLevel())
		return
	}
	if _, err := zerolog.ParseLevel(args); err != nil || args == "disabled" {
		b.replyErr(ctx, ev.ChatID, fmt.Errorf("unknown log level %q (use debug, info, warn or error): %w", args, sentinelerrors.ErrInvalidInput))
		return
	}
	logging.SetGlobalLevel(args)
	log.Info().Str("user", ev.UserID).Str("level", logging.GetGlobalLevel()).Msg("Log level changed from chat")
	b.reply(ctx, ev.ChatID, "Log level set to "+logging.GetGlobalLevel()+".")
}
