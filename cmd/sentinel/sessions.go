package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/pulse-sentinel/internal/ai/session"
	"github.com/rcourtman/pulse-sentinel/pkg/audit"
	"github.com/rcourtman/pulse-sentinel/pkg/reporting"
)

// commandEvents are the audit events copied into a transcript report.
var commandEvents = map[string]bool{
	audit.EventCommandProposed: true,
	audit.EventCommandDecision: true,
	audit.EventCommandExecuted: true,
	audit.EventDirectExec:      true,
}

func newHistoryCmd() *cobra.Command {
	var (
		chatID string
		limit  int
		system bool
	)
	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List persisted sessions, or print the turns of one session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(a *app) error {
				if len(args) == 0 {
					return listSessions(cmd, a, chatID, limit)
				}
				turns, err := a.history.History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, t := range turns {
					if t.Role == session.RoleSystem && !system {
						continue
					}
					fmt.Fprintf(out, "[%s] %s: %s\n", t.At.Format("2006-01-02 15:04:05"), t.Role, t.Text)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "only sessions of this chat")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions to list")
	cmd.Flags().BoolVar(&system, "system", false, "include system prompt turns")
	return cmd
}

func listSessions(cmd *cobra.Command, a *app, chatID string, limit int) error {
	list, err := a.history.Sessions(cmd.Context(), chatID, limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No sessions recorded.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tCHAT\tSERVER\tTURNS\tLAST ACTIVITY")
	for _, s := range list {
		server := s.Key.Server
		if server == "" {
			server = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.Key.ChatID, server, s.Turns, s.LastAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func newReportCmd() *cobra.Command {
	var (
		outPath string
		format  string
	)
	cmd := &cobra.Command{
		Use:   "report <session-id>",
		Short: "Export a session transcript with its command audit as PDF or CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "" {
				format = strings.TrimPrefix(filepath.Ext(outPath), ".")
			}
			if format == "" {
				format = string(reporting.FormatPDF)
			}
			f, err := reporting.ParseFormat(format)
			if err != nil {
				return err
			}
			if outPath == "" {
				outPath = fmt.Sprintf("sentinel-%s.%s", args[0], f)
			}

			return withStores(func(a *app) error {
				tr, err := buildTranscript(cmd.Context(), a.history, a.audit, args[0])
				if err != nil {
					return err
				}
				data, _, err := reporting.Generate(tr, f)
				if err != nil {
					return err
				}
				if err := os.WriteFile(outPath, data, 0o600); err != nil {
					return fmt.Errorf("failed to write report: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d turns, %d commands)\n", outPath, len(tr.Entries), len(tr.Commands))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default sentinel-<session-id>.<format>)")
	cmd.Flags().StringVar(&format, "format", "", "pdf or csv (default from the --out extension, else pdf)")
	return cmd
}

// buildTranscript joins the persisted turns of a session with the audit
// events recorded for its chat and server while it was active.
func buildTranscript(ctx context.Context, history *session.SQLiteLog, auditLog audit.Logger, sessionID string) (*reporting.Transcript, error) {
	summary, err := history.Lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	turns, err := history.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	tr := &reporting.Transcript{
		SessionID:   summary.ID,
		ChatID:      summary.Key.ChatID,
		Server:      summary.Key.Server,
		StartedAt:   summary.StartedAt,
		EndedAt:     summary.LastAt,
		GeneratedAt: time.Now(),
	}
	for _, t := range turns {
		if t.Role == session.RoleSystem {
			continue
		}
		tr.Entries = append(tr.Entries, reporting.Entry{At: t.At, Role: string(t.Role), Text: t.Text})
	}

	// Command output lands in the log after the command finishes, so the
	// window is padded by a minute on the end.
	start, end := summary.StartedAt, summary.LastAt.Add(time.Minute)
	events, err := auditLog.Query(audit.QueryFilter{
		StartTime: &start,
		EndTime:   &end,
		ChatID:    summary.Key.ChatID,
		Server:    summary.Key.Server,
	})
	if err != nil {
		return nil, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if !commandEvents[e.EventType] {
			continue
		}
		tr.Commands = append(tr.Commands, reporting.CommandRecord{
			At:      e.Timestamp,
			Event:   e.EventType,
			User:    e.User,
			Command: e.Command,
			Success: e.Success,
			Details: e.Details,
		})
	}
	return tr, nil
}
