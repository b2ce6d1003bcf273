package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/pulse-sentinel/internal/config"
	"github.com/rcourtman/pulse-sentinel/internal/logging"
	"github.com/rcourtman/pulse-sentinel/internal/transport/console"
	"github.com/rcourtman/pulse-sentinel/internal/transport/slackchat"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// consoleUser is the operator id used by the local REPL when no admin is configured.
const consoleUser = "console"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sentinel",
		Short:         "Sentinel - chat-operated SSH investigation assistant",
		Long:          `Sentinel lets operators investigate Linux servers from chat. An AI model proposes shell commands, the operator approves them, and Sentinel runs them over SSH.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to Slack and serve operators (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConsoleCmd())
	rootCmd.AddCommand(newServersCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newReportCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sentinel %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func newConsoleCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Talk to the assistant from this terminal instead of Slack",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), user)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "operator id (defaults to the first admin id)")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	logging.Shutdown()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig initializes logging in two steps: defaults for the config
// load itself, then the configured settings.
func loadConfig() (*config.Config, error) {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "sentinel",
	})

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:     cfg.LogFormat,
		Level:      cfg.LogLevel,
		Component:  "sentinel",
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSize,
		MaxAgeDays: cfg.LogMaxAge,
		Compress:   cfg.LogCompress,
	})
	return cfg, nil
}

func runServer(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slackTransport, err := slackchat.New(cfg.SlackBotToken, cfg.SlackAppToken)
	if err != nil {
		return err
	}

	a, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.wire(slackTransport); err != nil {
		return err
	}

	log.Info().Str("version", Version).Msg("Starting Sentinel")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.start(ctx)
	a.startMetricsServer(ctx, cfg.MetricsAddr)

	// SIGHUP re-reads .env; the watcher also picks up edits on its own.
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)
	defer signal.Stop(reloadChan)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadChan:
				log.Info().Msg("Received SIGHUP, reloading configuration...")
				if a.watcher != nil {
					a.watcher.ReloadConfig()
				}
			}
		}
	}()

	err = slackTransport.Run(ctx, a.bot.Handle)
	if ctx.Err() != nil {
		log.Info().Msg("Shutting down...")
		err = nil
	}
	log.Info().Msg("Sentinel stopped")
	return err
}

func runConsole(ctx context.Context, in io.Reader, out io.Writer, user string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if user == "" {
		user = consoleUser
		if len(cfg.AdminIDs) > 0 {
			user = cfg.AdminIDs[0]
		}
	}

	a, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	term := console.New(in, out, user)
	if err := a.wire(term); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.start(ctx)

	fmt.Fprintf(out, "Sentinel %s console. Type /help for commands, /quit to leave.\n", Version)
	return term.Run(ctx, a.bot.Handle)
}
