package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-sentinel/internal/ai/approval"
	"github.com/rcourtman/pulse-sentinel/internal/ai/circuit"
	"github.com/rcourtman/pulse-sentinel/internal/ai/investigation"
	"github.com/rcourtman/pulse-sentinel/internal/ai/providers"
	"github.com/rcourtman/pulse-sentinel/internal/ai/session"
	"github.com/rcourtman/pulse-sentinel/internal/bot"
	"github.com/rcourtman/pulse-sentinel/internal/config"
	"github.com/rcourtman/pulse-sentinel/internal/executor"
	"github.com/rcourtman/pulse-sentinel/internal/metrics"
	"github.com/rcourtman/pulse-sentinel/internal/netutil"
	"github.com/rcourtman/pulse-sentinel/internal/servers"
	"github.com/rcourtman/pulse-sentinel/internal/ssh/knownhosts"
	"github.com/rcourtman/pulse-sentinel/internal/storage"
	"github.com/rcourtman/pulse-sentinel/pkg/audit"
)

const (
	auditRetentionDays   = 90
	investigationMaxAge  = 24 * time.Hour
	investigationMaxKept = 1000
	maintenanceInterval  = 10 * time.Minute
	dnsRefreshInterval   = 5 * time.Minute
)

// app holds the long-lived components shared by the run and console modes.
type app struct {
	cfg     *config.Config
	db      *sql.DB
	servers *servers.SQLiteStore
	history *session.SQLiteLog
	audit   *audit.SQLiteLogger
	metrics *metrics.Metrics

	ai       *providers.Switch
	sessions *session.Manager
	gate     *approval.Gate
	runner   *executor.Executor
	orch     *investigation.Orchestrator
	bot      *bot.Bot
	watcher  *config.ConfigWatcher
}

// openStores opens the database and the stores built on it. The CLI
// subcommands that only touch stored data stop here.
func openStores(cfg *config.Config) (*app, error) {
	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.NewSQLiteLogger(audit.SQLiteLoggerConfig{DB: db, RetentionDays: auditRetentionDays})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &app{
		cfg:     cfg,
		db:      db,
		servers: servers.NewSQLiteStore(db),
		history: session.NewSQLiteLog(db),
		audit:   auditLog,
	}, nil
}

// wire builds the AI, gate, executor and orchestrator around the stores and
// the given chat transport.
func (a *app) wire(sender investigation.Transport) error {
	cfg := a.cfg
	a.metrics = metrics.Get()

	sw, err := providers.NewSwitch(cfg.Provider, cfg.TurnTimeout, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize AI provider: %w", err)
	}
	sw.OnBreakerChange(func(name string, from, to circuit.State) {
		log.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("AI circuit breaker changed state")
		a.metrics.SetBreakerState(name, int(to))
	})
	a.ai = sw

	a.sessions = session.NewManager(
		session.WithEstimator(sw.EstimateTokens),
		session.WithBudget(func() int {
			if cfg.ContextBudgetTokens > 0 {
				return cfg.ContextBudgetTokens
			}
			return sw.PromptBudget()
		}),
		session.WithLog(a.history),
	)
	sw.OnSwitch(func(config.ProviderConfig) {
		a.sessions.SetEstimator(sw.EstimateTokens)
	})

	a.gate = approval.NewGate(approval.Config{
		Timeout:         cfg.ApprovalTimeout,
		BlockedPatterns: cfg.BlockedPatterns,
		Strict:          cfg.StrictInvariants,
	})

	hostKeys, err := knownhosts.NewManager(cfg.KnownHostsPath)
	if err != nil {
		return err
	}
	transport, err := executor.NewSSHTransport(executor.SSHConfig{
		HostKeyCallback: hostKeys.HostKeyCallback(),
		Dial:            netutil.Default().DialContext,
		DefaultKeyPath:  cfg.DefaultSSHKeyPath,
		UseAgent:        true,
	})
	if err != nil {
		return err
	}
	a.runner = executor.New(transport, executor.WithOutputCap(cfg.OutputCapBytes))

	chunked := bot.Chunked(sender, bot.MaxMessageLength)
	a.orch = investigation.NewOrchestrator(investigation.Config{
		MaxTurnsInvestigate: cfg.MaxTurnsInvestigate,
		MaxTurnsAsk:         cfg.MaxTurnsAsk,
		TurnTimeout:         cfg.TurnTimeout,
		CommandTimeout:      cfg.CommandTimeout,
		MaxConcurrent:       cfg.MaxConcurrent,
	}, investigation.Deps{
		AI:        sw,
		Sessions:  a.sessions,
		Gate:      a.gate,
		Runner:    a.runner,
		Servers:   a.servers,
		Transport: chunked,
		Audit:     a.audit,
		Metrics:   a.metrics,
	})

	isAdmin := cfg.IsAdmin
	apiKeys := func() map[string]string { return cfg.APIKeys }
	if watcher, err := config.NewConfigWatcher(cfg); err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, .env changes will require restart")
	} else {
		watcher.OnProviderChange(func(pc config.ProviderConfig) {
			if err := sw.Set(pc); err != nil {
				log.Error().Err(err).Str("provider", pc.Name).Msg("Failed to apply provider change from .env")
			}
		})
		a.watcher = watcher
		isAdmin = watcher.IsAdmin
		apiKeys = func() map[string]string { return watcher.Snapshot().APIKeys }
	}

	a.bot = bot.New(bot.Deps{
		Orchestrator:   a.orch,
		AI:             sw,
		Sessions:       a.sessions,
		Gate:           a.gate,
		Servers:        a.servers,
		Runner:         a.runner,
		Sender:         chunked,
		Audit:          a.audit,
		Metrics:        a.metrics,
		IsAdmin:        isAdmin,
		APIKeys:        apiKeys,
		CommandTimeout: cfg.CommandTimeout,
		Version:        Version,
	})
	return nil
}

// start launches the background loops. They stop when ctx is cancelled.
func (a *app) start(ctx context.Context) {
	go netutil.Default().RunRefresh(ctx, dnsRefreshInterval)
	a.gate.StartCleanup(ctx)
	if a.watcher != nil {
		if err := a.watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
	}
	go a.maintain(ctx)
}

func (a *app) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := a.orch.Store().Cleanup(investigationMaxAge)
			removed += a.orch.Store().EnforceSizeLimit(investigationMaxKept)
			if removed > 0 {
				log.Debug().Int("investigations", removed).Msg("Pruned finished investigations")
			}
		}
	}
}

func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close audit log")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
