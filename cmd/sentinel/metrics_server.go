package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-sentinel/internal/ai/circuit"
)

var (
	metricsShutdownTimeout = 5 * time.Second
	healthCheckTimeout     = 2 * time.Second
)

// healthReport is the body of /healthz.
type healthReport struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Circuit  string `json:"circuit"`
	Database string `json:"database"`
}

// health reports 503 when the database is unreachable. An open circuit is
// reported as degraded but stays 200: the bot still answers commands.
func (a *app) health(ctx context.Context) (healthReport, int) {
	rep := healthReport{Status: "ok", Version: Version, Database: "ok"}
	if a.ai != nil {
		cfg := a.ai.Config()
		rep.Provider, rep.Model = cfg.Name, cfg.Model
		state := a.ai.BreakerStatus().State
		rep.Circuit = state.String()
		if state != circuit.StateClosed {
			rep.Status = "degraded"
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if err := a.db.PingContext(pingCtx); err != nil {
		rep.Status, rep.Database = "unavailable", err.Error()
		return rep, http.StatusServiceUnavailable
	}
	return rep, http.StatusOK
}

func (a *app) healthHandler(w http.ResponseWriter, r *http.Request) {
	rep, code := a.health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		log.Debug().Err(err).Msg("Failed to write health response")
	}
}

func (a *app) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", a.healthHandler)
	return mux
}

// startMetricsServer serves /metrics and /healthz on addr until ctx is
// cancelled. An empty addr disables the endpoint.
func (a *app) startMetricsServer(ctx context.Context, addr string) {
	if addr == "" {
		log.Info().Msg("Metrics endpoint disabled")
		return
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      a.metricsMux(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Failed to shut down metrics server cleanly")
		}
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("Metrics and health endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Metrics server stopped unexpectedly")
		}
	}()
}
