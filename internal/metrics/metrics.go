// Package metrics exposes Prometheus instrumentation for providers, the
// approval gate, the executor and investigations.
package metrics

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sentinel"

// maxLabelLen is the maximum length for a metric label value
const maxLabelLen = 64

// sanitizeLabel keeps label values short and free of spaces.
func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// Metrics holds every collector of the assistant.
type Metrics struct {
	aiRequests       *prometheus.CounterVec
	aiDuration       *prometheus.HistogramVec
	aiTokens         *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	commandStates    *prometheus.CounterVec
	commandDuration  prometheus.Histogram
	commandExitCodes *prometheus.CounterVec
	investigations   *prometheus.CounterVec
	activeInvest     prometheus.Gauge
	promptsTrimmed   prometheus.Counter
	chatEvents       *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Get returns the metrics registered on the default Prometheus registry.
func Get() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		aiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ai",
				Name:      "requests_total",
				Help:      "AI completion requests by provider, model and outcome",
			},
			[]string{"provider", "model", "outcome"},
		),
		aiDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ai",
				Name:      "request_duration_seconds",
				Help:      "AI completion latency by provider",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"provider"},
		),
		aiTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ai",
				Name:      "tokens_total",
				Help:      "Tokens consumed by provider, direction and whether the count was estimated",
			},
			[]string{"provider", "direction", "estimated"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ai",
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
			},
			[]string{"provider"},
		),
		commandStates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "command_transitions_total",
				Help:      "Proposed command state transitions",
			},
			[]string{"state"},
		),
		commandDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "command_duration_seconds",
				Help:      "Remote command wall time",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		commandExitCodes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "commands_total",
				Help:      "Remote commands by result (ok, nonzero, timeout, error)",
			},
			[]string{"result"},
		),
		investigations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "investigation",
				Name:      "finished_total",
				Help:      "Finished investigations by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		activeInvest: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "investigation",
				Name:      "active",
				Help:      "Investigations currently holding a concurrency slot",
			},
		),
		promptsTrimmed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "prompts_trimmed_total",
				Help:      "Prompts that dropped older turns to fit the context budget",
			},
		),
		chatEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bot",
				Name:      "events_total",
				Help:      "Inbound chat events by command and whether they were accepted",
			},
			[]string{"command", "accepted"},
		),
	}

	reg.MustRegister(
		m.aiRequests,
		m.aiDuration,
		m.aiTokens,
		m.breakerState,
		m.commandStates,
		m.commandDuration,
		m.commandExitCodes,
		m.investigations,
		m.activeInvest,
		m.promptsTrimmed,
		m.chatEvents,
	)
	return m
}

// RecordAIRequest records one completion call.
func (m *Metrics) RecordAIRequest(provider, model, outcome string, d time.Duration) {
	m.aiRequests.WithLabelValues(sanitizeLabel(provider), sanitizeLabel(model), sanitizeLabel(outcome)).Inc()
	m.aiDuration.WithLabelValues(sanitizeLabel(provider)).Observe(d.Seconds())
}

// RecordTokens records token usage of one completion.
func (m *Metrics) RecordTokens(provider string, input, output int, estimated bool) {
	est := strconv.FormatBool(estimated)
	m.aiTokens.WithLabelValues(sanitizeLabel(provider), "input", est).Add(float64(input))
	m.aiTokens.WithLabelValues(sanitizeLabel(provider), "output", est).Add(float64(output))
}

// SetBreakerState publishes the breaker state of a provider.
func (m *Metrics) SetBreakerState(provider string, state int) {
	m.breakerState.WithLabelValues(sanitizeLabel(provider)).Set(float64(state))
}

// RecordCommandState counts a gate transition.
func (m *Metrics) RecordCommandState(state string) {
	m.commandStates.WithLabelValues(sanitizeLabel(state)).Inc()
}

// RecordCommandRun records one executor run.
func (m *Metrics) RecordCommandRun(d time.Duration, exitCode int, timedOut bool, err error) {
	m.commandDuration.Observe(d.Seconds())
	result := "ok"
	switch {
	case timedOut:
		result = "timeout"
	case err != nil:
		result = "error"
	case exitCode != 0:
		result = "nonzero"
	}
	m.commandExitCodes.WithLabelValues(result).Inc()
}

// InvestigationStarted marks an investigation active and returns the function
// that records its outcome.
func (m *Metrics) InvestigationStarted(mode string) func(outcome string) {
	m.activeInvest.Inc()
	var once sync.Once
	return func(outcome string) {
		once.Do(func() {
			m.activeInvest.Dec()
			m.investigations.WithLabelValues(sanitizeLabel(mode), sanitizeLabel(outcome)).Inc()
		})
	}
}

// RecordPromptTrimmed counts a prompt that lost older turns.
func (m *Metrics) RecordPromptTrimmed() {
	m.promptsTrimmed.Inc()
}

// RecordChatEvent counts an inbound chat command.
func (m *Metrics) RecordChatEvent(command string, accepted bool) {
	m.chatEvents.WithLabelValues(sanitizeLabel(command), strconv.FormatBool(accepted)).Inc()
}
