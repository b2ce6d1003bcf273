// Package circuit guards AI provider calls: after repeated transient failures
// the breaker opens and calls fail fast until a probe succeeds again.
package circuit

import (
	"errors"
	"sync"
	"time"

	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
	"github.com/rs/zerolog/log"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed means calls flow normally
	StateClosed State = iota
	// StateOpen means calls are rejected without reaching the provider
	StateOpen
	// StateHalfOpen means one probe call is allowed through
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorCategory decides how a failure counts against the breaker.
type ErrorCategory int

const (
	// ErrorCategoryTransient counts toward the failure threshold
	ErrorCategoryTransient ErrorCategory = iota
	// ErrorCategoryRateLimit trips immediately
	ErrorCategoryRateLimit
	// ErrorCategoryIgnored never trips (bad model, bad credentials, malformed replies)
	ErrorCategoryIgnored
)

// Config configures the circuit breaker behavior
type Config struct {
	FailureThreshold  int
	SuccessThreshold  int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultConfig returns the breaker settings used for provider calls.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		SuccessThreshold:  1,
		InitialBackoff:    10 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// ErrCircuitOpen is returned when a call is blocked by an open circuit.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker implements the circuit breaker pattern
type Breaker struct {
	mu sync.Mutex

	config Config
	name   string
	state  State
	now    func() time.Time

	consecutiveFailures  int
	consecutiveSuccesses int
	currentBackoff       time.Duration
	openedAt             time.Time
	probeInFlight        bool
	lastError            error
	totalTrips           int64

	onStateChange func(name string, from, to State)
}

// NewBreaker creates a breaker, filling zero config fields with defaults.
func NewBreaker(name string, config Config) *Breaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.BackoffMultiplier <= 1 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}

	return &Breaker{
		config:         config,
		name:           name,
		state:          StateClosed,
		now:            time.Now,
		currentBackoff: config.InitialBackoff,
	}
}

// SetOnStateChange registers a callback invoked synchronously on transitions.
func (b *Breaker) SetOnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow reports whether a call may proceed. It moves an open breaker whose
// backoff elapsed to half-open and reserves the single probe slot.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.currentBackoff {
			return false
		}
		b.transitionTo(StateHalfOpen)
		b.probeInFlight = true
		log.Info().Str("breaker", b.name).Msg("Circuit breaker half-open, probing provider")
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
			b.currentBackoff = b.config.InitialBackoff
			log.Info().Str("breaker", b.name).Msg("Circuit breaker closed, provider recovered")
		}
	}
}

// RecordFailure records a failed call, classified with CategorizeError.
func (b *Breaker) RecordFailure(err error) {
	category := CategorizeError(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastError = err
	b.consecutiveSuccesses = 0

	switch category {
	case ErrorCategoryIgnored:
		if b.state == StateHalfOpen {
			b.probeInFlight = false
		}
		return
	case ErrorCategoryRateLimit:
		b.consecutiveFailures = b.config.FailureThreshold
	default:
		b.consecutiveFailures++
	}

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.trip(err)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.currentBackoff = time.Duration(float64(b.currentBackoff) * b.config.BackoffMultiplier)
		if b.currentBackoff > b.config.MaxBackoff {
			b.currentBackoff = b.config.MaxBackoff
		}
		b.trip(err)
	}
}

func (b *Breaker) trip(err error) {
	b.transitionTo(StateOpen)
	b.openedAt = b.now()
	b.probeInFlight = false
	b.totalTrips++

	log.Warn().
		Str("breaker", b.name).
		Dur("backoff", b.currentBackoff).
		Int("failures", b.consecutiveFailures).
		Err(err).
		Msg("Circuit breaker tripped")
}

func (b *Breaker) transitionTo(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if b.onStateChange != nil {
		b.onStateChange(b.name, prev, next)
	}
}

// Reset closes the breaker and clears failure history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionTo(StateClosed)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.currentBackoff = b.config.InitialBackoff
	b.probeInFlight = false
	b.lastError = nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status is a point-in-time summary shown by /ai_info.
type Status struct {
	Name           string
	State          State
	Failures       int
	TotalTrips     int64
	LastError      string
	TimeUntilRetry time.Duration
}

// GetStatus returns the current status of the breaker.
func (b *Breaker) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := Status{
		Name:       b.name,
		State:      b.state,
		Failures:   b.consecutiveFailures,
		TotalTrips: b.totalTrips,
	}
	if b.lastError != nil {
		status.LastError = b.lastError.Error()
	}
	if b.state == StateOpen {
		if retryIn := b.currentBackoff - b.now().Sub(b.openedAt); retryIn > 0 {
			status.TimeUntilRetry = retryIn
		}
	}
	return status
}

// Execute runs operation when the breaker allows it and records the outcome.
func (b *Breaker) Execute(operation func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	if err := operation(); err != nil {
		b.RecordFailure(err)
		return err
	}
	b.RecordSuccess()
	return nil
}

// CategorizeError maps the error taxonomy onto breaker categories. Only
// connectivity problems, timeouts and rate limits say anything about
// provider health.
func CategorizeError(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryIgnored
	case errors.Is(err, sentinelerrors.ErrRateLimited):
		return ErrorCategoryRateLimit
	case errors.Is(err, sentinelerrors.ErrModelNotFound),
		errors.Is(err, sentinelerrors.ErrInvalidInput),
		errors.Is(err, sentinelerrors.ErrBudgetExceeded),
		sentinelerrors.IsAuthError(err):
		return ErrorCategoryIgnored
	case errors.Is(err, sentinelerrors.ErrConnectionFailed),
		errors.Is(err, sentinelerrors.ErrTimeout),
		errors.Is(err, sentinelerrors.ErrProviderUnavailable):
		return ErrorCategoryTransient
	}
	// Anything else (malformed replies, canceled contexts) is not a health signal.
	return ErrorCategoryIgnored
}
