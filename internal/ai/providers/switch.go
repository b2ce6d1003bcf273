package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcourtman/pulse-sentinel/internal/ai/circuit"
	"github.com/rcourtman/pulse-sentinel/internal/config"
	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
	"github.com/rs/zerolog/log"
)

// Factory builds a Provider from configuration.
type Factory func(cfg config.ProviderConfig, timeout time.Duration) (Provider, error)

// Switch holds the one active provider of the deployment. Switching swaps
// the backend for subsequent calls; in-flight calls finish on the old one.
type Switch struct {
	mu       sync.RWMutex
	cfg      config.ProviderConfig
	provider Provider
	breaker  *circuit.Breaker

	factory     Factory
	timeout     time.Duration
	onSwitch    []func(config.ProviderConfig)
	breakerHook func(name string, from, to circuit.State)
}

// NewSwitch builds the initial provider from cfg.
func NewSwitch(cfg config.ProviderConfig, timeout time.Duration, factory Factory) (*Switch, error) {
	if factory == nil {
		factory = NewFromConfig
	}
	p, err := factory(cfg, timeout)
	if err != nil {
		return nil, err
	}
	return &Switch{
		cfg:      cfg,
		provider: p,
		breaker:  circuit.NewBreaker(cfg.Name, circuit.DefaultConfig()),
		factory:  factory,
		timeout:  timeout,
	}, nil
}

// OnSwitch registers a callback run after every successful switch.
func (s *Switch) OnSwitch(fn func(config.ProviderConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSwitch = append(s.onSwitch, fn)
}

// OnBreakerChange registers fn on the breaker of the active provider and on
// every breaker created by later switches.
func (s *Switch) OnBreakerChange(fn func(name string, from, to circuit.State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakerHook = fn
	s.breaker.SetOnStateChange(fn)
}

// Set replaces the active provider. Session history is untouched; only the
// effective context budget changes with the new model.
func (s *Switch) Set(cfg config.ProviderConfig) error {
	p, err := s.factory(cfg, s.timeout)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.provider = p
	if prev.Name != cfg.Name {
		s.breaker = circuit.NewBreaker(cfg.Name, circuit.DefaultConfig())
		if s.breakerHook != nil {
			s.breaker.SetOnStateChange(s.breakerHook)
		}
	}
	hooks := append([]func(config.ProviderConfig){}, s.onSwitch...)
	s.mu.Unlock()

	log.Info().
		Str("from_provider", prev.Name).
		Str("from_model", prev.Model).
		Str("provider", cfg.Name).
		Str("model", cfg.Model).
		Msg("AI provider switched")

	for _, fn := range hooks {
		fn(cfg)
	}
	return nil
}

// SetModel changes only the model of the active provider.
func (s *Switch) SetModel(model string) error {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	if model == "" {
		return fmt.Errorf("%w: model name is empty", sentinelerrors.ErrInvalidInput)
	}
	cfg.Model = model
	return s.Set(cfg)
}

// Config returns the active provider configuration.
func (s *Switch) Config() config.ProviderConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Switch) active() (Provider, config.ProviderConfig, *circuit.Breaker) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider, s.cfg, s.breaker
}

// Name returns the active provider name.
func (s *Switch) Name() string {
	p, _, _ := s.active()
	return p.Name()
}

// Complete calls the active provider through its circuit breaker. An empty
// model uses the configured one.
func (s *Switch) Complete(ctx context.Context, history []Message, model string) (*ChatResponse, error) {
	p, cfg, breaker := s.active()
	if model == "" {
		model = cfg.Model
	}
	if !breaker.Allow() {
		status := breaker.GetStatus()
		return nil, sentinelerrors.NewOpError(sentinelerrors.ErrorTypeConnection, "chat", p.Name(),
			fmt.Errorf("%w after repeated failures, retrying in %s", circuit.ErrCircuitOpen, status.TimeUntilRetry.Round(time.Second)))
	}

	resp, err := p.Complete(ctx, history, model)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			breaker.RecordFailure(err)
		}
		return nil, err
	}
	breaker.RecordSuccess()
	return resp, nil
}

// ListModels lists models of the active provider.
func (s *Switch) ListModels(ctx context.Context) ([]ModelInfo, error) {
	p, _, _ := s.active()
	return p.ListModels(ctx)
}

// EstimateTokens uses the active provider's estimator.
func (s *Switch) EstimateTokens(text string) int {
	p, _, _ := s.active()
	return p.EstimateTokens(text)
}

// TestConnection checks the active provider.
func (s *Switch) TestConnection(ctx context.Context) error {
	p, _, _ := s.active()
	return p.TestConnection(ctx)
}

// CountTokens returns an exact count when the active provider has a
// tokenizer endpoint. exact is false when the heuristic was used.
func (s *Switch) CountTokens(ctx context.Context, history []Message) (count int, exact bool, err error) {
	p, cfg, _ := s.active()
	if counter, ok := p.(TokenCounter); ok {
		n, err := counter.CountTokens(ctx, history, cfg.Model)
		if err != nil {
			return 0, false, err
		}
		return n, true, nil
	}
	return EstimateMessages(history), false, nil
}

// ContextWindow returns the context window of the active model.
func (s *Switch) ContextWindow() int {
	_, cfg, _ := s.active()
	return ContextWindow(cfg.Name, cfg.Model)
}

// PromptBudget returns the prompt token budget of the active model.
func (s *Switch) PromptBudget() int {
	return PromptBudget(s.ContextWindow())
}

// BreakerStatus reports the active provider's circuit breaker.
func (s *Switch) BreakerStatus() circuit.Status {
	_, _, breaker := s.active()
	return breaker.GetStatus()
}
