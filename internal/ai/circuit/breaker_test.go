package circuit

import (
	"errors"
	"testing"
	"time"

	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
)

func unavailable() error {
	return sentinelerrors.WrapProviderError("chat", "openai", errors.New("bad gateway"), 502)
}

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := NewBreaker("test", cfg)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_InitialState(t *testing.T) {
	b := NewBreaker("test", DefaultConfig())

	if b.State() != StateClosed {
		t.Errorf("Expected initial state to be Closed, got %s", b.State())
	}
	if !b.Allow() {
		t.Error("Expected Allow() to return true in Closed state")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		b.RecordFailure(unavailable())
	}
	if b.State() != StateClosed {
		t.Fatalf("Expected Closed below threshold, got %s", b.State())
	}

	b.RecordFailure(unavailable())
	if b.State() != StateOpen {
		t.Fatalf("Expected Open after threshold, got %s", b.State())
	}
	if b.Allow() {
		t.Error("Expected Allow() to return false in Open state")
	}
}

func TestBreaker_RateLimitTripsImmediately(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())

	b.RecordFailure(sentinelerrors.WrapProviderError("chat", "gemini", errors.New("quota"), 429))
	if b.State() != StateOpen {
		t.Fatalf("Expected Open after rate limit, got %s", b.State())
	}
}

func TestBreaker_IgnoresNonHealthErrors(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})

	b.RecordFailure(sentinelerrors.WrapProviderError("chat", "openai", errors.New("no such model"), 404))
	b.RecordFailure(sentinelerrors.WrapProviderError("chat", "openai", errors.New("bad key"), 401))
	b.RecordFailure(errors.New("failed to parse response"))

	if b.State() != StateClosed {
		t.Fatalf("Expected Closed, got %s", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, InitialBackoff: time.Second, MaxBackoff: 4 * time.Second})

	var transitions []State
	b.SetOnStateChange(func(_ string, _, to State) { transitions = append(transitions, to) })

	b.RecordFailure(unavailable())
	if b.Allow() {
		t.Fatal("Expected call blocked while backoff runs")
	}

	*now = now.Add(time.Second)
	if !b.Allow() {
		t.Fatal("Expected probe allowed after backoff")
	}
	if b.Allow() {
		t.Fatal("Expected only one probe in flight")
	}

	// Failed probe doubles the backoff.
	b.RecordFailure(unavailable())
	if got := b.GetStatus().TimeUntilRetry; got != 2*time.Second {
		t.Fatalf("Expected 2s until retry, got %s", got)
	}

	*now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatal("Expected second probe allowed")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("Expected Closed after successful probe, got %s", b.State())
	}

	want := []State{StateOpen, StateHalfOpen, StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	failure := unavailable()
	if err := b.Execute(func() error { return failure }); !errors.Is(err, failure) {
		t.Fatalf("expected operation error, got %v", err)
	}
	if err := b.Execute(func() error { t.Fatal("operation must not run"); return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("Expected Closed after reset, got %s", b.State())
	}
}
