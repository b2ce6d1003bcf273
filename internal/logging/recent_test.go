package logging

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestRecentBufferTailFiltersAndOrders(t *testing.T) {
	b := NewRecentBuffer(8)
	logger := zerolog.New(b).With().Timestamp().Str("component", "sentinel").Logger()

	logger.Info().Msg("started")
	logger.Warn().Str("server", "prod").Msg("probe failed")
	logger.Debug().Msg("noise")
	logger.Error().Str("provider", "openai").Msg("circuit open")
	_, _ = b.Write([]byte("not json\n"))

	lines := b.Tail(10, zerolog.WarnLevel)
	if len(lines) != 2 {
		t.Fatalf("Tail returned %d lines, want 2: %#v", len(lines), lines)
	}
	if lines[0].Message != "probe failed" || lines[1].Message != "circuit open" {
		t.Fatalf("unexpected order: %q, %q", lines[0].Message, lines[1].Message)
	}
	if lines[0].Fields["server"] != "prod" {
		t.Fatalf("expected server field, got %#v", lines[0].Fields)
	}
	if _, ok := lines[0].Fields["component"]; ok {
		t.Fatal("component field should be dropped")
	}

	got := lines[1].String()
	if !strings.Contains(got, "ERR circuit open provider=openai") {
		t.Fatalf("String() = %q", got)
	}

	if all := b.Tail(0, zerolog.TraceLevel); len(all) != 4 {
		t.Fatalf("Tail(0) returned %d lines, want 4", len(all))
	}
	if last := b.Tail(1, zerolog.TraceLevel); len(last) != 1 || last[0].Message != "circuit open" {
		t.Fatalf("Tail(1) = %#v", last)
	}
}

func TestRecentBufferWraps(t *testing.T) {
	b := NewRecentBuffer(3)
	logger := zerolog.New(b)
	for _, msg := range []string{"a", "b", "c", "d"} {
		logger.Info().Msg(msg)
	}

	lines := b.Tail(0, zerolog.TraceLevel)
	if len(lines) != 3 {
		t.Fatalf("Tail returned %d lines, want 3", len(lines))
	}
	if lines[0].Message != "b" || lines[2].Message != "d" {
		t.Fatalf("unexpected lines after wrap: %#v", lines)
	}
}

func TestInitTeesIntoRecentBuffer(t *testing.T) {
	t.Cleanup(resetLoggingState)

	logger := Init(Config{Format: "json", Level: "info", Component: "sentinel"})

	logger.Warn().Str("chat_id", "C42").Msg("recent-buffer-marker")

	for _, l := range Recent().Tail(20, zerolog.WarnLevel) {
		if l.Message == "recent-buffer-marker" && l.Fields["chat_id"] == "C42" {
			return
		}
	}
	t.Fatal("Init logger did not write to the recent buffer")
}

func TestGlobalLevelSetAndGet(t *testing.T) {
	t.Cleanup(resetLoggingState)

	SetGlobalLevel("warn")
	if got := GetGlobalLevel(); got != "warn" {
		t.Fatalf("GetGlobalLevel() = %q, want %q", got, "warn")
	}

	// Unknown levels fall back to info via parseLevel.
	SetGlobalLevel("not-a-level")
	if got := GetGlobalLevel(); got != "info" {
		t.Fatalf("GetGlobalLevel() with invalid level = %q, want %q", got, "info")
	}
}
