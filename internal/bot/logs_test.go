package bot

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/rcourtman/pulse-sentinel/internal/logging"
)

func TestLogsShowsRecentWarnings(t *testing.T) {
	h := newBotHarness(t)

	logger := zerolog.New(logging.Recent()).With().Timestamp().Logger()
	logger.Warn().Str("server", "prod").Msg("bot-logs-marker")
	logger.Info().Msg("bot-logs-info-marker")

	h.say("/logs 50")
	out := h.out.last()
	assert.Contains(t, out, "WRN bot-logs-marker server=prod")
	assert.NotContains(t, out, "bot-logs-info-marker")

	h.say("/logs info 50")
	assert.Contains(t, h.out.last(), "bot-logs-info-marker")

	h.say("/logs loud")
	assert.Contains(t, h.out.last(), "Invalid input")

	h.say("/logs 0")
	assert.Contains(t, h.out.last(), "Invalid input")
}

func TestLogLevel(t *testing.T) {
	h := newBotHarness(t)
	previous := logging.GetGlobalLevel()
	t.Cleanup(func() { logging.SetGlobalLevel(previous) })

	h.say("/loglevel debug")
	assert.Equal(t, "Log level set to debug.", h.out.last())
	assert.Equal(t, "debug", logging.GetGlobalLevel())

	h.say("/loglevel")
	assert.Equal(t, "Log level: debug", h.out.last())

	h.say("/loglevel chatty")
	assert.Contains(t, h.out.last(), "Invalid input")
	assert.Equal(t, "debug", logging.GetGlobalLevel())
}
