package console

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-sentinel/internal/ai/approval"
	"github.com/rcourtman/pulse-sentinel/internal/ai/session"
	"github.com/rcourtman/pulse-sentinel/internal/bot"
)

func TestRunTurnsLinesIntoEvents(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader("/servers\n\n  why so slow?  \n/quit\n/status\n"), &out, "local")

	var got []bot.Event
	err := c.Run(context.Background(), func(_ context.Context, ev bot.Event) {
		got = append(got, ev)
	})
	require.NoError(t, err)

	assert.Equal(t, []bot.Event{
		{ChatID: ChatID, UserID: "local", Text: "/servers"},
		{ChatID: ChatID, UserID: "local", Text: "why so slow?"},
	}, got, "input after /quit is not read")
	assert.NotContains(t, out.String(), prompt, "no prompt when stdin is not a terminal")
}

func TestYesNoDecidesLastProposal(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader("/investigate prod\ny\nn\n"), &out, "local")

	var got []bot.Event
	err := c.Run(context.Background(), func(ctx context.Context, ev bot.Event) {
		got = append(got, ev)
		if ev.Text == "/investigate prod" {
			require.NoError(t, c.PresentApproval(ctx, ChatID, approval.ProposedCommand{
				ID:        "01HX",
				Command:   "df -h",
				Key:       session.Key{ChatID: ChatID, Server: "prod"},
				Risk:      approval.RiskLow,
				ExpiresAt: time.Now().Add(5 * time.Minute),
			}))
		}
	})
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, bot.CallbackRun+"01HX", got[1].CallbackID)
	assert.Equal(t, "n", got[2].Text, "a decided proposal is forgotten")
	assert.Contains(t, out.String(), "Proposed command on prod (risk low):\n  df -h")
	assert.Contains(t, out.String(), "Run it? [y/n]")
}

func TestSendText(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader(""), &out, "local")
	require.NoError(t, c.SendText(context.Background(), ChatID, "hello"))
	assert.Equal(t, "hello\n", out.String())
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(strings.NewReader("/status\n"), &bytes.Buffer{}, "local")
	assert.NoError(t, c.Run(ctx, func(context.Context, bot.Event) {}))
}
