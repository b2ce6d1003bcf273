// Package slackchat connects the bot to Slack over Socket Mode. Messages,
// app mentions and slash commands become bot events; proposed commands are
// posted with Run and Skip buttons whose values carry the callback ids.
package slackchat

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/rcourtman/pulse-sentinel/internal/ai/approval"
	"github.com/rcourtman/pulse-sentinel/internal/bot"
)

// Action ids of the approval buttons.
const (
	actionRun  = "sentinel_run"
	actionSkip = "sentinel_skip"
)

var mentionRe = regexp.MustCompile(`^\s*<@[A-Z0-9]+>\s*`)

// Slack escapes these three characters in message text.
var unescaper = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")

// api is the part of *slack.Client the transport uses.
type api interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

// Handler receives every inbound event.
type Handler func(ctx context.Context, ev bot.Event)

// Transport is a Slack Socket Mode chat transport.
type Transport struct {
	client       api
	socketClient *socketmode.Client

	botUserID string
	wg        sync.WaitGroup
}

// New creates a transport from a bot token (xoxb-) and an app-level token
// (xapp-).
func New(botToken, appToken string) (*Transport, error) {
	if botToken == "" || appToken == "" {
		return nil, fmt.Errorf("slack needs both a bot token and an app-level token")
	}
	if !strings.HasPrefix(appToken, "xapp-") {
		return nil, fmt.Errorf("slack app-level token must start with xapp-")
	}
	client := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	return &Transport{
		client:       client,
		socketClient: socketmode.New(client),
	}, nil
}

// Run connects to Slack and dispatches events to handle until ctx is
// cancelled. Each event is handled on its own goroutine; Run waits for
// them before returning.
func (t *Transport) Run(ctx context.Context, handle Handler) error {
	auth, err := t.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	t.botUserID = auth.UserID
	log.Info().Str("team", auth.Team).Str("bot_user", auth.User).Msg("Slack credentials verified")

	errCh := make(chan error, 1)
	go func() {
		errCh <- t.socketClient.RunContext(ctx)
	}()

	t.handleEventsLoop(ctx, t.socketClient.Events, func(req socketmode.Request) {
		t.socketClient.Ack(req)
	}, handle)
	t.wg.Wait()

	select {
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("slack socket mode: %w", err)
		}
	default:
	}
	return nil
}

func (t *Transport) handleEventsLoop(ctx context.Context, events <-chan socketmode.Event, ack func(socketmode.Request), handle Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			t.handleEvent(ctx, evt, ack, handle)
		}
	}
}

func (t *Transport) handleEvent(ctx context.Context, evt socketmode.Event, ack func(socketmode.Request), handle Handler) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		log.Info().Msg("Connecting to Slack Socket Mode")
	case socketmode.EventTypeConnectionError:
		log.Warn().Msg("Slack Socket Mode connection failed, retrying")
	case socketmode.EventTypeConnected:
		log.Info().Msg("Connected to Slack Socket Mode")

	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			ack(*evt.Request)
		}
		if eventsAPIEvent.Type != slackevents.CallbackEvent {
			return
		}
		switch ev := eventsAPIEvent.InnerEvent.Data.(type) {
		case *slackevents.AppMentionEvent:
			t.dispatch(ctx, handle, bot.Event{ChatID: ev.Channel, UserID: ev.User, Text: cleanText(ev.Text)})
		case *slackevents.MessageEvent:
			// Channel messages arrive as app mentions; only direct messages are
			// taken from the message stream.
			if ev.ChannelType != "im" || ev.BotID != "" || ev.SubType != "" || ev.User == t.botUserID {
				return
			}
			t.dispatch(ctx, handle, bot.Event{ChatID: ev.Channel, UserID: ev.User, Text: cleanText(ev.Text)})
		}

	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slack.SlashCommand)
		if !ok {
			return
		}
		if evt.Request != nil {
			ack(*evt.Request)
		}
		text := strings.TrimSpace(cmd.Command + " " + cleanText(cmd.Text))
		t.dispatch(ctx, handle, bot.Event{ChatID: cmd.ChannelID, UserID: cmd.UserID, Text: text})

	case socketmode.EventTypeInteractive:
		cb, ok := evt.Data.(slack.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			ack(*evt.Request)
		}
		if cb.Type != slack.InteractionTypeBlockActions {
			return
		}
		for _, action := range cb.ActionCallback.BlockActions {
			if action.ActionID != actionRun && action.ActionID != actionSkip {
				continue
			}
			t.closeApproval(ctx, cb.Channel.ID, cb.Message.Timestamp, cb.User.ID, action.ActionID)
			t.dispatch(ctx, handle, bot.Event{ChatID: cb.Channel.ID, UserID: cb.User.ID, CallbackID: action.Value})
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, handle Handler, ev bot.Event) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		handle(ctx, ev)
	}()
}

// closeApproval replaces the buttons of an approval message with the
// decision, so the same message cannot be pressed twice.
func (t *Transport) closeApproval(ctx context.Context, channelID, ts, userID, actionID string) {
	if ts == "" {
		return
	}
	verb := "Run"
	if actionID == actionSkip {
		verb = "Skipped"
	}
	text := fmt.Sprintf("%s by <@%s>", verb, userID)
	_, _, _, err := t.client.UpdateMessageContext(ctx, channelID, ts,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)),
	)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", channelID).Msg("Failed to update approval message")
	}
}

// SendText posts a plain message.
func (t *Transport) SendText(ctx context.Context, chatID, text string) error {
	if _, _, err := t.client.PostMessageContext(ctx, chatID, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("post to %s: %w", chatID, err)
	}
	return nil
}

// PresentApproval posts a proposed command with Run and Skip buttons.
func (t *Transport) PresentApproval(ctx context.Context, chatID string, pc approval.ProposedCommand) error {
	_, _, err := t.client.PostMessageContext(ctx, chatID,
		slack.MsgOptionText(fmt.Sprintf("Proposed command on %s: %s", pc.Key.Server, pc.Command), false),
		slack.MsgOptionBlocks(approvalBlocks(pc)...),
	)
	if err != nil {
		return fmt.Errorf("post approval to %s: %w", chatID, err)
	}
	return nil
}

func approvalBlocks(pc approval.ProposedCommand) []slack.Block {
	body := fmt.Sprintf("Proposed command on *%s*:\n```%s```", pc.Key.Server, pc.Command)
	if pc.Risk != "" {
		body += fmt.Sprintf("\nRisk: %s", pc.Risk)
	}
	run := slack.NewButtonBlockElement(actionRun, bot.CallbackRun+pc.ID,
		slack.NewTextBlockObject(slack.PlainTextType, "Run", false, false)).WithStyle(slack.StylePrimary)
	skip := slack.NewButtonBlockElement(actionSkip, bot.CallbackSkip+pc.ID,
		slack.NewTextBlockObject(slack.PlainTextType, "Skip", false, false)).WithStyle(slack.StyleDanger)

	footer := fmt.Sprintf("id `%s`", pc.ID)
	if !pc.ExpiresAt.IsZero() {
		footer += fmt.Sprintf(", expires %s", pc.ExpiresAt.UTC().Format(time.TimeOnly)+" UTC")
	}
	return []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, body, false, false), nil, nil),
		slack.NewActionBlock("approval_"+pc.ID, run, skip),
		slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, footer, false, false)),
	}
}

func cleanText(s string) string {
	return strings.TrimSpace(unescaper.Replace(mentionRe.ReplaceAllString(s, "")))
}
