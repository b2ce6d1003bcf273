package slackchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-sentinel/internal/ai/approval"
	"github.com/rcourtman/pulse-sentinel/internal/ai/session"
	"github.com/rcourtman/pulse-sentinel/internal/bot"
)

type apiCall struct {
	method string
	form   url.Values
}

type fakeSlackAPI struct {
	mu    sync.Mutex
	calls []apiCall
}

func newFakeSlack(t *testing.T) (*fakeSlackAPI, *Transport) {
	t.Helper()
	f := &fakeSlackAPI{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		f.calls = append(f.calls, apiCall{method: r.URL.Path, form: r.PostForm})
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":      true,
			"channel": r.PostForm.Get("channel"),
			"ts":      "1700000000.000100",
			"user_id": "UBOT",
			"user":    "sentinel",
			"team":    "ops",
		})
	}))
	t.Cleanup(srv.Close)

	client := slack.New("xoxb-test", slack.OptionAPIURL(srv.URL+"/"))
	return f, &Transport{client: client}
}

func (f *fakeSlackAPI) snapshot() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func collectEvents(t *testing.T, tr *Transport, events ...socketmode.Event) ([]bot.Event, []string) {
	t.Helper()

	ch := make(chan socketmode.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)

	var mu sync.Mutex
	var got []bot.Event
	var acked []string
	tr.handleEventsLoop(context.Background(), ch,
		func(req socketmode.Request) {
			mu.Lock()
			acked = append(acked, req.EnvelopeID)
			mu.Unlock()
		},
		func(_ context.Context, ev bot.Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
	tr.wg.Wait()
	return got, acked
}

func callbackEvent(envelope string, inner interface{}) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: inner},
		},
		Request: &socketmode.Request{EnvelopeID: envelope},
	}
}

func TestNewRequiresBothTokens(t *testing.T) {
	_, err := New("xoxb-1", "")
	assert.Error(t, err)
	_, err = New("xoxb-1", "xoxb-2")
	assert.ErrorContains(t, err, "xapp-")

	tr, err := New("xoxb-1", "xapp-1")
	require.NoError(t, err)
	assert.NotNil(t, tr.socketClient)
}

func TestMentionsAndDirectMessagesBecomeEvents(t *testing.T) {
	_, tr := newFakeSlack(t)
	tr.botUserID = "UBOT"

	got, acked := collectEvents(t, tr,
		socketmode.Event{Type: socketmode.EventTypeConnected},
		callbackEvent("e1", &slackevents.AppMentionEvent{Channel: "C1", User: "U1", Text: "<@UBOT> /exec prod ps aux | grep nginx &gt; /tmp/x"}),
		callbackEvent("e2", &slackevents.MessageEvent{Channel: "D1", ChannelType: "im", User: "U1", Text: "why is it slow?"}),
		callbackEvent("e3", &slackevents.MessageEvent{Channel: "D1", ChannelType: "im", User: "UBOT", Text: "my own reply"}),
		callbackEvent("e4", &slackevents.MessageEvent{Channel: "D1", ChannelType: "im", BotID: "B1", Text: "bot"}),
		callbackEvent("e5", &slackevents.MessageEvent{Channel: "C1", ChannelType: "channel", User: "U1", Text: "chatter"}),
	)

	assert.Equal(t, []string{"e1", "e2", "e3", "e4", "e5"}, acked)
	assert.ElementsMatch(t, []bot.Event{
		{ChatID: "C1", UserID: "U1", Text: "/exec prod ps aux | grep nginx > /tmp/x"},
		{ChatID: "D1", UserID: "U1", Text: "why is it slow?"},
	}, got)
}

func TestSlashCommandBecomesEvent(t *testing.T) {
	_, tr := newFakeSlack(t)

	got, acked := collectEvents(t, tr, socketmode.Event{
		Type:    socketmode.EventTypeSlashCommand,
		Data:    slack.SlashCommand{Command: "/investigate", Text: "prod nginx 502", ChannelID: "C1", UserID: "U1"},
		Request: &socketmode.Request{EnvelopeID: "s1"},
	})

	assert.Equal(t, []string{"s1"}, acked)
	require.Len(t, got, 1)
	assert.Equal(t, "/investigate prod nginx 502", got[0].Text)
}

func TestButtonPressBecomesCallbackAndClosesMessage(t *testing.T) {
	f, tr := newFakeSlack(t)

	cb := slack.InteractionCallback{
		Type: slack.InteractionTypeBlockActions,
		User: slack.User{ID: "U1"},
		ActionCallback: slack.ActionCallbacks{BlockActions: []*slack.BlockAction{
			{ActionID: actionRun, Value: bot.CallbackRun + "01HX"},
		}},
	}
	cb.Channel.ID = "C1"
	cb.Message.Timestamp = "1700000000.000100"

	got, _ := collectEvents(t, tr, socketmode.Event{
		Type:    socketmode.EventTypeInteractive,
		Data:    cb,
		Request: &socketmode.Request{EnvelopeID: "i1"},
	})

	require.Len(t, got, 1)
	assert.Equal(t, bot.Event{ChatID: "C1", UserID: "U1", CallbackID: "run:01HX"}, got[0])

	calls := f.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "/chat.update", calls[0].method)
	assert.Equal(t, "Run by <@U1>", calls[0].form.Get("text"))
	assert.NotContains(t, calls[0].form.Get("blocks"), actionRun)
}

func TestPresentApprovalPostsButtons(t *testing.T) {
	f, tr := newFakeSlack(t)

	pc := approval.ProposedCommand{
		ID:        "01HX",
		Command:   "df -h",
		Key:       session.Key{ChatID: "C1", Server: "prod"},
		Risk:      approval.RiskLow,
		ExpiresAt: time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC),
	}
	require.NoError(t, tr.PresentApproval(context.Background(), "C1", pc))

	calls := f.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "/chat.postMessage", calls[0].method)
	assert.Equal(t, "C1", calls[0].form.Get("channel"))

	var blocks []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(calls[0].form.Get("blocks")), &blocks))
	require.Len(t, blocks, 3)
	assert.Equal(t, "actions", blocks[1]["type"])

	elements := blocks[1]["elements"].([]interface{})
	require.Len(t, elements, 2)
	run := elements[0].(map[string]interface{})
	skip := elements[1].(map[string]interface{})
	assert.Equal(t, "run:01HX", run["value"])
	assert.Equal(t, "primary", run["style"])
	assert.Equal(t, "skip:01HX", skip["value"])
	assert.Equal(t, "danger", skip["style"])

	assert.Contains(t, calls[0].form.Get("blocks"), "expires 09:05:00 UTC")
}

func TestSendText(t *testing.T) {
	f, tr := newFakeSlack(t)
	require.NoError(t, tr.SendText(context.Background(), "C1", "hello"))

	calls := f.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "hello", calls[0].form.Get("text"))
}
