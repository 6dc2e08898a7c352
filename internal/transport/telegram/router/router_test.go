package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kit "quotebot/internal/transport"
	"quotebot/pkg/logx"
	"quotebot/pkg/tgui"
)

type sent struct {
	To   kit.ChatTarget
	Text string
	Opt  *kit.SendOptions
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sent
	edits   []string
	answers map[string]string
}

func (f *fakeAdapter) Run(ctx context.Context, out chan<- kit.Update) error {
	<-ctx.Done()
	return nil
}

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{To: to, Text: text, Opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answers == nil {
		f.answers = map[string]string{}
	}
	f.answers[id] = text
	return nil
}

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.Text)
	}
	return out
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 1, ChatID: 500, From: kit.User{ID: from, Username: "u"}, Text: text,
	}}
}

func callback(from int64, data string) kit.Update {
	return kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb1", ChatID: 500, MessageID: 9, From: kit.User{ID: from}, Data: data,
	}}
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r := New(logx.Nop(), []int64{1}, WithBotName("@QuoteBot"), WithTimeout(time.Second))
	require.NoError(t, r.Register(Command{
		Name: "quote", Aliases: []string{"q"}, Description: "Show a quote", Usage: "/quote <id>",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, "quote "+strings.Join(req.Args, ","))
		},
	}))
	require.NoError(t, r.Register(Command{
		Name: "update", Description: "Refresh a quote", Access: AccessOwnerOnly,
		Handle: func(ctx context.Context, req *Request) error { return req.Reply(ctx, "updated") },
	}))
	return r
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		text string
		name string
		args []string
		ok   bool
	}{
		{"/quote 42", "quote", []string{"42"}, true},
		{"/Quote@QuoteBot 42", "quote", []string{"42"}, true},
		{"/quote@OtherBot 42", "", nil, false},
		{`/say "a b" c`, "say", []string{"a b", "c"}, true},
		{"hello", "", nil, false},
		{"/", "", nil, false},
	}
	for _, c := range cases {
		name, args, ok := parseCommand(c.text, "quotebot")
		require.Equal(t, c.ok, ok, c.text)
		if !ok {
			continue
		}
		require.Equal(t, c.name, name, c.text)
		require.Equal(t, c.args, args, c.text)
	}
}

func TestDispatchCommandAndAlias(t *testing.T) {
	r := newTestRouter(t)
	ad := &fakeAdapter{}
	ctx := context.Background()

	require.NoError(t, r.Dispatch(ctx, ad, msg(7, "/quote 12")))
	require.NoError(t, r.Dispatch(ctx, ad, msg(7, "/q 13")))
	require.Equal(t, []string{"quote 12", "quote 13"}, ad.texts())
}

func TestDispatchOwnerOnly(t *testing.T) {
	r := newTestRouter(t)
	ad := &fakeAdapter{}
	ctx := context.Background()

	require.NoError(t, r.Dispatch(ctx, ad, msg(7, "/update 1")))
	require.NoError(t, r.Dispatch(ctx, ad, msg(1, "/update 1")))
	got := ad.texts()
	require.Len(t, got, 2)
	require.Contains(t, got[0], "only available to the bot owner")
	require.Equal(t, "updated", got[1])
}

func TestDispatchUnknownCommand(t *testing.T) {
	r := newTestRouter(t)
	ad := &fakeAdapter{}
	ctx := context.Background()

	require.NoError(t, r.Dispatch(ctx, ad, msg(7, "/nope")))
	require.Contains(t, ad.texts()[0], "Unknown command")

	group := msg(7, "/nope")
	group.Message.IsGroup = true
	require.NoError(t, r.Dispatch(ctx, ad, group))
	require.Len(t, ad.texts(), 1)

	require.NoError(t, r.Dispatch(ctx, ad, msg(7, "just text")))
	require.Len(t, ad.texts(), 1)
}

func TestDispatchHandlerErrorAndPanic(t *testing.T) {
	r := New(logx.Nop(), nil)
	require.NoError(t, r.Register(Command{Name: "fail", Handle: func(context.Context, *Request) error {
		return errors.New("boom")
	}}))
	require.NoError(t, r.Register(Command{Name: "panic", Handle: func(context.Context, *Request) error {
		panic("bad")
	}}))
	ad := &fakeAdapter{}
	ctx := context.Background()

	require.EqualError(t, r.Dispatch(ctx, ad, msg(7, "/fail")), "boom")
	require.ErrorContains(t, r.Dispatch(ctx, ad, msg(7, "/panic")), "panic: bad")
	for _, txt := range ad.texts() {
		require.Contains(t, txt, "Something went wrong")
	}
}

func TestDispatchCallbacks(t *testing.T) {
	r := newTestRouter(t)
	var payload string
	require.NoError(t, r.HandleCallback(CallbackRoute{Scope: "quote", Action: "show", Handle: func(ctx context.Context, req *Request) error {
		payload = req.Payload
		return req.EditOrigin(ctx, "edited", nil)
	}}))
	ad := &fakeAdapter{}
	ctx := context.Background()

	require.NoError(t, r.Dispatch(ctx, ad, callback(7, "quote:show:42")))
	require.Equal(t, "42", payload)
	require.Equal(t, []string{"edited"}, ad.edits)
	// unanswered callbacks are acknowledged with an empty toast
	require.Equal(t, "", ad.answers["cb1"])

	require.NoError(t, r.Dispatch(ctx, ad, callback(7, "old:thing")))
	require.Contains(t, ad.answers["cb1"], "no longer supported")
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := newTestRouter(t)
	h := func(context.Context, *Request) error { return nil }
	require.Error(t, r.Register(Command{Name: "q", Handle: h}))
	require.Error(t, r.Register(Command{Name: "", Handle: h}))
	require.NoError(t, r.HandleCallback(CallbackRoute{Scope: "a", Action: "b", Handle: h}))
	require.Error(t, r.HandleCallback(CallbackRoute{Scope: "a", Action: "b", Handle: h}))

	err := r.HandleCallback(CallbackRoute{Scope: "quote", Action: strings.Repeat("x", 64), Handle: h})
	require.ErrorIs(t, err, tgui.ErrCallbackDataTooLong, "a route whose data cannot fit a button is rejected")
}

func TestMiddlewareOrderAndTimeout(t *testing.T) {
	r := New(logx.Nop(), nil, WithTimeout(20*time.Millisecond))
	var order []string
	r.Use(
		func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *Request) error { order = append(order, "a"); return next(ctx, req) }
		},
		func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *Request) error { order = append(order, "b"); return next(ctx, req) }
		},
	)
	require.NoError(t, r.Register(Command{Name: "slow", Handle: func(ctx context.Context, req *Request) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	err := r.Dispatch(context.Background(), &fakeAdapter{}, msg(7, "/slow"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, []string{"a", "b"}, order)
}

func TestServeStopsOnCancel(t *testing.T) {
	r := newTestRouter(t)
	ad := &fakeAdapter{}
	updates := make(chan kit.Update, 4)
	updates <- msg(7, "/quote 1")
	updates <- msg(7, "/quote 2")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, ad, updates, 2) }()

	require.Eventually(t, func() bool { return len(ad.texts()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestHelpAndMenu(t *testing.T) {
	r := newTestRouter(t)

	public := r.HelpHTML(false, "")
	require.Contains(t, public, "/quote - Show a quote")
	require.NotContains(t, public, "/update")

	owner := r.HelpHTML(true, "")
	require.Contains(t, owner, "<b>Owner</b>\n/update - Refresh a quote")

	detail := r.HelpHTML(false, "/q")
	require.Contains(t, detail, "<code>/quote &lt;id&gt;</code>")
	require.Contains(t, detail, "Aliases: /q")
	require.Contains(t, r.HelpHTML(false, "update"), "Unknown command")

	menu := r.MenuCommands()
	require.Equal(t, []kit.BotCommand{{Command: "quote", Description: "Show a quote"}}, menu)
}

func TestSanitizeCommand(t *testing.T) {
	require.Equal(t, "speedtest_stats", sanitizeCommand("Speedtest-Stats"))
	require.Equal(t, "cmd_42", sanitizeCommand("42"))
	require.Equal(t, "", sanitizeCommand("!!!"))
	require.Len(t, sanitizeCommand(strings.Repeat("a", 40)), 32)
}
