package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"quotebot/internal/quote"
	"quotebot/internal/storage"
	"quotebot/internal/task/scheduler"
	kit "quotebot/internal/transport"
	"quotebot/internal/transport/telegram/router"
	"quotebot/pkg/logx"
	"quotebot/pkg/tgui"
)

const (
	defaultErrorsShown = 5
	maxErrorsShown     = 30
)

// Store is the read side of storage.Store the commands use.
type Store interface {
	Get(ctx context.Context, id int64) (quote.Record, error)
	Count(ctx context.Context) (int, error)
	Random(ctx context.Context) (quote.Record, error)
	Cursor(ctx context.Context, name string) (int, bool, error)
	ErrorCount(ctx context.Context) (int, error)
	RecentErrors(ctx context.Context, limit int) ([]quote.ErrorRecord, error)
	TouchUser(ctx context.Context, u storage.User) error
}

// Updater refreshes a single quote from the site.
type Updater interface {
	UpdateQuote(ctx context.Context, id int64) (quote.Outcome, error)
}

// Schedules reports planned jobs.
type Schedules interface {
	Snapshot() []scheduler.ScheduleInfo
}

type Deps struct {
	Store   Store
	Updater Updater

	// Optional.
	Schedules   Schedules
	HarvestBusy func() bool
	CursorName  string
	Started     time.Time
	Log         logx.Logger
}

type Bot struct {
	d   Deps
	log logx.Logger
}

func New(d Deps) (*Bot, error) {
	if d.Store == nil || d.Updater == nil {
		return nil, errors.New("bot needs a store and an updater")
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Started.IsZero() {
		d.Started = time.Now()
	}
	return &Bot{d: d, log: d.Log}, nil
}

// Register installs the commands, the "More" button and user tracking.
func (b *Bot) Register(r *router.Router) error {
	r.Use(router.MWObserveUser(b.touchUser))

	cmds := []router.Command{
		{Name: "start", Description: "Introduction and command list", Handle: b.help(r)},
		{Name: "help", Description: "Command list or details of one command", Usage: "/help [command]", Handle: b.help(r)},
		{Name: "random", Aliases: []string{"r"}, Description: "A random quote", Handle: b.random},
		{Name: "quote", Aliases: []string{"q"}, Description: "Show a quote by number", Usage: "/quote <id>", Handle: b.showQuote},
		{Name: "stats", Description: "Database and harvest state", Handle: b.stats},
		{Name: "update", Description: "Refresh a quote from the site", Usage: "/update <id>", Access: router.AccessOwnerOnly, Handle: b.update},
		{Name: "errors", Description: "Recent recorded errors", Usage: "/errors [n]", Access: router.AccessOwnerOnly, Handle: b.recentErrors},
	}
	for _, c := range cmds {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return r.HandleCallback(router.CallbackRoute{Scope: "quote", Action: "more", Handle: b.more})
}

func (b *Bot) touchUser(ctx context.Context, req *router.Request) error {
	if req.From.ID == 0 {
		return nil
	}
	return b.d.Store.TouchUser(ctx, storage.User{ID: req.From.ID, Username: req.From.Username, FirstName: req.From.FirstName})
}

func (b *Bot) help(r *router.Router) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		topic := ""
		if req.Command == "help" && len(req.Args) > 0 {
			topic = req.Args[0]
		}
		text := r.HelpHTML(req.IsOwner, topic)
		if req.Command == "start" {
			text = string(tgui.B("Quotes from bash.im")) + "\n\n" + text
		}
		_, err := req.Send(ctx, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
		return err
	}
}

func (b *Bot) random(ctx context.Context, req *router.Request) error {
	rec, err := b.d.Store.Random(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return replyError(ctx, req, "The database is empty for now")
	}
	if err != nil {
		return err
	}
	return sendQuote(ctx, req, rec, true)
}

func (b *Bot) more(ctx context.Context, req *router.Request) error {
	if err := b.random(ctx, req); err != nil {
		return err
	}
	return req.Answer(ctx, "")
}

func (b *Bot) showQuote(ctx context.Context, req *router.Request) error {
	id, ok := parseID(req.Args)
	if !ok {
		return replyError(ctx, req, "Usage: /quote <id>")
	}
	rec, err := b.d.Store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return replyError(ctx, req, fmt.Sprintf("Quote #%d is not in the database", id))
	}
	if err != nil {
		return err
	}
	return sendQuote(ctx, req, rec, false)
}

func (b *Bot) update(ctx context.Context, req *router.Request) error {
	id, ok := parseID(req.Args)
	if !ok {
		return replyError(ctx, req, "Usage: /update <id>")
	}
	out, err := b.d.Updater.UpdateQuote(ctx, id)
	if err != nil {
		req.Logger.Warn("update quote failed", logx.Int64("quote_id", id), logx.Err(err))
		return replyError(ctx, req, fmt.Sprintf("Could not update quote #%d: %v", id, err))
	}
	if out.Kind == quote.OutcomeNotFound {
		return replyError(ctx, req, out.Message())
	}
	return replyInfo(ctx, req, out.Message())
}

func (b *Bot) stats(ctx context.Context, req *router.Request) error {
	count, err := b.d.Store.Count(ctx)
	if err != nil {
		return err
	}
	errCount, err := b.d.Store.ErrorCount(ctx)
	if err != nil {
		return err
	}
	st := Stats{Quotes: count, Errors: errCount, Uptime: time.Since(b.d.Started)}
	if b.d.CursorName != "" {
		page, ok, err := b.d.Store.Cursor(ctx, b.d.CursorName)
		if err != nil {
			return err
		}
		if ok {
			st.Cursor = page
		}
	}
	if b.d.HarvestBusy != nil {
		st.Busy = b.d.HarvestBusy()
	}
	if b.d.Schedules != nil {
		st.Schedules = b.d.Schedules.Snapshot()
	}
	_, err = req.Send(ctx, FormatStatsHTML(st), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func (b *Bot) recentErrors(ctx context.Context, req *router.Request) error {
	n := defaultErrorsShown
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v <= 0 {
			return replyError(ctx, req, "Usage: /errors [n]")
		}
		n = min(v, maxErrorsShown)
	}
	recs, err := b.d.Store.RecentErrors(ctx, n)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return replyInfo(ctx, req, "No errors recorded")
	}
	_, err = req.Send(ctx, FormatErrorsHTML(recs), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func sendQuote(ctx context.Context, req *router.Request, rec quote.Record, withMore bool) error {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if withMore {
		row := []tele.Btn{tgui.Btn("More", tgui.Data("quote", "more", ""))}
		if rec.URL != "" {
			row = append(row, tgui.URLBtn("Open", rec.URL))
		}
		opt.ReplyMarkupAdapter = tgui.NewInline().Row(row...).Markup()
	}
	_, err := req.Send(ctx, FormatQuoteHTML(rec), opt)
	return err
}

func replyError(ctx context.Context, req *router.Request, text string) error {
	return req.Reply(ctx, "⚠ "+text)
}

func replyInfo(ctx context.Context, req *router.Request, text string) error {
	return req.Reply(ctx, "ℹ️ "+text)
}

// parseID accepts "123" and "#123".
func parseID(args []string) (int64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(args[0]), "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
