// Package router turns chat updates into command and callback handler calls.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"quotebot/internal/metrics"
	kit "quotebot/internal/transport"
	"quotebot/pkg/logx"
	"quotebot/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string   // without the leading slash
	Aliases     []string // e.g. ["q"] for "quote"
	Description string
	Usage       string
	Access      Access
	Handle      HandlerFunc
}

// CallbackRoute handles inline button presses whose data is
// "scope:action[:payload]".
type CallbackRoute struct {
	Scope  string
	Action string
	Access Access
	Handle HandlerFunc
}

type Router struct {
	mu        sync.RWMutex
	cmds      map[string]*Command
	order     []*Command
	callbacks map[string]*CallbackRoute

	owners  map[int64]bool
	log     logx.Logger
	mws     []Middleware
	timeout time.Duration
	botName string
}

type Option func(*Router)

// WithTimeout bounds every handler call.
func WithTimeout(d time.Duration) Option { return func(r *Router) { r.timeout = d } }

// WithBotName lets the router accept "/cmd@name" addressed to this bot and
// ignore commands addressed to other bots.
func WithBotName(name string) Option {
	return func(r *Router) { r.botName = strings.ToLower(strings.TrimPrefix(name, "@")) }
}

func New(log logx.Logger, owners []int64, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cmds:      map[string]*Command{},
		callbacks: map[string]*CallbackRoute{},
		owners:    map[int64]bool{},
		log:       log,
		timeout:   30 * time.Second,
	}
	for _, id := range owners {
		r.owners[id] = true
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Use appends middlewares. They wrap handlers in the order given.
func (r *Router) Use(mw ...Middleware) {
	r.mu.Lock()
	r.mws = append(r.mws, mw...)
	r.mu.Unlock()
}

func (r *Router) IsOwner(userID int64) bool { return r.owners[userID] }

func (r *Router) Register(c Command) error {
	name := strings.ToLower(strings.TrimSpace(c.Name))
	if name == "" || c.Handle == nil {
		return errors.New("command needs a name and a handler")
	}
	c.Name = name
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := append([]string{name}, c.Aliases...)
	for _, k := range keys {
		if _, dup := r.cmds[strings.ToLower(k)]; dup {
			return fmt.Errorf("command %q registered twice", k)
		}
	}
	cp := &c
	for _, k := range keys {
		r.cmds[strings.ToLower(k)] = cp
	}
	r.order = append(r.order, cp)
	return nil
}

func (r *Router) HandleCallback(cb CallbackRoute) error {
	if cb.Scope == "" || cb.Action == "" || cb.Handle == nil {
		return errors.New("callback needs a scope, an action and a handler")
	}
	key, err := tgui.CheckedData(cb.Scope, cb.Action, "")
	if err != nil {
		return fmt.Errorf("callback %q: %w", cb.Scope+":"+cb.Action, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.callbacks[key]; dup {
		return fmt.Errorf("callback %q registered twice", key)
	}
	r.callbacks[key] = &cb
	return nil
}

// Commands lists registered commands sorted by name. Owner-only commands are
// included only when owner is true.
func (r *Router) Commands(owner bool) []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.order))
	for _, c := range r.order {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Serve dispatches updates with a pool of workers until ctx is done or
// updates is closed.
func (r *Router) Serve(ctx context.Context, ad kit.Adapter, updates <-chan kit.Update, workers int) error {
	if workers <= 0 {
		workers = 4
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case up, ok := <-updates:
					if !ok {
						return
					}
					_ = r.Dispatch(ctx, ad, up)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Dispatch handles one update. Handler errors are logged by the request log
// middleware and answered with a generic reply; the error is also returned.
func (r *Router) Dispatch(ctx context.Context, ad kit.Adapter, up kit.Update) error {
	var (
		req *Request
		h   HandlerFunc
	)
	switch up.Kind {
	case kit.UpdateMessage:
		req, h = r.routeMessage(ad, up)
	case kit.UpdateCallback:
		req, h = r.routeCallback(ad, up)
	}
	if req == nil || h == nil {
		return nil
	}

	r.mu.RLock()
	mws := append([]Middleware(nil), r.mws...)
	r.mu.RUnlock()
	mws = append([]Middleware{MWPanicRecover(r.log), MWRequestLog(r.log)}, mws...)
	mws = append(mws, MWTimeout(r.timeout))

	err := Chain(h, mws...)(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
		if ctx.Err() == nil {
			_ = req.Reply(ctx, "Something went wrong, please try again later.")
		}
	}
	metrics.ObserveCommand(req.Command, status)
	if up.Kind == kit.UpdateCallback && !req.answered {
		_ = ad.AnswerCallback(ctx, up.Callback.ID, "")
	}
	return err
}

func (r *Router) newRequest(ad kit.Adapter, up kit.Update) *Request {
	id := uuid.NewString()
	return &Request{
		Update:  up,
		ReqID:   id,
		Logger:  r.log.With(logx.String("req_id", id)),
		adapter: ad,
	}
}

func (r *Router) routeMessage(ad kit.Adapter, up kit.Update) (*Request, HandlerFunc) {
	m := up.Message
	if m == nil {
		return nil, nil
	}
	name, args, ok := parseCommand(m.Text, r.botName)
	if !ok {
		return nil, nil
	}
	req := r.newRequest(ad, up)
	req.Chat = kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	req.From = m.From
	req.IsOwner = r.IsOwner(m.From.ID)
	req.Command = name
	req.Args = args

	r.mu.RLock()
	c := r.cmds[name]
	r.mu.RUnlock()
	switch {
	case c == nil:
		if m.IsGroup {
			return nil, nil
		}
		// keeps metric labels bounded
		req.Command = "unknown"
		return req, func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, "Unknown command. Send /help for the list.")
		}
	case c.Access == AccessOwnerOnly && !req.IsOwner:
		return req, func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, "This command is only available to the bot owner.")
		}
	}
	req.Command = c.Name
	return req, c.Handle
}

func (r *Router) routeCallback(ad kit.Adapter, up kit.Update) (*Request, HandlerFunc) {
	cb := up.Callback
	if cb == nil {
		return nil, nil
	}
	scope, action, payload := splitCallbackData(cb.Data)
	key := scope + ":" + action

	req := r.newRequest(ad, up)
	req.Chat = kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	req.From = cb.From
	req.IsOwner = r.IsOwner(cb.From.ID)
	req.Command = key
	req.Payload = payload

	r.mu.RLock()
	route := r.callbacks[key]
	r.mu.RUnlock()
	switch {
	case route == nil:
		req.Command = "unknown"
		return req, func(ctx context.Context, req *Request) error {
			return req.Answer(ctx, "This button is no longer supported.")
		}
	case route.Access == AccessOwnerOnly && !req.IsOwner:
		return req, func(ctx context.Context, req *Request) error {
			return req.Answer(ctx, "Only the bot owner can use this button.")
		}
	}
	return req, route.Handle
}

func splitCallbackData(data string) (scope, action, payload string) {
	parts := strings.SplitN(data, ":", 3)
	switch len(parts) {
	case 3:
		return parts[0], parts[1], parts[2]
	case 2:
		return parts[0], parts[1], ""
	default:
		return data, "", ""
	}
}
