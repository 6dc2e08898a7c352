package harvest

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"time"

	"quotebot/internal/ingest"
	"quotebot/internal/metrics"
	"quotebot/internal/quote"
	"quotebot/pkg/logx"
)

// Error log origins.
const (
	OriginRandom     = "random"
	OriginLatest     = "latest"
	OriginSequential = "sequential"
	OriginBackup     = "backup"
)

// CursorName is the store key of the sequential loop position.
const CursorName = "sequential"

type Source interface {
	FetchRandom(ctx context.Context) iter.Seq2[quote.Quote, error]
	FetchLatest(ctx context.Context) iter.Seq2[quote.Quote, error]
	FetchSequential(ctx context.Context, page int) iter.Seq2[quote.Quote, error]
}

type Ingestor interface {
	Ingest(ctx context.Context, seq iter.Seq2[quote.Quote, error], assetsDir string) (ingest.Result, error)
}

// Store is the part of storage.Store the loops use directly.
type Store interface {
	Count(ctx context.Context) (int, error)
	RecordError(ctx context.Context, origin string, err error)
	Cursor(ctx context.Context, name string) (int, bool, error)
	SetCursor(ctx context.Context, name string, page int) error
	Backup(ctx context.Context, dst string) error
}

// Rand picks integers in [0, n). *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Harvester struct {
	cfg   Config
	lock  *Lock
	src   Source
	ing   Ingestor
	store Store
	log   logx.Logger

	sleep SleepFunc
	rand  Rand
	now   func() time.Time
}

type Option func(*Harvester)

func WithSleep(fn SleepFunc) Option {
	return func(h *Harvester) {
		if fn != nil {
			h.sleep = fn
		}
	}
}

func WithRand(r Rand) Option {
	return func(h *Harvester) {
		if r != nil {
			h.rand = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Harvester) {
		if now != nil {
			h.now = now
		}
	}
}

func New(cfg Config, lock *Lock, src Source, ing Ingestor, store Store, log logx.Logger, opts ...Option) *Harvester {
	if log.IsZero() {
		log = logx.Nop()
	}
	if lock == nil {
		lock = NewLock()
	}
	h := &Harvester{
		cfg:   cfg.withDefaults(),
		lock:  lock,
		src:   src,
		ing:   ing,
		store: store,
		log:   log,
		sleep: sleepCtx,
		rand:  globalRand{},
		now:   time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Harvester) Lock() *Lock { return h.lock }

// burst runs one locked ingestion of seq and logs the count delta. after, if
// set, runs while the lock is still held and only when the ingest succeeded.
func (h *Harvester) burst(ctx context.Context, loop string, fetch func(ctx context.Context) iter.Seq2[quote.Quote, error], after func(ctx context.Context, res ingest.Result) error) (ingest.Result, error) {
	ctx, release, err := h.lock.Acquire(ctx)
	if err != nil {
		return ingest.Result{}, err
	}
	defer release()

	before, err := h.store.Count(ctx)
	if err != nil {
		return ingest.Result{}, err
	}
	res, err := h.ing.Ingest(ctx, fetch(ctx), h.cfg.AssetsDir)
	metrics.ObserveIngest(loop, res.Added, res.Updated, res.Unchanged, res.Took)
	if err != nil {
		return res, err
	}
	if after != nil {
		if err := after(ctx, res); err != nil {
			return res, err
		}
	}

	total, err := h.store.Count(ctx)
	if err != nil {
		return res, err
	}
	h.log.Info("burst done",
		logx.String("loop", loop),
		logx.Int("added", res.Added),
		logx.Int("updated", res.Updated),
		logx.Int("seen", res.Seen()),
		logx.Int("asset_failures", res.AssetFailures()),
		logx.Int("before", before),
		logx.Int("after", total),
		logx.Duration("took", res.Took),
	)
	return res, nil
}

// cycle runs fn and turns a panic into an error, so one bad page cannot end
// a loop.
func (h *Harvester) cycle(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			h.log.Error("harvest cycle panic", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
		}
	}()
	return fn(ctx)
}

// fail logs a failed cycle and appends it to the error log.
func (h *Harvester) fail(ctx context.Context, origin string, err error) {
	metrics.ObserveLoopFailure(origin)
	h.log.Warn("harvest cycle failed", logx.String("loop", origin), logx.Err(err))
	h.store.RecordError(context.WithoutCancel(ctx), origin, err)
}

// between returns a uniform duration in [lo, hi] with one second steps.
func (h *Harvester) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	span := int((hi - lo) / time.Second)
	return lo + time.Duration(h.rand.IntN(span+1))*time.Second
}
