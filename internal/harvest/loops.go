package harvest

import (
	"context"
	"errors"
	"iter"
	"time"

	"quotebot/internal/ingest"
	"quotebot/internal/metrics"
	"quotebot/internal/quote"
	"quotebot/pkg/logx"
)

// RunRandom samples the random page forever. Each cycle is followed by a
// short sleep; every DeepEvery short sleeps are followed by one deep sleep
// instead. It returns nil once ctx is cancelled.
func (h *Harvester) RunRandom(ctx context.Context) error {
	log := h.log.With(logx.String("loop", OriginRandom))
	log.Info("loop started")
	shorts := 0
	for {
		err := h.cycle(ctx, func(ctx context.Context) error {
			_, err := h.burst(ctx, OriginRandom, h.src.FetchRandom, nil)
			return err
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			h.fail(ctx, OriginRandom, err)
		}

		d, deep := h.nextRandomSleep(&shorts)
		if deep {
			log.Info("deep sleep", logx.Duration("for", d))
		} else {
			log.Debug("mini sleep", logx.Duration("for", d), logx.Int("streak", shorts))
		}
		if h.sleep(ctx, d) != nil {
			return nil
		}
	}
}

// nextRandomSleep advances the short-sleep streak and picks the next wait.
func (h *Harvester) nextRandomSleep(shorts *int) (time.Duration, bool) {
	rc := h.cfg.Random
	if *shorts >= rc.DeepEvery {
		*shorts = 0
		return h.between(rc.DeepMin, rc.DeepMax), true
	}
	*shorts++
	return h.between(rc.ShortMin, rc.ShortMax), false
}

// LatestJob ingests the front page, retrying every RetryEvery until one
// attempt succeeds. It is meant to be fired by the daily trigger.
func (h *Harvester) LatestJob(ctx context.Context) error {
	log := h.log.With(logx.String("loop", OriginLatest))
	for attempt := 1; ; attempt++ {
		err := h.cycle(ctx, func(ctx context.Context) error {
			_, err := h.burst(ctx, OriginLatest, h.src.FetchLatest, nil)
			return err
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			if attempt > 1 {
				log.Info("latest page ingested after retries", logx.Int("attempts", attempt))
			}
			return nil
		}
		h.fail(ctx, OriginLatest, err)
		log.Info("retrying latest page", logx.Duration("in", h.cfg.Latest.RetryEvery), logx.Int("attempt", attempt))
		if err := h.sleep(ctx, h.cfg.Latest.RetryEvery); err != nil {
			return err
		}
	}
}

// RunSequential walks the listing pages from the stored cursor. The cursor
// moves to the next page only after a page was fully ingested, inside the
// same locked burst, so a failure or crash mid-page repeats that page. An
// empty page is the end of history: the loop idles and tries it again.
func (h *Harvester) RunSequential(ctx context.Context) error {
	log := h.log.With(logx.String("loop", OriginSequential))
	page, err := h.startPage(ctx)
	for err != nil {
		if ctx.Err() != nil {
			return nil
		}
		h.fail(ctx, OriginSequential, err)
		if h.sleep(ctx, h.between(h.cfg.Sequential.ShortMin, h.cfg.Sequential.ShortMax)) != nil {
			return nil
		}
		page, err = h.startPage(ctx)
	}
	log.Info("loop started", logx.Int("page", page))
	metrics.SetSequentialCursor(page)

	for {
		var idle bool
		next, err := h.sequentialStep(ctx, page)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case errors.Is(err, errEndOfHistory):
			idle = true
		case err != nil:
			h.fail(ctx, OriginSequential, err)
		default:
			page = next
			metrics.SetSequentialCursor(page)
		}

		sc := h.cfg.Sequential
		d := h.between(sc.ShortMin, sc.ShortMax)
		if idle {
			d = h.between(sc.IdleMin, sc.IdleMax)
			log.Info("end of history, idling", logx.Int("page", page), logx.Duration("for", d))
		}
		if h.sleep(ctx, d) != nil {
			return nil
		}
	}
}

var errEndOfHistory = errors.New("end of history")

// sequentialStep ingests one page and returns the page to fetch next.
func (h *Harvester) sequentialStep(ctx context.Context, page int) (int, error) {
	next := page
	err := h.cycle(ctx, func(ctx context.Context) error {
		fetch := func(ctx context.Context) iter.Seq2[quote.Quote, error] {
			return h.src.FetchSequential(ctx, page)
		}
		_, err := h.burst(ctx, OriginSequential, fetch, func(ctx context.Context, res ingest.Result) error {
			if res.Seen() == 0 {
				return errEndOfHistory
			}
			if err := h.store.SetCursor(ctx, CursorName, page+1); err != nil {
				return err
			}
			next = page + 1
			return nil
		})
		return err
	})
	return next, err
}

func (h *Harvester) startPage(ctx context.Context) (int, error) {
	page, ok, err := h.store.Cursor(ctx, CursorName)
	if err != nil {
		return 0, err
	}
	if !ok || page < 1 {
		return h.cfg.Sequential.StartPage, nil
	}
	return page, nil
}
