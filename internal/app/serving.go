package app

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"quotebot/internal/metrics"
	"quotebot/internal/runtime/supervisor"
	kit "quotebot/internal/transport"
	"quotebot/pkg/logx"
)

// OriginServing is the error log origin of serving failures.
const OriginServing = "supervisor"

// ServeFunc is one life of the chat-facing loop. It returns when ctx is done
// or when serving failed.
type ServeFunc func(ctx context.Context) error

// ErrorRecorder is the error log sink of the store.
type ErrorRecorder interface {
	RecordError(ctx context.Context, origin string, err error)
}

// superviseServing keeps serve running until the supervisor stops. Every
// failure, a clean return included, is recorded once and followed by a
// fixed delay before the next attempt.
func superviseServing(sup *supervisor.Supervisor, serve ServeFunc, delay time.Duration, rec ErrorRecorder, log logx.Logger) {
	sup.GoRestart("serving", serve,
		supervisor.WithFixedDelay(delay),
		supervisor.WithStopOnCleanExit(false),
		supervisor.WithOnFailure(func(ctx context.Context, err error) {
			metrics.ObserveServingRestart()
			log.Error("serving failed", logx.Err(err), logx.Duration("restart_in", delay))
			rec.RecordError(context.WithoutCancel(ctx), OriginServing, err)
		}),
	)
}

// runServing connects the adapter to the router until one of them stops.
func runServing(ctx context.Context, ad kit.Adapter, dispatch func(ctx context.Context, ad kit.Adapter, updates <-chan kit.Update) error) error {
	updates := make(chan kit.Update, 256)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := ad.Run(gctx, updates)
		if err == nil && ctx.Err() == nil {
			// polling ended on its own; take the dispatcher down with it
			return errors.New("update polling stopped")
		}
		return err
	})
	g.Go(func() error {
		return dispatch(gctx, ad, updates)
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
