package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quotebot/pkg/logx"
)

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	fixed           bool
	maxRestarts     int // <=0 means unlimited
	stopOnCleanExit bool
	publishFirstErr bool
	onFailure       func(ctx context.Context, err error)
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(minWait, maxWait time.Duration) RestartOption {
	return func(c *restartCfg) {
		if minWait > 0 {
			c.minBackoff = minWait
		}
		if maxWait > 0 {
			c.maxBackoff = maxWait
		}
		c.fixed = false
	}
}

// WithFixedDelay waits exactly d between restarts, without jitter or growth.
func WithFixedDelay(d time.Duration) RestartOption {
	return func(c *restartCfg) {
		if d > 0 {
			c.minBackoff, c.maxBackoff = d, d
			c.fixed = true
		}
	}
}

// WithMaxRestarts limits restarts. The initial run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError sets the supervisor Err on the first failure while
// still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// WithStopOnCleanExit makes GoRestart stop when fn returns nil. Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// WithOnFailure calls fn once for every failed run (error or panic), before
// the restart delay.
func WithOnFailure(fn func(ctx context.Context, err error)) RestartOption {
	return func(c *restartCfg) { c.onFailure = fn }
}

// GoRestart runs fn and restarts it on error or panic until the supervisor
// context is canceled.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := cfg.minBackoff
		restarts := 0
		for ctx.Err() == nil {
			s.noteStart(name, restarts > 0)
			startedAt := time.Now()

			err, panicked := runSafe(ctx, fn, func(p any, stack string) {
				s.log.Error("goroutine panicked (restart)", logx.String("name", name), logx.Any("panic", p), logx.Stack(stack))
			})

			// Only the supervisor's own shutdown is a clean stop; a
			// context.Canceled from inside fn is an ordinary failure.
			if ctx.Err() != nil {
				s.noteStop(name, nil, panicked)
				return
			}
			if err == nil {
				if cfg.stopOnCleanExit {
					s.noteStop(name, nil, false)
					return
				}
				err = errors.New("exited")
			}

			wrapped := fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, wrapped, panicked)
			if cfg.publishFirstErr {
				s.setErr(wrapped)
			}
			if cfg.onFailure != nil {
				cfg.onFailure(ctx, err)
			}

			restarts++
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}

			if !cfg.fixed && time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := nextWait(cfg, backoff)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("delay", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			if !cfg.fixed {
				backoff = min(backoff*2, cfg.maxBackoff)
			}
		}
	})
}

// nextWait clamps backoff into the window and adds up to 20% jitter unless
// the delay is fixed.
func nextWait(cfg restartCfg, backoff time.Duration) time.Duration {
	wait := min(max(backoff, cfg.minBackoff), cfg.maxBackoff)
	if cfg.fixed {
		return wait
	}
	if j := wait / 5; j > 0 {
		wait += time.Duration(time.Now().UnixNano() % int64(j+1))
	}
	return wait
}
