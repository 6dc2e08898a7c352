package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"quotebot/pkg/logx"
)

const (
	sdReady    = daemon.SdNotifyReady
	sdStopping = daemon.SdNotifyStopping
)

// notifySystemd is a no-op outside a systemd unit with NOTIFY_SOCKET set.
func notifySystemd(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("systemd notified", logx.String("state", state))
	}
}

// startSystemd reports readiness and, when the unit sets WatchdogSec, pings
// the watchdog at half the interval while the app context is alive.
func (a *App) startSystemd() {
	notifySystemd(a.log, sdReady)
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := a.health(ctx); err != nil {
					a.log.Warn("skipping watchdog ping", logx.Err(err))
					continue
				}
				notifySystemd(a.log, daemon.SdNotifyWatchdog)
			}
		}
	})
}
