package app

import (
	"context"
	"slices"
	"strings"

	"quotebot/internal/config"
	"quotebot/pkg/logx"
)

// liveSections are applied without a restart.
var liveSections = []string{"logging"}

func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyReload(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
}

func (a *App) applyReload(prev, next *config.Config) {
	sections := config.ChangedSections(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogConfig(next))

	var pending []string
	for _, s := range sections {
		if !slices.Contains(liveSections, s) {
			pending = append(pending, s)
		}
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
	if len(pending) > 0 {
		a.log.Warn("restart required for config changes", logx.String("sections", strings.Join(pending, ",")))
	}
}
