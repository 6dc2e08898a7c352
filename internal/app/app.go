// Package app wires the quote bot together: storage, the source client, the
// harvest loops and their scheduler, the ops server and the supervised
// chat-serving loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quotebot/internal/bot"
	"quotebot/internal/config"
	"quotebot/internal/harvest"
	"quotebot/internal/ingest"
	"quotebot/internal/observability/ops"
	"quotebot/internal/runtime/supervisor"
	"quotebot/internal/source/bashim"
	"quotebot/internal/storage"
	"quotebot/internal/task/scheduler"
	kit "quotebot/internal/transport"
	telegram "quotebot/internal/transport/telegram/adapter"
	"quotebot/internal/transport/telegram/router"
	"quotebot/pkg/logx"
)

// AdapterFactory connects to the chat platform. It runs once per serving
// life, so a failing handshake is retried by the serving supervisor.
type AdapterFactory func(ctx context.Context, cfg *config.Config, log logx.Logger) (kit.Adapter, error)

func telegramAdapter(_ context.Context, cfg *config.Config, log logx.Logger) (kit.Adapter, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, log)
}

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store storage.Store
	src   *bashim.Client
	ing   *ingest.Ingestor
	harv  *harvest.Harvester
	sched *scheduler.Service
	ops   *ops.Service
	bot   *bot.Bot

	newAdapter AdapterFactory
	sup        *supervisor.Supervisor
	started    time.Time
}

type Option func(*App)

// WithAdapterFactory replaces the Telegram adapter.
func WithAdapterFactory(f AdapterFactory) Option {
	return func(a *App) {
		if f != nil {
			a.newAdapter = f
		}
	}
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg, opts...)
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config, opts ...Option) (_ *App, err error) {
	logs, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{
		cfgm:       cfgm,
		logs:       logs,
		log:        log,
		newAdapter: telegramAdapter,
		started:    time.Now(),
	}
	for _, o := range opts {
		o(a)
	}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(ctx, sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	srcCfg, err := mapSourceConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.src, err = bashim.New(srcCfg, root.With(logx.String("comp", "source")))
	if err != nil {
		return nil, err
	}
	a.ing = ingest.New(a.store, a.src, assetsDir(cfg), root.With(logx.String("comp", "ingest")))

	hc, err := mapHarvestConfig(cfg, backupExt(sc.Driver))
	if err != nil {
		return nil, err
	}
	a.harv = harvest.New(hc, harvest.NewLock(), a.src, a.ing, a.store, root.With(logx.String("comp", "harvest")))

	a.sched, err = scheduler.New(scheduler.Config{Timezone: cfg.Harvest.Timezone}, root.With(logx.String("comp", "scheduler")))
	if err != nil {
		return nil, err
	}
	if config.BoolOr(cfg.Harvest.Latest.Enabled, true) {
		if err := a.sched.AddDaily(harvest.OriginLatest, dailyAt(cfg), a.harv.LatestJob); err != nil {
			return nil, err
		}
	}
	if cfg.Backup.Enabled {
		if err := a.sched.AddCron(harvest.OriginBackup, backupSchedule(cfg), a.harv.BackupJob); err != nil {
			return nil, err
		}
	}

	a.ops = ops.New(mapOpsConfig(cfg), a.health, root.With(logx.String("comp", "ops")))

	a.bot, err = bot.New(bot.Deps{
		Store:       a.store,
		Updater:     a.ing,
		Schedules:   a.sched,
		HarvestBusy: a.harv.Lock().Busy,
		CursorName:  harvest.CursorName,
		Started:     a.started,
		Log:         root.With(logx.String("comp", "bot")),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Store exposes the opened store.
func (a *App) Store() storage.Store { return a.store }

// Start launches the loops, the scheduler, the ops server and the serving
// supervisor. It does not block.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if config.BoolOr(cfg.Harvest.Random.Enabled, true) {
		a.sup.Go("harvest.random", a.harv.RunRandom)
	}
	if config.BoolOr(cfg.Harvest.Sequential.Enabled, true) {
		a.sup.Go("harvest.sequential", a.harv.RunSequential)
	}
	a.sched.Start(a.sup.Context())
	a.ops.Start(a.sup.Context())

	superviseServing(a.sup, a.serve, restartDelay(cfg), a.store, a.log.With(logx.String("comp", "serving")))

	a.startReload()
	a.startSystemd()

	a.log.Info("app started",
		logx.Bool("random", config.BoolOr(cfg.Harvest.Random.Enabled, true)),
		logx.Bool("latest", config.BoolOr(cfg.Harvest.Latest.Enabled, true)),
		logx.Bool("sequential", config.BoolOr(cfg.Harvest.Sequential.Enabled, true)),
		logx.Bool("backup", cfg.Backup.Enabled),
	)
	return nil
}

// serve is one serving life: connect, route updates until failure or
// shutdown.
func (a *App) serve(ctx context.Context) error {
	cfg := a.cfgm.Get()
	log := a.log.With(logx.String("comp", "serving"))

	ad, err := a.newAdapter(ctx, cfg, a.logs.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if s, ok := ad.(logx.Sender); ok && cfg.Telegram.LogChatID != 0 {
		a.logs.SetTelegramTarget(s, cfg.Telegram.LogChatID)
		defer a.logs.SetTelegramTarget(nil, 0)
	}

	var opts []router.Option
	if n, ok := ad.(interface{ Username() string }); ok {
		opts = append(opts, router.WithBotName(n.Username()))
	}
	r := router.New(a.logs.Logger().With(logx.String("comp", "router")), cfg.Telegram.OwnerUserIDs, opts...)
	if err := a.bot.Register(r); err != nil {
		return err
	}
	if mu, ok := ad.(kit.CommandMenuUpdater); ok {
		if err := mu.UpdateMenuCommands(ctx, r.MenuCommands()); err != nil {
			log.Warn("menu update failed", logx.Err(err))
		}
	}

	log.Info("serving")
	n := workers(cfg)
	return runServing(ctx, ad, func(ctx context.Context, ad kit.Adapter, updates <-chan kit.Update) error {
		return r.Serve(ctx, ad, updates, n)
	})
}

func (a *App) health(ctx context.Context) error {
	if a.sup != nil {
		if err := a.sup.Context().Err(); err != nil {
			return errors.New("stopping")
		}
	}
	_, err := a.store.Count(ctx)
	return err
}

// Done is closed when the app context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Stop cancels every loop, waits for them within ctx and closes storage.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		a.closeAll()
		return nil
	}
	a.log.Info("stopping")
	notifySystemd(a.log, sdStopping)
	a.sup.Cancel()

	a.sched.Stop(ctx)
	a.ops.Stop(ctx)
	if err := a.sup.Wait(ctx); err != nil {
		a.log.Warn("workers still running at shutdown", logx.Err(err))
	}
	a.closeAll()
	return nil
}

func (a *App) closeAll() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close storage", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
