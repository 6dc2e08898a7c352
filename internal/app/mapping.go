package app

import (
	"strings"
	"time"

	"quotebot/internal/config"
	"quotebot/internal/harvest"
	"quotebot/internal/observability/ops"
	"quotebot/internal/source/bashim"
	"quotebot/internal/storage"
	"quotebot/pkg/logx"
)

const (
	defaultRestartDelay = 15 * time.Second
	defaultDailyAt      = "22:00"
	defaultBackupSpec   = "0 4 * * *"
	defaultBackupDir    = "backup"
	defaultAssetsDir    = "comics"
	defaultWorkers      = 4
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled && cfg.Telegram.LogChatID != 0,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "quotes.db"
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        path,
		DSN:         sc.DSN,
		BusyTimeout: busy,
	}, nil
}

func mapSourceConfig(cfg *config.Config) (bashim.Config, error) {
	timeout, err := config.ParseDurationOrDefault("source.timeout", cfg.Source.Timeout, 30*time.Second)
	if err != nil {
		return bashim.Config{}, err
	}
	return bashim.Config{
		BaseURL:    cfg.Source.BaseURL,
		UserAgent:  cfg.Source.UserAgent,
		Timeout:    timeout,
		RatePerSec: cfg.Source.RatePerSec,
	}, nil
}

func assetsDir(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.Source.AssetsDir); d != "" {
		return d
	}
	return defaultAssetsDir
}

// mapHarvestConfig leaves zero durations in place; harvest fills its own
// defaults.
func mapHarvestConfig(cfg *config.Config, backupExt string) (harvest.Config, error) {
	h := cfg.Harvest
	var (
		out  harvest.Config
		errs []error
	)
	parse := func(path, raw string) time.Duration {
		d, err := config.ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	out.AssetsDir = assetsDir(cfg)
	out.Random = harvest.RandomConfig{
		ShortMin:  parse("harvest.random.short_min", h.Random.ShortMin),
		ShortMax:  parse("harvest.random.short_max", h.Random.ShortMax),
		DeepMin:   parse("harvest.random.deep_min", h.Random.DeepMin),
		DeepMax:   parse("harvest.random.deep_max", h.Random.DeepMax),
		DeepEvery: h.Random.DeepEvery,
	}
	out.Latest = harvest.LatestConfig{RetryEvery: parse("harvest.latest.retry_every", h.Latest.RetryEvery)}
	out.Sequential = harvest.SequentialConfig{
		ShortMin:  parse("harvest.sequential.short_min", h.Sequential.ShortMin),
		ShortMax:  parse("harvest.sequential.short_max", h.Sequential.ShortMax),
		IdleMin:   parse("harvest.sequential.idle_min", h.Sequential.IdleMin),
		IdleMax:   parse("harvest.sequential.idle_max", h.Sequential.IdleMax),
		StartPage: h.Sequential.StartPage,
	}
	dir := strings.TrimSpace(cfg.Backup.Dir)
	if dir == "" {
		dir = defaultBackupDir
	}
	out.Backup = harvest.BackupConfig{Dir: dir, Keep: cfg.Backup.Keep, Ext: backupExt}
	if len(errs) > 0 {
		return harvest.Config{}, errs[0]
	}
	return out, nil
}

func backupExt(driver string) string {
	if strings.EqualFold(strings.TrimSpace(driver), "postgres") {
		return ".jsonl"
	}
	return ".db"
}

func dailyAt(cfg *config.Config) string {
	if at := strings.TrimSpace(cfg.Harvest.Latest.DailyAt); at != "" {
		return at
	}
	return defaultDailyAt
}

func backupSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Backup.Schedule); s != "" {
		return s
	}
	return defaultBackupSpec
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	addr := strings.TrimSpace(cfg.Ops.Addr)
	if addr == "" {
		addr = ops.DefaultAddr
	}
	return ops.Config{Enabled: cfg.Ops.Enabled, Addr: addr}
}

func restartDelay(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("supervisor.restart_delay", cfg.Supervisor.RestartDelay, defaultRestartDelay)
	if err != nil {
		return defaultRestartDelay
	}
	return d
}

func workers(cfg *config.Config) int {
	if cfg.Telegram.Workers > 0 {
		return cfg.Telegram.Workers
	}
	return defaultWorkers
}
