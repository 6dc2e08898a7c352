package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"quotebot/pkg/logx"
)

// Validate reports every problem found in cfg, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required (or set " + EnvPrefix + "TELEGRAM_TOKEN)"))
	}
	if cfg.Telegram.Workers < 0 {
		add(errors.New("telegram.workers must be >= 0"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !logx.ValidLevel(cfg.Logging.Telegram.MinLevel) {
		add(fmt.Errorf("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		add(fmt.Errorf("storage.driver: unsupported %q (want sqlite or postgres)", cfg.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	_, err = ParseDurationField("source.timeout", cfg.Source.Timeout)
	add(err)
	if cfg.Source.RatePerSec < 0 {
		add(errors.New("source.rate_per_sec must be >= 0"))
	}

	if tz := strings.TrimSpace(cfg.Harvest.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("harvest.timezone: %w", err))
		}
	}
	r := cfg.Harvest.Random
	add(validateRange("harvest.random.short", r.ShortMin, r.ShortMax))
	add(validateRange("harvest.random.deep", r.DeepMin, r.DeepMax))
	if r.DeepEvery < 0 {
		add(errors.New("harvest.random.deep_every must be >= 0"))
	}
	if at := strings.TrimSpace(cfg.Harvest.Latest.DailyAt); at != "" {
		if _, err := time.Parse("15:04", at); err != nil {
			add(fmt.Errorf("harvest.latest.daily_at: want HH:MM, got %q", at))
		}
	}
	_, err = ParseDurationField("harvest.latest.retry_every", cfg.Harvest.Latest.RetryEvery)
	add(err)
	s := cfg.Harvest.Sequential
	add(validateRange("harvest.sequential.short", s.ShortMin, s.ShortMax))
	add(validateRange("harvest.sequential.idle", s.IdleMin, s.IdleMax))
	if s.StartPage < 0 {
		add(errors.New("harvest.sequential.start_page must be >= 0"))
	}

	if cfg.Backup.Enabled {
		if spec := strings.TrimSpace(cfg.Backup.Schedule); spec != "" {
			if _, err := cron.ParseStandard(spec); err != nil {
				add(fmt.Errorf("backup.schedule: %w", err))
			}
		}
		if cfg.Backup.Keep < 0 {
			add(errors.New("backup.keep must be >= 0"))
		}
	}

	_, err = ParseDurationField("supervisor.restart_delay", cfg.Supervisor.RestartDelay)
	add(err)

	return errors.Join(errs...)
}

func validateRange(path, lo, hi string) error {
	a, err := ParseDurationField(path+"_min", lo)
	if err != nil {
		return err
	}
	b, err := ParseDurationField(path+"_max", hi)
	if err != nil {
		return err
	}
	if a > 0 && b > 0 && a > b {
		return fmt.Errorf("%s_min (%s) must not exceed %s_max (%s)", path, lo, path, hi)
	}
	return nil
}
