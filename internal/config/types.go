package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("90s", "3m"); empty means "use the default".
type Config struct {
	Telegram   TelegramConfig   `json:"telegram" envPrefix:"TELEGRAM_"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage" envPrefix:"STORAGE_"`
	Source     SourceConfig     `json:"source"`
	Harvest    HarvestConfig    `json:"harvest"`
	Backup     BackupConfig     `json:"backup"`
	Ops        OpsConfig        `json:"ops"`
	Supervisor SupervisorConfig `json:"supervisor"`
}

type TelegramConfig struct {
	Token        string  `json:"token" env:"TOKEN"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChatID receives log records when logging.telegram is enabled.
	LogChatID   int64  `json:"log_chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	Workers     int    `json:"workers,omitempty"`
}

type LoggingConfig struct {
	Level    string            `json:"level"`
	Console  bool              `json:"console"`
	File     LogFileConfig     `json:"file"`
	Telegram LogTelegramConfig `json:"telegram"`
}

type LogFileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

type LogTelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the Store backend.
//
// Drivers:
//   - "sqlite" (default): Path is the database file.
//   - "postgres": DSN is a libpq-style connection string.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty" env:"PATH"`
	DSN         string `json:"dsn,omitempty" env:"DSN"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SourceConfig struct {
	BaseURL    string  `json:"base_url,omitempty"`
	UserAgent  string  `json:"user_agent,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	AssetsDir  string  `json:"assets_dir,omitempty"`
}

type HarvestConfig struct {
	// Timezone is an IANA name used by the daily trigger. Empty means local time.
	Timezone   string           `json:"timezone,omitempty"`
	Random     RandomConfig     `json:"random"`
	Latest     LatestConfig     `json:"latest"`
	Sequential SequentialConfig `json:"sequential"`
}

// RandomConfig tunes the random loop. Enabled is a pointer so an omitted
// value can default to true.
type RandomConfig struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	ShortMin  string `json:"short_min,omitempty"`
	ShortMax  string `json:"short_max,omitempty"`
	DeepMin   string `json:"deep_min,omitempty"`
	DeepMax   string `json:"deep_max,omitempty"`
	DeepEvery int    `json:"deep_every,omitempty"`
}

type LatestConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	DailyAt    string `json:"daily_at,omitempty"`
	RetryEvery string `json:"retry_every,omitempty"`
}

type SequentialConfig struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	ShortMin  string `json:"short_min,omitempty"`
	ShortMax  string `json:"short_max,omitempty"`
	IdleMin   string `json:"idle_min,omitempty"`
	IdleMax   string `json:"idle_max,omitempty"`
	StartPage int    `json:"start_page,omitempty"`
}

type BackupConfig struct {
	Enabled  bool   `json:"enabled"`
	Dir      string `json:"dir,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Keep     int    `json:"keep,omitempty"`
}

// OpsConfig controls the operational HTTP server (/metrics, /healthz, pprof).
// Prefer binding to localhost.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

type SupervisorConfig struct {
	RestartDelay string `json:"restart_delay,omitempty"`
}

// BoolOr returns *p, or def when p is nil.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
