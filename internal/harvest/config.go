package harvest

import "time"

type Config struct {
	AssetsDir  string
	Random     RandomConfig
	Latest     LatestConfig
	Sequential SequentialConfig
	Backup     BackupConfig
}

type RandomConfig struct {
	ShortMin, ShortMax time.Duration
	DeepMin, DeepMax   time.Duration
	// DeepEvery is the number of short sleeps between two deep sleeps.
	DeepEvery int
}

type LatestConfig struct {
	RetryEvery time.Duration
}

type SequentialConfig struct {
	ShortMin, ShortMax time.Duration
	// IdleMin and IdleMax bound the wait after reaching the end of history.
	IdleMin, IdleMax time.Duration
	StartPage        int
}

type BackupConfig struct {
	Dir  string
	Keep int
	// Ext is the file extension of the backend's dump, e.g. ".db".
	Ext string
}

func (c Config) withDefaults() Config {
	r := &c.Random
	if r.ShortMin <= 0 {
		r.ShortMin = 3 * time.Minute
	}
	if r.ShortMax < r.ShortMin {
		r.ShortMax = max(15*time.Minute, r.ShortMin)
	}
	if r.DeepMin <= 0 {
		r.DeepMin = 3 * time.Hour
	}
	if r.DeepMax < r.DeepMin {
		r.DeepMax = max(6*time.Hour, r.DeepMin)
	}
	if r.DeepEvery <= 0 {
		r.DeepEvery = 20
	}
	if c.Latest.RetryEvery <= 0 {
		c.Latest.RetryEvery = time.Minute
	}
	s := &c.Sequential
	if s.ShortMin <= 0 {
		s.ShortMin = r.ShortMin
	}
	if s.ShortMax < s.ShortMin {
		s.ShortMax = max(r.ShortMax, s.ShortMin)
	}
	if s.IdleMin <= 0 {
		s.IdleMin = r.DeepMin
	}
	if s.IdleMax < s.IdleMin {
		s.IdleMax = max(r.DeepMax, s.IdleMin)
	}
	if s.StartPage <= 0 {
		s.StartPage = 1
	}
	if c.Backup.Ext == "" {
		c.Backup.Ext = ".db"
	}
	return c
}
