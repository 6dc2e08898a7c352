package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"quotebot/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Moscow"; empty means Local
}

// Job is a scheduled unit of work. Returned errors are logged.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string
	job     Job
	entryID cron.EntryID
	running *atomic.Bool
	runs    *atomic.Uint64
	skips   *atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	ctx    context.Context
	cancel context.CancelFunc
}

type ScheduleInfo struct {
	Name  string
	Spec  string
	Next  time.Time
	Prev  time.Time
	Runs  uint64
	Skips uint64
}
