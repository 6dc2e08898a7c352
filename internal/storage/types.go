package storage

import (
	"context"
	"errors"
	"time"

	"quotebot/internal/quote"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): Path is the database file
//   - "postgres": DSN is the connection string
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 1s
}

// Change tells what UpsertFrom did.
type Change int

const (
	Unchanged Change = iota
	Created
	Updated
)

func (c Change) String() string {
	switch c {
	case Created:
		return "created"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// User is a chat user seen by the bot.
type User struct {
	ID        int64
	Username  string
	FirstName string
}

// Store is the persistence contract. Implementations are safe for concurrent
// use; single-record operations are atomic.
type Store interface {
	// Get returns ErrNotFound when id has no record.
	Get(ctx context.Context, id int64) (quote.Record, error)
	Exists(ctx context.Context, id int64) (bool, error)
	// UpsertFrom inserts q when absent. When present it replaces the text and
	// bumps ModifiedAt only if the text differs. Repeating a call is a no-op.
	UpsertFrom(ctx context.Context, q quote.Quote) (quote.Record, Change, error)
	Count(ctx context.Context) (int, error)
	Random(ctx context.Context) (quote.Record, error)
	SetAssets(ctx context.Context, id int64, paths []string) error

	// RecordError appends to the error log. It never fails the caller:
	// persistence problems are only logged.
	RecordError(ctx context.Context, origin string, err error)
	RecentErrors(ctx context.Context, limit int) ([]quote.ErrorRecord, error)
	ErrorCount(ctx context.Context) (int, error)

	// Cursor returns the stored position for name; ok is false if never set.
	Cursor(ctx context.Context, name string) (page int, ok bool, err error)
	SetCursor(ctx context.Context, name string, page int) error

	TouchUser(ctx context.Context, u User) error

	// Backup writes a consistent copy of the database to dst.
	Backup(ctx context.Context, dst string) error
	Close() error
}

// Option tweaks a backend at open time.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, e.g. to make modification dates predictable.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
