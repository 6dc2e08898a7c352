package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quotebot/internal/quote"
	"quotebot/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestSQLite(t *testing.T) (Store, *fakeClock, string) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 19, 22, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "db", "quotes.db")
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: path}, logx.Nop(), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, clock, path
}

func TestSQLiteUpsertIsIdempotent(t *testing.T) {
	st, clock, _ := openTestSQLite(t)
	ctx := context.Background()
	q := quote.Quote{ID: 101, Text: "A", Date: "19.10.2026", URL: "https://example.org/quote/101"}

	rec, change, err := st.UpsertFrom(ctx, q)
	require.NoError(t, err)
	require.Equal(t, Created, change)
	require.Equal(t, clock.Now(), rec.CreatedAt)

	clock.Advance(time.Hour)
	again, change, err := st.UpsertFrom(ctx, q)
	require.NoError(t, err)
	require.Equal(t, Unchanged, change)
	require.Equal(t, rec.ModifiedAt, again.ModifiedAt)

	n, err := st.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSQLiteUpsertBumpsModifiedOnTextChange(t *testing.T) {
	st, clock, _ := openTestSQLite(t)
	ctx := context.Background()

	first, _, err := st.UpsertFrom(ctx, quote.Quote{ID: 7, Text: "old"})
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)

	rec, change, err := st.UpsertFrom(ctx, quote.Quote{ID: 7, Text: "new"})
	require.NoError(t, err)
	require.Equal(t, Updated, change)
	require.Equal(t, "new", rec.Text)
	require.True(t, rec.ModifiedAt.After(first.ModifiedAt))
	require.Equal(t, first.CreatedAt, rec.CreatedAt)

	got, err := st.Get(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "new", got.Text)
	require.Equal(t, rec.ModifiedAt, got.ModifiedAt)
}

func TestSQLiteGetExistsRandom(t *testing.T) {
	st, _, _ := openTestSQLite(t)
	ctx := context.Background()

	_, err := st.Get(ctx, 1)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = st.Random(ctx)
	require.ErrorIs(t, err, ErrNotFound)
	ok, err := st.Exists(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = st.UpsertFrom(ctx, quote.Quote{ID: 1, Text: "one"})
	require.NoError(t, err)
	ok, err = st.Exists(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	r, err := st.Random(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), r.ID)

	_, _, err = st.UpsertFrom(ctx, quote.Quote{ID: 0, Text: "bad"})
	require.Error(t, err)
}

func TestSQLiteAssets(t *testing.T) {
	st, _, _ := openTestSQLite(t)
	ctx := context.Background()
	_, _, err := st.UpsertFrom(ctx, quote.Quote{ID: 5, Text: "x"})
	require.NoError(t, err)

	require.NoError(t, st.SetAssets(ctx, 5, []string{"comics/5/a.png", "comics/5/b.png"}))
	r, err := st.Get(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, []string{"comics/5/a.png", "comics/5/b.png"}, r.Assets)

	require.ErrorIs(t, st.SetAssets(ctx, 404, []string{"x"}), ErrNotFound)
}

func TestSQLiteErrorLog(t *testing.T) {
	st, clock, _ := openTestSQLite(t)
	ctx := context.Background()

	st.RecordError(ctx, "random", errors.New("timeout"))
	clock.Advance(time.Minute)
	st.RecordError(ctx, "supervisor", errors.New("poller died"))

	n, err := st.ErrorCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	errs, err := st.RecentErrors(ctx, 5)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	require.Equal(t, "supervisor", errs[0].Origin)
	require.Equal(t, "poller died", errs[0].Message)
	require.NotEmpty(t, errs[0].ID)
}

func TestSQLiteRecordErrorNeverFails(t *testing.T) {
	st, _, _ := openTestSQLite(t)
	require.NoError(t, st.Close())
	// Closed handle: the call must only log.
	st.RecordError(context.Background(), "random", errors.New("boom"))
}

func TestSQLiteCursor(t *testing.T) {
	st, _, _ := openTestSQLite(t)
	ctx := context.Background()

	_, ok, err := st.Cursor(ctx, "sequential")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.SetCursor(ctx, "sequential", 3))
	require.NoError(t, st.SetCursor(ctx, "sequential", 4))
	page, ok, err := st.Cursor(ctx, "sequential")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 4, page)
}

func TestSQLiteTouchUser(t *testing.T) {
	st, _, _ := openTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, st.TouchUser(ctx, User{ID: 42, Username: "alice"}))
	require.NoError(t, st.TouchUser(ctx, User{ID: 42, Username: "alice2"}))
}

func TestSQLiteBackupAndReopen(t *testing.T) {
	st, _, _ := openTestSQLite(t)
	ctx := context.Background()
	_, _, err := st.UpsertFrom(ctx, quote.Quote{ID: 9, Text: "kept"})
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "backups", "quotes-1.db")
	require.NoError(t, st.Backup(ctx, dst))
	require.Error(t, st.Backup(ctx, dst), "existing target must not be overwritten")

	copyStore, err := Open(ctx, Config{Path: dst}, logx.Nop())
	require.NoError(t, err)
	defer copyStore.Close()
	r, err := copyStore.Get(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, "kept", r.Text)
}

func TestSQLiteMigrationsApplyOnce(t *testing.T) {
	_, _, path := openTestSQLite(t)
	// Reopening the same file must not fail on the ALTER TABLE migration.
	again, err := Open(context.Background(), Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, again.Close())
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql"}, logx.Nop())
	require.Error(t, err)
}
