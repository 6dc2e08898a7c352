package harvest

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quotebot/internal/ingest"
	"quotebot/internal/quote"
	"quotebot/internal/source/bashim"
	"quotebot/internal/storage"
	"quotebot/pkg/logx"
)

type fakeSource struct {
	mu     sync.Mutex
	calls  map[string]int
	random func(call int) ([]quote.Quote, error)
	latest func(call int) ([]quote.Quote, error)
	page   func(page, call int) ([]quote.Quote, error)
	delay  time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

func (s *fakeSource) next(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[key]++
	return s.calls[key]
}

func (s *fakeSource) seq(qs []quote.Quote, err error) iter.Seq2[quote.Quote, error] {
	return func(yield func(quote.Quote, error) bool) {
		n := s.active.Add(1)
		defer s.active.Add(-1)
		for {
			m := s.maxActive.Load()
			if n <= m || s.maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		for _, q := range qs {
			if s.delay > 0 {
				time.Sleep(s.delay)
			}
			if !yield(q, nil) {
				return
			}
		}
		if err != nil {
			yield(quote.Quote{}, err)
		}
	}
}

func (s *fakeSource) FetchRandom(context.Context) iter.Seq2[quote.Quote, error] {
	return s.seq(s.random(s.next("random")))
}

func (s *fakeSource) FetchLatest(context.Context) iter.Seq2[quote.Quote, error] {
	return s.seq(s.latest(s.next("latest")))
}

func (s *fakeSource) FetchSequential(_ context.Context, page int) iter.Seq2[quote.Quote, error] {
	return s.seq(s.page(page, s.next("page"+string(rune('0'+page)))))
}

func (s *fakeSource) FetchSingle(context.Context, int64) (quote.Quote, bool, error) {
	return quote.Quote{}, false, nil
}

func (s *fakeSource) FetchAssets(context.Context, quote.Quote, string) []bashim.AssetResult {
	return nil
}

type sleepRecorder struct {
	mu        sync.Mutex
	slept     []time.Duration
	stopAfter int
	cancel    context.CancelFunc
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slept = append(r.slept, d)
	if len(r.slept) >= r.stopAfter {
		r.cancel()
		return context.Canceled
	}
	return ctx.Err()
}

func (r *sleepRecorder) durations() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.slept...)
}

func qs(items ...any) []quote.Quote {
	var out []quote.Quote
	for i := 0; i+1 < len(items); i += 2 {
		out = append(out, quote.Quote{ID: int64(items[i].(int)), Text: items[i+1].(string)})
	}
	return out
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "quotes.db"),
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestHarvester(st storage.Store, src *fakeSource, lock *Lock, cfg Config, opts ...Option) *Harvester {
	ing := ingest.New(st, src, "", logx.Nop())
	opts = append([]Option{WithRand(rand.New(rand.NewPCG(1, 2)))}, opts...)
	return New(cfg, lock, src, ing, st, logx.Nop(), opts...)
}

func TestLockReentrantWithinHolder(t *testing.T) {
	l := NewLock()
	ctx, release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, l.Held(ctx))
	require.True(t, l.Busy())

	inner, innerRelease, err := l.Acquire(ctx)
	require.NoError(t, err, "the holder may acquire again")
	innerRelease()
	require.True(t, l.Busy(), "inner release must not free the outer hold")
	require.True(t, l.Held(inner))

	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = l.Acquire(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "a different context must wait")

	release()
	release()
	require.False(t, l.Busy())

	_, again, err := l.Acquire(context.Background())
	require.NoError(t, err)
	again()
}

func TestLockReleasedHoldIsNotReentrant(t *testing.T) {
	l := NewLock()
	held, release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	derived, cancelDerived := context.WithCancel(held)
	defer cancelDerived()
	release()
	require.False(t, l.Held(derived), "a released hold must not carry over to derived contexts")

	other, otherRelease, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer otherRelease()
	require.True(t, l.Held(other))

	waitCtx, cancel := context.WithTimeout(derived, 20*time.Millisecond)
	defer cancel()
	_, _, err = l.Acquire(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "a stale holder context must wait like anyone else")
}

func TestRandomBackoffSchedule(t *testing.T) {
	st := openStore(t)
	src := &fakeSource{random: func(int) ([]quote.Quote, error) { return qs(1, "x"), nil }}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &sleepRecorder{stopAfter: 42, cancel: cancel}
	h := newTestHarvester(st, src, nil, Config{}, WithSleep(rec.sleep))

	require.NoError(t, h.RunRandom(ctx))

	slept := rec.durations()
	require.Len(t, slept, 42)
	for i, d := range slept {
		if i == 20 || i == 41 {
			require.GreaterOrEqual(t, d, 180*time.Minute, "sleep %d", i)
			require.LessOrEqual(t, d, 360*time.Minute, "sleep %d", i)
			continue
		}
		require.GreaterOrEqual(t, d, 3*time.Minute, "sleep %d", i)
		require.LessOrEqual(t, d, 15*time.Minute, "sleep %d", i)
	}
}

func TestRandomLoopRecordsFailuresAndContinues(t *testing.T) {
	st := openStore(t)
	src := &fakeSource{random: func(int) ([]quote.Quote, error) { return nil, quote.ErrNetwork }}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &sleepRecorder{stopAfter: 3, cancel: cancel}
	h := newTestHarvester(st, src, nil, Config{}, WithSleep(rec.sleep))

	require.NoError(t, h.RunRandom(ctx))

	n, err := st.ErrorCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	errs, err := st.RecentErrors(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, OriginRandom, errs[0].Origin)
}

func TestRandomBurstEndToEnd(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	src := &fakeSource{random: func(call int) ([]quote.Quote, error) {
		if call == 1 {
			return qs(101, "A", 102, "B"), nil
		}
		return qs(101, "A-changed"), nil
	}}
	h := newTestHarvester(st, src, nil, Config{})

	res, err := h.burst(ctx, OriginRandom, src.FetchRandom, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.Added)
	first, err := st.Get(ctx, 101)
	require.NoError(t, err)
	require.Equal(t, "A", first.Text)

	res, err = h.burst(ctx, OriginRandom, src.FetchRandom, nil)
	require.NoError(t, err)
	require.Equal(t, 0, res.Added)
	changed, err := st.Get(ctx, 101)
	require.NoError(t, err)
	require.Equal(t, "A-changed", changed.Text)
	require.False(t, changed.ModifiedAt.Before(first.ModifiedAt))
	n, err := st.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestBurstsAreMutuallyExclusive(t *testing.T) {
	st := openStore(t)
	lock := NewLock()
	src := &fakeSource{
		delay:  2 * time.Millisecond,
		random: func(call int) ([]quote.Quote, error) { return qs(call*10+1, "r", call*10+2, "r"), nil },
		latest: func(call int) ([]quote.Quote, error) { return qs(1000+call*10+1, "l", 1000+call*10+2, "l"), nil },
	}
	random := newTestHarvester(st, src, lock, Config{})
	latest := newTestHarvester(st, src, lock, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := random.burst(context.Background(), OriginRandom, src.FetchRandom, nil)
			require.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := latest.burst(context.Background(), OriginLatest, src.FetchLatest, nil)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), src.maxActive.Load(), "two bursts ran at the same time")
	n, err := st.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20, n)
}

func TestSequentialCursorSurvivesMidPageFailure(t *testing.T) {
	st := openStore(t)
	src := &fakeSource{page: func(page, call int) ([]quote.Quote, error) {
		switch page {
		case 1:
			return qs(1, "one", 2, "two"), nil
		case 2:
			if call == 1 {
				return qs(3, "three"), quote.ErrParse
			}
			return qs(3, "three", 4, "four"), nil
		default:
			return nil, nil
		}
	}}
	ctx := context.Background()

	run1, cancel1 := context.WithCancel(ctx)
	rec1 := &sleepRecorder{stopAfter: 2, cancel: cancel1}
	require.NoError(t, newTestHarvester(st, src, nil, Config{}, WithSleep(rec1.sleep)).RunSequential(run1))
	cancel1()

	page, ok, err := st.Cursor(ctx, CursorName)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, page, "cursor must stay on the failed page")
	n, _ := st.Count(ctx)
	require.Equal(t, 3, n)

	run2, cancel2 := context.WithCancel(ctx)
	rec2 := &sleepRecorder{stopAfter: 2, cancel: cancel2}
	require.NoError(t, newTestHarvester(st, src, nil, Config{}, WithSleep(rec2.sleep)).RunSequential(run2))
	cancel2()

	page, _, err = st.Cursor(ctx, CursorName)
	require.NoError(t, err)
	require.Equal(t, 3, page)
	n, _ = st.Count(ctx)
	require.Equal(t, 4, n, "re-running the page must not duplicate records")

	slept := rec2.durations()
	require.GreaterOrEqual(t, slept[1], 3*time.Hour, "end of history idles")
	errs, err := st.ErrorCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, errs)
}

func TestSequentialCursorStaysOnPageWithBrokenBlock(t *testing.T) {
	st := openStore(t)
	src := &fakeSource{page: func(page, call int) ([]quote.Quote, error) {
		return qs(11, "fine"), fmt.Errorf("quote #12: missing body: %w", quote.ErrParse)
	}}
	ctx := context.Background()
	run, cancel := context.WithCancel(ctx)
	rec := &sleepRecorder{stopAfter: 2, cancel: cancel}
	require.NoError(t, newTestHarvester(st, src, nil, Config{}, WithSleep(rec.sleep)).RunSequential(run))
	cancel()

	_, ok, err := st.Cursor(ctx, CursorName)
	require.NoError(t, err)
	require.False(t, ok, "the cursor must not move past a page with a broken block")
	n, _ := st.Count(ctx)
	require.Equal(t, 1, n, "good blocks are still stored")
	errs, err := st.ErrorCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, errs, "every failed attempt is recorded")
}

func TestLatestJobRetriesEveryMinuteUntilSuccess(t *testing.T) {
	st := openStore(t)
	src := &fakeSource{latest: func(call int) ([]quote.Quote, error) {
		if call < 3 {
			return nil, quote.ErrNetwork
		}
		return qs(7, "front page"), nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &sleepRecorder{stopAfter: 100, cancel: cancel}
	h := newTestHarvester(st, src, nil, Config{}, WithSleep(rec.sleep))

	require.NoError(t, h.LatestJob(ctx))
	require.Equal(t, []time.Duration{time.Minute, time.Minute}, rec.durations())
	n, err := st.ErrorCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	ok, err := st.Exists(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCyclePanicBecomesError(t *testing.T) {
	h := newTestHarvester(openStore(t), &fakeSource{}, nil, Config{})
	err := h.cycle(context.Background(), func(context.Context) error { panic("boom") })
	require.ErrorContains(t, err, "boom")
}

func TestBackupJobPrunesOldCopies(t *testing.T) {
	st := openStore(t)
	dir := filepath.Join(t.TempDir(), "backups")
	now := time.Date(2026, 10, 19, 4, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	h := newTestHarvester(st, &fakeSource{}, nil, Config{Backup: BackupConfig{Dir: dir, Keep: 2}}, WithClock(clock))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, h.BackupJob(ctx))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Equal(t, []string{"quotes-20261019-040002.db", "quotes-20261019-040003.db"}, names)
}

func TestBackupJobRecordsFailure(t *testing.T) {
	st := openStore(t)
	h := newTestHarvester(st, &fakeSource{}, nil, Config{})

	require.Error(t, h.BackupJob(context.Background()))
	errs, err := st.RecentErrors(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, OriginBackup, errs[0].Origin)
}

func TestBetweenIsInclusive(t *testing.T) {
	h := newTestHarvester(openStore(t), &fakeSource{}, nil, Config{})
	for i := 0; i < 500; i++ {
		d := h.between(3*time.Minute, 15*time.Minute)
		require.GreaterOrEqual(t, d, 3*time.Minute)
		require.LessOrEqual(t, d, 15*time.Minute)
	}
	require.Equal(t, time.Minute, h.between(time.Minute, time.Minute))
}
