package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"quotebot/internal/quote"
	"quotebot/pkg/logx"
)

var pgNow = time.Date(2026, 10, 19, 22, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewPostgresWithPool(mock, logx.Nop(), WithClock(func() time.Time { return pgNow }))
}

func quoteRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "text", "date", "url", "created_at", "modified_at", "assets"})
}

func TestPostgresUpsertInsertsNewQuote(t *testing.T) {
	t.Parallel()
	mock, st := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM quote WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(101)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO quote").
		WithArgs(int64(101), "A", "19.10.2026", "https://example.org/quote/101", pgNow, pgNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	rec, change, err := st.UpsertFrom(context.Background(), quote.Quote{ID: 101, Text: "A", Date: "19.10.2026", URL: "https://example.org/quote/101"})
	require.NoError(t, err)
	require.Equal(t, Created, change)
	require.Equal(t, pgNow, rec.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertUpdatesChangedText(t *testing.T) {
	t.Parallel()
	mock, st := newMockStore(t)
	created := pgNow.Add(-48 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM quote WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(101)).
		WillReturnRows(quoteRows().AddRow(int64(101), "A", "", "", created, created, []byte(`[]`)))
	mock.ExpectExec("UPDATE quote SET text").
		WithArgs("A-changed", pgNow, int64(101)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	rec, change, err := st.UpsertFrom(context.Background(), quote.Quote{ID: 101, Text: "A-changed"})
	require.NoError(t, err)
	require.Equal(t, Updated, change)
	require.Equal(t, "A-changed", rec.Text)
	require.Equal(t, pgNow, rec.ModifiedAt)
	require.Equal(t, created, rec.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertUnchangedRollsBack(t *testing.T) {
	t.Parallel()
	mock, st := newMockStore(t)
	created := pgNow.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM quote WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(5)).
		WillReturnRows(quoteRows().AddRow(int64(5), "same", "", "", created, created, []byte(`["comics/5/a.png"]`)))
	mock.ExpectRollback()

	rec, change, err := st.UpsertFrom(context.Background(), quote.Quote{ID: 5, Text: "same"})
	require.NoError(t, err)
	require.Equal(t, Unchanged, change)
	require.Equal(t, []string{"comics/5/a.png"}, rec.Assets)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertLosingInsertRaceComparesWinnerRow(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		winner string
		want   Change
	}{
		{"same text", "A", Unchanged},
		{"different text", "A-old", Updated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mock, st := newMockStore(t)
			created := pgNow.Add(-time.Second)

			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT .+ FROM quote WHERE id = \$1 FOR UPDATE`).
				WithArgs(int64(7)).
				WillReturnError(pgx.ErrNoRows)
			mock.ExpectExec("INSERT INTO quote").
				WithArgs(int64(7), "A", "", "", pgNow, pgNow).
				WillReturnResult(pgxmock.NewResult("INSERT", 0))
			mock.ExpectQuery(`SELECT .+ FROM quote WHERE id = \$1 FOR UPDATE`).
				WithArgs(int64(7)).
				WillReturnRows(quoteRows().AddRow(int64(7), tc.winner, "", "", created, created, []byte(`[]`)))
			if tc.want == Updated {
				mock.ExpectExec("UPDATE quote SET text").
					WithArgs("A", pgNow, int64(7)).
					WillReturnResult(pgxmock.NewResult("UPDATE", 1))
				mock.ExpectCommit()
			} else {
				mock.ExpectRollback()
			}

			rec, change, err := st.UpsertFrom(context.Background(), quote.Quote{ID: 7, Text: "A"})
			require.NoError(t, err)
			require.Equal(t, tc.want, change)
			require.Equal(t, "A", rec.Text)
			require.Equal(t, created, rec.CreatedAt)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresGetNotFound(t *testing.T) {
	t.Parallel()
	mock, st := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM quote WHERE id = \$1`).
		WithArgs(int64(9)).
		WillReturnError(pgx.ErrNoRows)

	_, err := st.Get(context.Background(), 9)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCountWrapsStoreFailure(t *testing.T) {
	t.Parallel()
	mock, st := newMockStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM quote`).WillReturnError(errors.New("connection reset"))

	_, err := st.Count(context.Background())
	require.ErrorIs(t, err, quote.ErrStore)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCursorRoundTrip(t *testing.T) {
	t.Parallel()
	mock, st := newMockStore(t)

	mock.ExpectExec("INSERT INTO cursor").
		WithArgs("sequential", 12, pgNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT page FROM cursor WHERE name = \$1`).
		WithArgs("sequential").
		WillReturnRows(pgxmock.NewRows([]string{"page"}).AddRow(12))

	require.NoError(t, st.SetCursor(context.Background(), "sequential", 12))
	page, ok, err := st.Cursor(context.Background(), "sequential")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 12, page)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordErrorSwallowsFailure(t *testing.T) {
	t.Parallel()
	mock, st := newMockStore(t)
	mock.ExpectExec("INSERT INTO error_log").
		WithArgs(pgxmock.AnyArg(), pgNow, "supervisor", "poller died").
		WillReturnError(errors.New("disk full"))

	st.RecordError(context.Background(), "supervisor", errors.New("poller died"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetAssetsMissingRow(t *testing.T) {
	t.Parallel()
	mock, st := newMockStore(t)
	mock.ExpectExec("UPDATE quote SET assets").
		WithArgs(`["a.png"]`, int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t, st.SetAssets(context.Background(), 3, []string{"a.png"}), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
