package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"quotebot/internal/quote"
	"quotebot/pkg/logx"
)

// pgxPool is the subset of *pgxpool.Pool used here, so pgxmock can stand in.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

type postgresStore struct {
	pool pgxPool
	log  logx.Logger
	now  func() time.Time
}

// OpenPostgres connects with cfg.DSN and applies pending migrations.
func OpenPostgres(ctx context.Context, cfg Config, log logx.Logger, opts ...Option) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	ms, err := loadMigrations(migrationsFS, "postgres")
	if err != nil {
		pool.Close()
		return nil, err
	}
	applied, err := applyMigrations(ctx, pgMigrations{pool: pool}, ms)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if len(applied) > 0 {
		log.Info("postgres migrations applied", logx.Any("files", applied))
	}
	return NewPostgresWithPool(pool, log, opts...), nil
}

// NewPostgresWithPool wraps an existing pool without running migrations.
func NewPostgresWithPool(pool pgxPool, log logx.Logger, opts ...Option) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	o := buildOptions(opts)
	return &postgresStore{pool: pool, log: log, now: o.now}
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgQuoteCols = `id, text, date, url, created_at, modified_at, assets`

func scanPGRecord(row pgx.Row) (quote.Record, error) {
	var (
		r      quote.Record
		assets []byte
	)
	if err := row.Scan(&r.ID, &r.Text, &r.Date, &r.URL, &r.CreatedAt, &r.ModifiedAt, &assets); err != nil {
		return quote.Record{}, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.ModifiedAt = r.ModifiedAt.UTC()
	paths, err := decodeAssets(string(assets))
	if err != nil {
		return quote.Record{}, err
	}
	r.Assets = paths
	return r, nil
}

func (s *postgresStore) Get(ctx context.Context, id int64) (quote.Record, error) {
	r, err := scanPGRecord(s.pool.QueryRow(ctx, `SELECT `+pgQuoteCols+` FROM quote WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return quote.Record{}, ErrNotFound
	}
	if err != nil {
		return quote.Record{}, storeErr("get quote", err)
	}
	return r, nil
}

func (s *postgresStore) Exists(ctx context.Context, id int64) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM quote WHERE id = $1)`, id).Scan(&ok); err != nil {
		return false, storeErr("quote exists", err)
	}
	return ok, nil
}

func (s *postgresStore) UpsertFrom(ctx context.Context, q quote.Quote) (quote.Record, Change, error) {
	if q.ID <= 0 {
		return quote.Record{}, Unchanged, fmt.Errorf("upsert quote: invalid id %d", q.ID)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return quote.Record{}, Unchanged, storeErr("upsert quote: begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.now().UTC().Truncate(time.Microsecond)
	cur, err := scanPGRecord(tx.QueryRow(ctx, `SELECT `+pgQuoteCols+` FROM quote WHERE id = $1 FOR UPDATE`, q.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		tag, insErr := tx.Exec(ctx,
			`INSERT INTO quote (id, text, date, url, created_at, modified_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
			q.ID, q.Text, q.Date, q.URL, now, now,
		)
		if insErr != nil {
			return quote.Record{}, Unchanged, storeErr("upsert quote: insert", insErr)
		}
		if tag.RowsAffected() == 1 {
			if err := tx.Commit(ctx); err != nil {
				return quote.Record{}, Unchanged, storeErr("upsert quote: commit", err)
			}
			return quote.Record{ID: q.ID, Text: q.Text, Date: q.Date, URL: q.URL, CreatedAt: now, ModifiedAt: now}, Created, nil
		}
		// A concurrent insert of the same id won; compare against its row.
		cur, err = scanPGRecord(tx.QueryRow(ctx, `SELECT `+pgQuoteCols+` FROM quote WHERE id = $1 FOR UPDATE`, q.ID))
	}
	if err != nil {
		return quote.Record{}, Unchanged, storeErr("upsert quote: select", err)
	}
	if cur.Text == q.Text {
		return cur, Unchanged, nil
	}
	if _, err := tx.Exec(ctx, `UPDATE quote SET text = $1, modified_at = $2 WHERE id = $3`, q.Text, now, q.ID); err != nil {
		return quote.Record{}, Unchanged, storeErr("upsert quote: update", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return quote.Record{}, Unchanged, storeErr("upsert quote: commit", err)
	}
	cur.Text = q.Text
	cur.ModifiedAt = now
	return cur, Updated, nil
}

func (s *postgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM quote`).Scan(&n); err != nil {
		return 0, storeErr("count quotes", err)
	}
	return n, nil
}

func (s *postgresStore) Random(ctx context.Context) (quote.Record, error) {
	r, err := scanPGRecord(s.pool.QueryRow(ctx, `SELECT `+pgQuoteCols+` FROM quote ORDER BY random() LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return quote.Record{}, ErrNotFound
	}
	if err != nil {
		return quote.Record{}, storeErr("random quote", err)
	}
	return r, nil
}

func (s *postgresStore) SetAssets(ctx context.Context, id int64, paths []string) error {
	b, err := encodeAssets(paths)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE quote SET assets = $1::jsonb WHERE id = $2`, b, id)
	if err != nil {
		return storeErr("set assets", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) RecordError(ctx context.Context, origin string, cause error) {
	e := newErrorRecord(s.now(), origin, cause)
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO error_log (id, at, origin, message) VALUES ($1, $2, $3, $4)`,
		e.ID, e.At, e.Origin, e.Message,
	); err != nil {
		s.log.Error("record error failed", logx.String("origin", origin), logx.String("cause", e.Message), logx.Err(err))
	}
}

func (s *postgresStore) RecentErrors(ctx context.Context, limit int) ([]quote.ErrorRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `SELECT id::text, at, origin, message FROM error_log ORDER BY at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, storeErr("recent errors", err)
	}
	defer rows.Close()
	var out []quote.ErrorRecord
	for rows.Next() {
		var e quote.ErrorRecord
		if err := rows.Scan(&e.ID, &e.At, &e.Origin, &e.Message); err != nil {
			return nil, storeErr("recent errors: scan", err)
		}
		e.At = e.At.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("recent errors", err)
	}
	return out, nil
}

func (s *postgresStore) ErrorCount(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM error_log`).Scan(&n); err != nil {
		return 0, storeErr("count errors", err)
	}
	return n, nil
}

func (s *postgresStore) Cursor(ctx context.Context, name string) (int, bool, error) {
	var page int
	err := s.pool.QueryRow(ctx, `SELECT page FROM cursor WHERE name = $1`, name).Scan(&page)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeErr("get cursor", err)
	}
	return page, true, nil
}

func (s *postgresStore) SetCursor(ctx context.Context, name string, page int) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO cursor (name, page, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET page = EXCLUDED.page, updated_at = EXCLUDED.updated_at`,
		name, page, s.now().UTC(),
	); err != nil {
		return storeErr("set cursor", err)
	}
	return nil
}

func (s *postgresStore) TouchUser(ctx context.Context, u User) error {
	now := s.now().UTC()
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO chat_user (id, username, first_name, first_seen, last_seen) VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, first_name = EXCLUDED.first_name, last_seen = EXCLUDED.last_seen`,
		u.ID, u.Username, u.FirstName, now,
	); err != nil {
		return storeErr("touch user", err)
	}
	return nil
}

// Backup exports every quote as JSON lines to dst. The file is written next
// to dst and renamed into place once complete.
func (s *postgresStore) Backup(ctx context.Context, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".partial"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	n, err := s.exportJSONL(ctx, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return err
	}
	s.log.Debug("postgres export written", logx.String("path", dst), logx.Int("quotes", n))
	return nil
}

// exportRecord is the JSON line layout of a backup.
type exportRecord struct {
	ID         int64     `json:"id"`
	Text       string    `json:"text"`
	Date       string    `json:"date,omitempty"`
	URL        string    `json:"url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
	Assets     []string  `json:"assets,omitempty"`
}

func (s *postgresStore) exportJSONL(ctx context.Context, f *os.File) (int, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgQuoteCols+` FROM quote ORDER BY id`)
	if err != nil {
		return 0, storeErr("export", err)
	}
	defer rows.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	n := 0
	for rows.Next() {
		r, err := scanPGRecord(rows)
		if err != nil {
			return n, storeErr("export: scan", err)
		}
		if err := enc.Encode(exportRecord(r)); err != nil {
			return n, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, storeErr("export", err)
	}
	return n, w.Flush()
}

type pgMigrations struct{ pool *pgxpool.Pool }

func (m pgMigrations) EnsureTable(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name TEXT PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`)
	return err
}

func (m pgMigrations) Applied(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := m.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+migrationTable+` WHERE name = $1)`, name).Scan(&ok)
	return ok, err
}

func (m pgMigrations) Begin(ctx context.Context) (migrationTx, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return pgTx{tx: tx}, nil
}

func (m pgMigrations) RecordSQL() string {
	return `INSERT INTO ` + migrationTable + ` (name, applied_at) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`
}

type pgTx struct{ tx pgx.Tx }

func (t pgTx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.Exec(ctx, query, args...)
	return err
}
func (t pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }
