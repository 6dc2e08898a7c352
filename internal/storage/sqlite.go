package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"quotebot/internal/quote"
	"quotebot/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database file at cfg.Path.
func OpenSQLite(ctx context.Context, cfg Config, log logx.Logger, opts ...Option) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer and the loops, the chat
	// handlers and the backup task all share this handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	o := buildOptions(opts)
	st := &sqliteStore{db: db, log: log, now: o.now}
	ms, err := loadMigrations(migrationsFS, "sqlite")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	applied, err := applyMigrations(ctx, sqliteMigrations{db: db}, ms)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if len(applied) > 0 {
		log.Info("sqlite migrations applied", logx.Any("files", applied), logx.String("path", path))
	}
	return st, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

const sqliteQuoteCols = `id, text, date, url, created_at, modified_at, assets`

func scanSQLiteRecord(row interface{ Scan(...any) error }) (quote.Record, error) {
	var (
		r          quote.Record
		created    int64
		modified   int64
		assetsJSON string
	)
	if err := row.Scan(&r.ID, &r.Text, &r.Date, &r.URL, &created, &modified, &assetsJSON); err != nil {
		return quote.Record{}, err
	}
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.ModifiedAt = time.UnixMilli(modified).UTC()
	paths, err := decodeAssets(assetsJSON)
	if err != nil {
		return quote.Record{}, err
	}
	r.Assets = paths
	return r, nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (quote.Record, error) {
	r, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, `SELECT `+sqliteQuoteCols+` FROM quote WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return quote.Record{}, ErrNotFound
	}
	if err != nil {
		return quote.Record{}, storeErr("get quote", err)
	}
	return r, nil
}

func (s *sqliteStore) Exists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM quote WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("quote exists", err)
	}
	return true, nil
}

func (s *sqliteStore) UpsertFrom(ctx context.Context, q quote.Quote) (quote.Record, Change, error) {
	if q.ID <= 0 {
		return quote.Record{}, Unchanged, fmt.Errorf("upsert quote: invalid id %d", q.ID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quote.Record{}, Unchanged, storeErr("upsert quote: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanSQLiteRecord(tx.QueryRowContext(ctx, `SELECT `+sqliteQuoteCols+` FROM quote WHERE id = ?`, q.ID))
	change := Unchanged
	now := s.now().UTC().Truncate(time.Millisecond)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		cur = quote.Record{ID: q.ID, Text: q.Text, Date: q.Date, URL: q.URL, CreatedAt: now, ModifiedAt: now}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quote(id, text, date, url, created_at, modified_at, assets) VALUES(?,?,?,?,?,?,'[]')`,
			q.ID, q.Text, q.Date, q.URL, now.UnixMilli(), now.UnixMilli(),
		); err != nil {
			return quote.Record{}, Unchanged, storeErr("upsert quote: insert", err)
		}
		change = Created
	case err != nil:
		return quote.Record{}, Unchanged, storeErr("upsert quote: select", err)
	case cur.Text != q.Text:
		if _, err := tx.ExecContext(ctx,
			`UPDATE quote SET text = ?, modified_at = ? WHERE id = ?`,
			q.Text, now.UnixMilli(), q.ID,
		); err != nil {
			return quote.Record{}, Unchanged, storeErr("upsert quote: update", err)
		}
		cur.Text = q.Text
		cur.ModifiedAt = now
		change = Updated
	default:
		return cur, Unchanged, nil
	}
	if err := tx.Commit(); err != nil {
		return quote.Record{}, Unchanged, storeErr("upsert quote: commit", err)
	}
	return cur, change, nil
}

func (s *sqliteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quote`).Scan(&n); err != nil {
		return 0, storeErr("count quotes", err)
	}
	return n, nil
}

func (s *sqliteStore) Random(ctx context.Context) (quote.Record, error) {
	r, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, `SELECT `+sqliteQuoteCols+` FROM quote ORDER BY RANDOM() LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return quote.Record{}, ErrNotFound
	}
	if err != nil {
		return quote.Record{}, storeErr("random quote", err)
	}
	return r, nil
}

func (s *sqliteStore) SetAssets(ctx context.Context, id int64, paths []string) error {
	b, err := encodeAssets(paths)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE quote SET assets = ? WHERE id = ?`, b, id)
	if err != nil {
		return storeErr("set assets", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) RecordError(ctx context.Context, origin string, cause error) {
	e := newErrorRecord(s.now(), origin, cause)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO error_log(id, at, origin, message) VALUES(?,?,?,?)`,
		e.ID, e.At.UnixMilli(), e.Origin, e.Message,
	)
	if err != nil {
		s.log.Error("record error failed", logx.String("origin", origin), logx.String("cause", e.Message), logx.Err(err))
	}
}

func (s *sqliteStore) RecentErrors(ctx context.Context, limit int) ([]quote.ErrorRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, at, origin, message FROM error_log ORDER BY at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storeErr("recent errors", err)
	}
	defer rows.Close()
	var out []quote.ErrorRecord
	for rows.Next() {
		var (
			e  quote.ErrorRecord
			at int64
		)
		if err := rows.Scan(&e.ID, &at, &e.Origin, &e.Message); err != nil {
			return nil, storeErr("recent errors: scan", err)
		}
		e.At = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("recent errors", err)
	}
	return out, nil
}

func (s *sqliteStore) ErrorCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM error_log`).Scan(&n); err != nil {
		return 0, storeErr("count errors", err)
	}
	return n, nil
}

func (s *sqliteStore) Cursor(ctx context.Context, name string) (int, bool, error) {
	var page int
	err := s.db.QueryRowContext(ctx, `SELECT page FROM cursor WHERE name = ?`, name).Scan(&page)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeErr("get cursor", err)
	}
	return page, true, nil
}

func (s *sqliteStore) SetCursor(ctx context.Context, name string, page int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursor(name, page, updated_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET page = excluded.page, updated_at = excluded.updated_at`,
		name, page, s.now().UnixMilli(),
	)
	if err != nil {
		return storeErr("set cursor", err)
	}
	return nil
}

func (s *sqliteStore) TouchUser(ctx context.Context, u User) error {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_user(id, username, first_name, first_seen, last_seen) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET username = excluded.username, first_name = excluded.first_name, last_seen = excluded.last_seen`,
		u.ID, u.Username, u.FirstName, now, now,
	)
	if err != nil {
		return storeErr("touch user", err)
	}
	return nil
}

// Backup writes a compacted copy of the live database with VACUUM INTO.
func (s *sqliteStore) Backup(ctx context.Context, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("backup target exists: %s", dst)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		return storeErr("backup", err)
	}
	return nil
}

type sqliteMigrations struct{ db *sql.DB }

func (m sqliteMigrations) EnsureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`)
	return err
}

func (m sqliteMigrations) Applied(ctx context.Context, name string) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx, `SELECT 1 FROM `+migrationTable+` WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (m sqliteMigrations) Begin(ctx context.Context) (migrationTx, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return sqlTx{tx: tx}, nil
}

func (m sqliteMigrations) RecordSQL() string {
	return `INSERT OR IGNORE INTO ` + migrationTable + ` (name, applied_at) VALUES (?, ?)`
}

type sqlTx struct{ tx *sql.Tx }

func (t sqlTx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}
func (t sqlTx) Commit(context.Context) error   { return t.tx.Commit() }
func (t sqlTx) Rollback(context.Context) error { return t.tx.Rollback() }

func newErrorRecord(at time.Time, origin string, cause error) quote.ErrorRecord {
	msg := "<nil>"
	if cause != nil {
		msg = cause.Error()
	}
	return quote.ErrorRecord{ID: uuid.NewString(), At: at.UTC(), Origin: origin, Message: msg}
}

func encodeAssets(paths []string) (string, error) {
	if paths == nil {
		paths = []string{}
	}
	b, err := json.Marshal(paths)
	if err != nil {
		return "", fmt.Errorf("encode assets: %w", err)
	}
	return string(b), nil
}

func decodeAssets(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode assets: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// storeErr tags err as a store failure while keeping it inspectable.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(quote.ErrStore, err))
}
