package storage

import (
	"testing"
	"testing/fstest"
)

func TestExtractUp(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want string
	}{
		{"CREATE TABLE a(x);", "CREATE TABLE a(x);"},
		{"-- +migrate Up\nCREATE TABLE a(x);\n-- +migrate Down\nDROP TABLE a;", "\nCREATE TABLE a(x);\n"},
		{"-- +migrate Up\nCREATE TABLE b(x);", "\nCREATE TABLE b(x);"},
	}
	for _, tc := range cases {
		if got := extractUp(tc.in); got != tc.want {
			t.Fatalf("extractUp(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestLoadMigrationsSortedAndSkipsEmpty(t *testing.T) {
	t.Parallel()
	fsys := fstest.MapFS{
		"migrations/sqlite/002_b.sql":   {Data: []byte("-- +migrate Up\nB;\n-- +migrate Down\nX;")},
		"migrations/sqlite/001_a.sql":   {Data: []byte("A;")},
		"migrations/sqlite/003_c.sql":   {Data: []byte("-- +migrate Up\n\n-- +migrate Down\nY;")},
		"migrations/sqlite/README.md":   {Data: []byte("ignored")},
		"migrations/postgres/001_a.sql": {Data: []byte("PG;")},
	}
	ms, err := loadMigrations(fsys, "sqlite")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(ms) != 2 || ms[0].Name != "001_a.sql" || ms[1].Name != "002_b.sql" {
		t.Fatalf("unexpected migrations: %+v", ms)
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"sqlite", "postgres"} {
		ms, err := loadMigrations(migrationsFS, driver)
		if err != nil || len(ms) < 2 {
			t.Fatalf("%s: migrations=%d err=%v", driver, len(ms), err)
		}
	}
}
