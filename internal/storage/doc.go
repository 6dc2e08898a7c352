// Package storage persists quote records, the error log, loop cursors and
// chat users.
//
// Two backends implement Store:
//   - sqlite (modernc.org/sqlite), the default single-file database
//   - postgres (pgx/v5 pgxpool)
//
// Schema changes live in embedded migrations/<driver>/*.sql files and are
// applied once each, tracked in schema_migrations.
package storage
