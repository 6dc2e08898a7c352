package storage

import (
	"context"
	"fmt"
	"strings"

	"quotebot/pkg/logx"
)

// Open initializes the configured backend and applies pending migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger, opts ...Option) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(ctx, cfg, log, opts...)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, cfg, log, opts...)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}
