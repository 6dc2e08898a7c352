package harvest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"quotebot/internal/metrics"
	"quotebot/pkg/logx"
)

const backupPrefix = "quotes-"

// BackupJob writes a timestamped copy of the store into the backup
// directory and prunes old copies beyond Keep. It holds the harvest lock so
// the copy never lands in the middle of a burst.
func (h *Harvester) BackupJob(ctx context.Context) error {
	err := h.cycle(ctx, h.backupOnce)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.ObserveBackup("failed")
		h.fail(ctx, OriginBackup, err)
		return err
	}
	metrics.ObserveBackup("ok")
	return nil
}

func (h *Harvester) backupOnce(ctx context.Context) error {
	bc := h.cfg.Backup
	if strings.TrimSpace(bc.Dir) == "" {
		return errors.New("backup dir is not configured")
	}
	if err := os.MkdirAll(bc.Dir, 0o755); err != nil {
		return fmt.Errorf("backup dir: %w", err)
	}

	start := time.Now()
	dst := filepath.Join(bc.Dir, backupName(h.now(), bc.Ext))
	if err := h.lockedBackup(ctx, dst); err != nil {
		return err
	}

	size := "?"
	if fi, err := os.Stat(dst); err == nil {
		size = humanize.Bytes(uint64(fi.Size()))
	}
	removed, err := pruneBackups(bc.Dir, bc.Ext, bc.Keep)
	if err != nil {
		h.log.Warn("backup prune failed", logx.Err(err))
	}
	h.log.Info("backup written",
		logx.String("path", dst),
		logx.String("size", size),
		logx.Int("pruned", len(removed)),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

func (h *Harvester) lockedBackup(ctx context.Context, dst string) error {
	ctx, release, err := h.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return h.store.Backup(ctx, dst)
}

func backupName(at time.Time, ext string) string {
	return backupPrefix + at.Format("20060102-150405") + ext
}

// pruneBackups deletes the oldest backups so that at most keep remain.
// keep <= 0 keeps everything. Names sort by time because of their layout.
func pruneBackups(dir, ext string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.Type().IsRegular() && strings.HasPrefix(n, backupPrefix) && strings.HasSuffix(n, ext) {
			names = append(names, n)
		}
	}
	if len(names) <= keep {
		return nil, nil
	}
	slices.Sort(names)
	var removed []string
	var errs []error
	for _, n := range names[:len(names)-keep] {
		p := filepath.Join(dir, n)
		if err := os.Remove(p); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, p)
	}
	return removed, errors.Join(errs...)
}
