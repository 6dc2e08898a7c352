// Package ingest moves fetched quotes into the store: upsert first, then a
// best-effort download of the quote's assets.
//
// Nothing here takes the harvest lock. Callers that need bursts to be
// serialized hold it around Ingest; UpdateQuote runs without it.
package ingest

import (
	"context"
	"fmt"
	"iter"
	"time"

	"quotebot/internal/metrics"
	"quotebot/internal/quote"
	"quotebot/internal/source/bashim"
	"quotebot/internal/storage"
	"quotebot/pkg/logx"
)

// Store is the part of storage.Store the ingestor writes to.
type Store interface {
	UpsertFrom(ctx context.Context, q quote.Quote) (quote.Record, storage.Change, error)
	SetAssets(ctx context.Context, id int64, paths []string) error
}

// Source is the part of the source client the ingestor needs.
type Source interface {
	FetchSingle(ctx context.Context, id int64) (quote.Quote, bool, error)
	FetchAssets(ctx context.Context, q quote.Quote, dir string) []bashim.AssetResult
}

// Result summarizes one ingestion burst.
type Result struct {
	Added     int
	Updated   int
	Unchanged int
	Assets    []bashim.AssetResult
	Took      time.Duration
}

// Seen is the number of quotes that reached the store.
func (r Result) Seen() int { return r.Added + r.Updated + r.Unchanged }

func (r Result) AssetFailures() int {
	n := 0
	for _, a := range r.Assets {
		if a.Err != nil {
			n++
		}
	}
	return n
}

type Ingestor struct {
	store     Store
	src       Source
	assetsDir string
	log       logx.Logger
}

func New(store Store, src Source, assetsDir string, log logx.Logger) *Ingestor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ingestor{store: store, src: src, assetsDir: assetsDir, log: log}
}

func (in *Ingestor) AssetsDir() string { return in.assetsDir }

// Ingest upserts every quote of seq in order and downloads its assets right
// after, whatever the upsert did. An error from seq or from the store ends
// the burst; the returned Result still holds the counts so far.
// Asset failures never end the burst.
func (in *Ingestor) Ingest(ctx context.Context, seq iter.Seq2[quote.Quote, error], assetsDir string) (Result, error) {
	started := time.Now()
	var res Result

	for q, err := range seq {
		if err != nil {
			res.Took = time.Since(started)
			return res, err
		}
		_, change, err := in.store.UpsertFrom(ctx, q)
		if err != nil {
			res.Took = time.Since(started)
			return res, fmt.Errorf("upsert quote %d: %w", q.ID, err)
		}
		switch change {
		case storage.Created:
			res.Added++
		case storage.Updated:
			res.Updated++
		default:
			res.Unchanged++
		}
		res.Assets = append(res.Assets, in.assets(ctx, q, assetsDir)...)
	}
	res.Took = time.Since(started)
	return res, nil
}

func (in *Ingestor) assets(ctx context.Context, q quote.Quote, dir string) []bashim.AssetResult {
	if len(q.Assets) == 0 || dir == "" {
		return nil
	}
	results := in.src.FetchAssets(ctx, q, dir)
	for _, r := range results {
		switch {
		case r.Err != nil:
			metrics.ObserveAsset("failed")
		case r.Skipped:
			metrics.ObserveAsset("skipped")
		default:
			metrics.ObserveAsset("ok")
		}
	}
	paths := bashim.Paths(results)
	if len(paths) == 0 {
		return results
	}
	if err := in.store.SetAssets(ctx, q.ID, paths); err != nil {
		in.log.Warn("asset paths not saved", logx.Int64("quote_id", q.ID), logx.Err(err))
	}
	return results
}

// UpdateQuote refreshes a single quote from the source.
//
// It does not take the harvest lock, so it may interleave with a running
// burst. Both only touch the row they write, which keeps the record itself
// consistent; count deltas logged by a concurrent burst may include it.
func (in *Ingestor) UpdateQuote(ctx context.Context, id int64) (quote.Outcome, error) {
	out := quote.Outcome{ID: id, Kind: quote.OutcomeNotFound}
	q, found, err := in.src.FetchSingle(ctx, id)
	if err != nil {
		return out, err
	}
	if !found {
		return out, nil
	}

	res, err := in.Ingest(ctx, single(q), in.assetsDir)
	if err != nil {
		return out, err
	}
	switch {
	case res.Added > 0:
		out.Kind = quote.OutcomeAdded
	case res.Updated > 0:
		out.Kind = quote.OutcomeUpdated
		out.Changed = []string{"text"}
	default:
		out.Kind = quote.OutcomeNoChanges
	}
	in.log.Info("quote updated on demand", logx.Int64("quote_id", id), logx.String("outcome", out.Kind.String()))
	return out, nil
}

func single(q quote.Quote) iter.Seq2[quote.Quote, error] {
	return func(yield func(quote.Quote, error) bool) {
		yield(q, nil)
	}
}
