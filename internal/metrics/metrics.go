// Package metrics exposes Prometheus collectors for the bot.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ingestQuotesTotal     *prometheus.CounterVec
	assetsTotal           *prometheus.CounterVec
	loopFailuresTotal     *prometheus.CounterVec
	servingRestartsTotal  prometheus.Counter
	ingestDurationSeconds *prometheus.HistogramVec
	sequentialCursor      prometheus.Gauge
	commandsTotal         *prometheus.CounterVec
	backupsTotal          *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call multiple times; every Observe helper calls it.
func Init() {
	once.Do(func() {
		ingestQuotesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotebot_ingest_quotes_total",
				Help: "Quotes passed through ingestion, labeled by loop and result.",
			},
			[]string{"loop", "result"},
		)

		assetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotebot_assets_total",
				Help: "Asset downloads, labeled by result (ok, skipped, failed).",
			},
			[]string{"result"},
		)

		loopFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotebot_loop_failures_total",
				Help: "Failed loop iterations, labeled by origin.",
			},
			[]string{"loop"},
		)

		servingRestartsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "quotebot_serving_restarts_total",
				Help: "Times the chat serving loop exited with an error and was restarted.",
			},
		)

		ingestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotebot_ingest_duration_seconds",
				Help:    "Duration of one ingestion pass, labeled by loop.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"loop"},
		)

		sequentialCursor = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "quotebot_sequential_cursor",
				Help: "Next listing page the sequential harvester will fetch.",
			},
		)

		commandsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotebot_commands_total",
				Help: "Chat commands handled, labeled by command and status.",
			},
			[]string{"command", "status"},
		)

		backupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotebot_backups_total",
				Help: "Database backups, labeled by status.",
			},
			[]string{"status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveIngest records one ingestion pass.
func ObserveIngest(loop string, added, updated, unchanged int, took time.Duration) {
	Init()
	if added > 0 {
		ingestQuotesTotal.WithLabelValues(loop, "added").Add(float64(added))
	}
	if updated > 0 {
		ingestQuotesTotal.WithLabelValues(loop, "updated").Add(float64(updated))
	}
	if unchanged > 0 {
		ingestQuotesTotal.WithLabelValues(loop, "unchanged").Add(float64(unchanged))
	}
	ingestDurationSeconds.WithLabelValues(loop).Observe(took.Seconds())
}

// ObserveAsset counts one asset download by result.
func ObserveAsset(result string) {
	Init()
	assetsTotal.WithLabelValues(result).Inc()
}

// ObserveLoopFailure counts a failed iteration of a loop or task.
func ObserveLoopFailure(loop string) {
	Init()
	loopFailuresTotal.WithLabelValues(loop).Inc()
}

// ObserveServingRestart counts a restart of the serving loop.
func ObserveServingRestart() {
	Init()
	servingRestartsTotal.Inc()
}

// SetSequentialCursor publishes the sequential harvester position.
func SetSequentialCursor(page int) {
	Init()
	sequentialCursor.Set(float64(page))
}

// ObserveCommand counts a handled chat command.
func ObserveCommand(command, status string) {
	Init()
	commandsTotal.WithLabelValues(command, status).Inc()
}

// ObserveBackup counts a backup run.
func ObserveBackup(status string) {
	Init()
	backupsTotal.WithLabelValues(status).Inc()
}
