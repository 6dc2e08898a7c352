package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if ingestQuotesTotal == nil || loopFailuresTotal == nil || sequentialCursor == nil {
		t.Fatal("Init() did not initialize collectors")
	}
}

func TestObserveIngest(t *testing.T) {
	before := testutil.ToFloat64(mustCounter(t, "random", "added"))

	ObserveIngest("random", 2, 0, 1, 150*time.Millisecond)

	if got := testutil.ToFloat64(mustCounter(t, "random", "added")); got != before+2 {
		t.Fatalf("added = %v, want %v", got, before+2)
	}
}

func TestSequentialCursorGauge(t *testing.T) {
	SetSequentialCursor(42)
	if got := testutil.ToFloat64(sequentialCursor); got != 42 {
		t.Fatalf("cursor = %v, want 42", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveServingRestart()
	ObserveLoopFailure("latest")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{"quotebot_serving_restarts_total", `quotebot_loop_failures_total{loop="latest"}`} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output lacks %s", name)
		}
	}
}

func mustCounter(t *testing.T, loop, result string) prometheus.Counter {
	t.Helper()
	Init()
	return ingestQuotesTotal.WithLabelValues(loop, result)
}
