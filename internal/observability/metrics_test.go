package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"cutoff-lab/internal/domain"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveProbeAttempt(domain.ProbeSucceeded, time.Second)
	m.ObserveProbeResult(domain.ProbeError, true)
	m.ObserveDiscovery("converged", 10)
	m.RecordCutoff(&domain.CutoffRecord{}, time.Now())
	m.RecordPreconditionCancel()
	m.RecordFinalize(nil)
	m.SetQueueDepth(3)
	m.RecordDBQuery("postgres", "cutoff_get", time.Millisecond, nil)
	if m.Handler() == nil {
		t.Fatal("expected default handler")
	}
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	m.ObserveProbeAttempt(domain.ProbeTimedOut, 2*time.Minute)
	m.ObserveProbeAttempt(domain.ProbeSucceeded, 10*time.Second)
	if got := testutil.ToFloat64(m.ProbeAttempts.WithLabelValues("TIMED_OUT")); got != 1 {
		t.Errorf("expected 1 timed out attempt, got %v", got)
	}

	m.ObserveDiscovery("cached", 0)
	m.ObserveDiscovery("converged", 10)
	if got := testutil.ToFloat64(m.CutoffCacheHits); got != 1 {
		t.Errorf("expected 1 cache hit, got %v", got)
	}
	if got := testutil.ToFloat64(m.DiscoveryRuns.WithLabelValues("converged")); got != 1 {
		t.Errorf("expected 1 converged run, got %v", got)
	}

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	m.RecordCutoff(&domain.CutoffRecord{MarketID: "BINANCE_BTC_USDT", CutoffDate: now.Add(-48 * time.Hour), DiscoveredAt: now}, now)
	if got := testutil.ToFloat64(m.HistoryDays.WithLabelValues("BINANCE_BTC_USDT")); got != 2 {
		t.Errorf("expected 2 days of history, got %v", got)
	}

	m.RecordFinalize(errors.New("engine down"))
	if got := testutil.ToFloat64(m.LabsFinalized.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 failed finalize, got %v", got)
	}

	m.RecordDBQuery("redis", "cutoff_put", time.Millisecond, errors.New("tx failed"))
	if got := testutil.ToFloat64(m.DBQueryErrors.WithLabelValues("redis", "cutoff_put")); got != 1 {
		t.Errorf("expected 1 db error, got %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())
	m.SetQueueDepth(4)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "test_discovery_queue_depth 4") {
		t.Errorf("expected queue depth in output:\n%s", w.Body.String())
	}
}
