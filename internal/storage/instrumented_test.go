package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/observability"
	"cutoff-lab/internal/storage"
	"cutoff-lab/internal/storage/memory"
)

func TestInstrumentedCutoffStore(t *testing.T) {
	ctx := context.Background()
	m := observability.NewMetrics("test", prometheus.NewRegistry())
	s := storage.InstrumentCutoffs(memory.NewCutoffStore(storage.ReplacePolicy{}), "memory", m)

	if _, err := s.Get(ctx, "BINANCE_BTC_USDT"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Put(ctx, &domain.CutoffRecord{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	rec := &domain.CutoffRecord{
		MarketID:       "BINANCE_BTC_USDT",
		CutoffDate:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		PrecisionHours: 24,
		DiscoveredAt:   time.Now(),
	}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	recs, err := s.List(ctx)
	if err != nil || len(recs) != 1 {
		t.Fatalf("List: %v, %d records", err, len(recs))
	}

	if got := testutil.ToFloat64(m.DBQueryErrors.WithLabelValues("memory", "cutoff_get")); got != 0 {
		t.Errorf("not found counted as error: %v", got)
	}
	if got := testutil.ToFloat64(m.DBQueryErrors.WithLabelValues("memory", "cutoff_put")); got != 1 {
		t.Errorf("expected 1 put error, got %v", got)
	}
	if n := testutil.CollectAndCount(m.DBQueryDuration); n != 3 {
		t.Errorf("expected 3 observed operations, got %d", n)
	}
}

func TestInstrumentedProbeHistoryStore(t *testing.T) {
	ctx := context.Background()
	m := observability.NewMetrics("test", prometheus.NewRegistry())
	s := storage.InstrumentHistory(memory.NewProbeHistoryStore(), "memory", m)

	now := time.Now()
	rec := &domain.ProbeRecord{
		ProbeID:     "p1",
		MarketID:    "BINANCE_BTC_USDT",
		LabID:       "lab-1",
		PeriodStart: now.Add(-24 * time.Hour),
		PeriodEnd:   now,
		State:       domain.ProbeSucceeded,
		Attempt:     1,
		ObservedAt:  now,
	}
	if err := s.Append(ctx, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, rec); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	recs, err := s.ListByMarket(ctx, "BINANCE_BTC_USDT")
	if err != nil || len(recs) != 1 {
		t.Fatalf("ListByMarket: %v, %d records", err, len(recs))
	}
	if got := testutil.ToFloat64(m.DBQueryErrors.WithLabelValues("memory", "probe_append")); got != 1 {
		t.Errorf("expected 1 append error, got %v", got)
	}
}
