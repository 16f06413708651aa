package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/storage"
)

func probe(id, market string, observedAt time.Time) *domain.ProbeRecord {
	return &domain.ProbeRecord{
		ProbeID:     id,
		MarketID:    market,
		LabID:       "lab-001",
		PeriodStart: observedAt.Add(-domain.Month),
		PeriodEnd:   observedAt,
		Label:       "1mo",
		State:       domain.ProbeSucceeded,
		Attempt:     1,
		ObservedAt:  observedAt,
	}
}

func TestProbeHistoryStore_AppendAndList(t *testing.T) {
	store := NewProbeHistoryStore()
	ctx := context.Background()

	// Appended out of order; listing sorts by observed_at
	records := []*domain.ProbeRecord{
		probe("p3", "BINANCE_BTC_USDT", testNow.Add(3*time.Minute)),
		probe("p1", "BINANCE_BTC_USDT", testNow.Add(1*time.Minute)),
		probe("p2", "BINANCE_BTC_USDT", testNow.Add(2*time.Minute)),
		probe("q1", "KRAKEN_ETH_USD", testNow),
	}
	for _, r := range records {
		if err := store.Append(ctx, r); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := store.ListByMarket(ctx, "BINANCE_BTC_USDT")
	if err != nil {
		t.Fatalf("ListByMarket failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 probes, got %d", len(got))
	}
	for i, want := range []string{"p1", "p2", "p3"} {
		if got[i].ProbeID != want {
			t.Errorf("probe %d = %s, want %s", i, got[i].ProbeID, want)
		}
	}
}

func TestProbeHistoryStore_Duplicate(t *testing.T) {
	store := NewProbeHistoryStore()
	ctx := context.Background()

	rec := probe("p1", "BINANCE_BTC_USDT", testNow)
	if err := store.Append(ctx, rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Append(ctx, rec); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestProbeHistoryStore_Invalid(t *testing.T) {
	store := NewProbeHistoryStore()

	rec := probe("", "BINANCE_BTC_USDT", testNow)
	if err := store.Append(context.Background(), rec); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestProbeHistoryStore_EmptyMarket(t *testing.T) {
	store := NewProbeHistoryStore()

	got, err := store.ListByMarket(context.Background(), "NONE")
	if err != nil {
		t.Fatalf("ListByMarket failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no probes, got %d", len(got))
	}
}
