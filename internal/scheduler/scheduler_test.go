package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/orchestrator"
	"cutoff-lab/internal/storage"
	"cutoff-lab/internal/storage/memory"
)

var testNow = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type fakeQueue struct {
	mu        sync.Mutex
	submitted []string
	fail      map[string]bool
}

func (q *fakeQueue) Submit(t orchestrator.Target) (<-chan orchestrator.QueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submitted = append(q.submitted, t.Market.ID())
	ch := make(chan orchestrator.QueueResult, 1)
	var err error
	if q.fail[t.Market.ID()] {
		err = errors.New("engine unavailable")
	}
	ch <- orchestrator.QueueResult{Err: err}
	return ch, nil
}

func market(base string) domain.Market {
	return domain.NewMarket("binance", base, "usdt")
}

func TestRediscovery_Run(t *testing.T) {
	ctx := context.Background()
	policy := storage.ReplacePolicy{StaleAfter: 30 * domain.Day, Now: func() time.Time { return testNow }}
	store := memory.NewCutoffStore(policy)

	put := func(base string, age time.Duration, degraded bool) {
		t.Helper()
		err := store.Put(ctx, &domain.CutoffRecord{
			MarketID:       market(base).ID(),
			CutoffDate:     testNow.Add(-100 * domain.Day),
			PrecisionHours: 24,
			DiscoveredAt:   testNow.Add(-age),
			SourceLabID:    "lab-" + base,
			Degraded:       degraded,
		})
		if err != nil {
			t.Fatalf("Put %s: %v", base, err)
		}
	}
	put("btc", domain.Day, false)    // fresh
	put("eth", 45*domain.Day, false) // stale
	put("sol", 2*domain.Day, true)   // degraded
	// ada has no record

	var targets []orchestrator.Target
	for _, base := range []string{"btc", "eth", "sol", "ada"} {
		targets = append(targets, orchestrator.Target{LabID: "lab-" + base, Market: market(base)})
	}

	q := &fakeQueue{fail: map[string]bool{market("sol").ID(): true}}
	r := &Rediscovery{Store: store, Policy: policy, Targets: targets, Queue: q}

	ok, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{market("eth").ID(), market("sol").ID(), market("ada").ID()}
	if len(q.submitted) != len(want) {
		t.Fatalf("expected %v submitted, got %v", want, q.submitted)
	}
	for i := range want {
		if q.submitted[i] != want[i] {
			t.Errorf("submission %d: expected %s, got %s", i, want[i], q.submitted[i])
		}
	}
	if ok != 2 {
		t.Errorf("expected 2 successful rediscoveries, got %d", ok)
	}
}

func TestRediscovery_NothingDue(t *testing.T) {
	r := &Rediscovery{Store: memory.NewCutoffStore(storage.ReplacePolicy{}), Queue: &fakeQueue{}}
	ok, err := r.Run(context.Background())
	if err != nil || ok != 0 {
		t.Fatalf("expected no work, got %d, %v", ok, err)
	}
}

func TestRunner_RunsJob(t *testing.T) {
	r := New(nil, context.Background())
	var calls atomic.Int32
	done := make(chan struct{})
	_, err := r.Add("@every 1s", func(ctx context.Context) {
		if calls.Add(1) == 1 {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	r.Start()
	defer r.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestRunner_InvalidSchedule(t *testing.T) {
	r := New(nil, nil)
	if _, err := r.Add("every day", func(context.Context) {}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}
