package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/engine/stub"
	"cutoff-lab/internal/execution"
	"cutoff-lab/internal/storage/memory"
)

var (
	testNow    = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	testMarket = domain.NewMarket("binance", "btc", "usdt")
	testLab    = domain.Lab{ID: "lab-1", Market: testMarket}
)

type harness struct {
	eng     *stub.Engine
	history *memory.ProbeHistoryStore
	prober  *Prober
}

// newHarness wires a prober to a stub engine whose history starts 90 days
// before testNow.
func newHarness(t *testing.T, policy RetryPolicy) *harness {
	t.Helper()
	eng := stub.NewEngine()
	eng.AddMarket(testMarket, testNow.Add(-90*domain.Day), decimal.NewFromInt(65000))
	eng.AddLab(testLab.ID, testMarket)

	clock := execution.NewStepClock(testNow)
	cfg := execution.Config{
		StartDelay:    5 * time.Second,
		PollInterval:  5 * time.Second,
		MaxWait:       2 * time.Minute,
		CancelTimeout: 30 * time.Second,
	}
	history := memory.NewProbeHistoryStore()
	return &harness{
		eng:     eng,
		history: history,
		prober: New(Options{
			Control:  eng,
			Machines: execution.NewRegistry(eng, cfg, clock, nil),
			Policy:   policy,
			History:  history,
			Clock:    clock,
		}),
	}
}

func period(d time.Duration) domain.ProbePeriod {
	return domain.PeriodEndingAt(testNow, d, domain.FormatSpan(d))
}

func TestRun_Succeeded(t *testing.T) {
	h := newHarness(t, DefaultRetryPolicy())

	res, err := h.prober.Run(context.Background(), testLab, period(30*domain.Day))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != domain.ProbeSucceeded || res.Inconclusive {
		t.Fatalf("expected conclusive SUCCEEDED, got %s (inconclusive=%v)", res.State, res.Inconclusive)
	}
	if res.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", res.Attempts)
	}
}

func TestRun_InsufficientData(t *testing.T) {
	h := newHarness(t, DefaultRetryPolicy())

	res, err := h.prober.Run(context.Background(), testLab, period(120*domain.Day))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != domain.ProbeInsufficientData {
		t.Fatalf("expected INSUFFICIENT_DATA, got %s: %s", res.State, res.Detail)
	}
	// A data boundary is never retried
	if res.Attempts != 1 || h.eng.Starts() != 1 {
		t.Errorf("expected a single attempt, got attempts=%d starts=%d", res.Attempts, h.eng.Starts())
	}
}

// A timeout followed by a success on immediate retry is a success after two
// probes, never a data boundary.
func TestRun_TimeoutThenSucceededOnRetry(t *testing.T) {
	h := newHarness(t, DefaultRetryPolicy())
	h.eng.InjectFault(stub.FaultHang)

	res, err := h.prober.Run(context.Background(), testLab, period(30*domain.Day))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != domain.ProbeSucceeded || res.Inconclusive {
		t.Fatalf("expected conclusive SUCCEEDED, got %s (inconclusive=%v)", res.State, res.Inconclusive)
	}
	if res.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", res.Attempts)
	}
	if h.eng.Starts() != 2 {
		t.Errorf("expected 2 engine starts, got %d", h.eng.Starts())
	}

	records, _ := h.history.ListByMarket(context.Background(), testMarket.ID())
	if len(records) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(records))
	}
	if records[0].State != domain.ProbeTimedOut || records[1].State != domain.ProbeSucceeded {
		t.Errorf("unexpected history states: %s, %s", records[0].State, records[1].State)
	}
	if records[0].Attempt != 1 || records[1].Attempt != 2 {
		t.Errorf("unexpected attempt numbers: %d, %d", records[0].Attempt, records[1].Attempt)
	}
}

func TestRun_TwoFailuresAreInconclusive(t *testing.T) {
	h := newHarness(t, DefaultRetryPolicy())
	h.eng.InjectFault(stub.FaultError, stub.FaultCancel)

	res, err := h.prober.Run(context.Background(), testLab, period(30*domain.Day))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Inconclusive {
		t.Fatal("expected inconclusive result after two operational failures")
	}
	if res.State != domain.ProbeCancelled {
		t.Errorf("expected last state CANCELLED, got %s", res.State)
	}
	if res.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", res.Attempts)
	}
}

func TestRun_StartErrorRetried(t *testing.T) {
	h := newHarness(t, DefaultRetryPolicy())
	h.eng.InjectFault(stub.FaultStartError)

	res, err := h.prober.Run(context.Background(), testLab, period(30*domain.Day))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != domain.ProbeSucceeded || res.Attempts != 2 {
		t.Errorf("expected SUCCEEDED after 2 attempts, got %s after %d", res.State, res.Attempts)
	}
}

func TestRun_NoRetryPolicy(t *testing.T) {
	h := newHarness(t, RetryPolicy{MaxRetries: 0})
	h.eng.InjectFault(stub.FaultError)

	res, err := h.prober.Run(context.Background(), testLab, period(30*domain.Day))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != domain.ProbeError || !res.Inconclusive || res.Attempts != 1 {
		t.Errorf("expected inconclusive ERROR after 1 attempt, got %s inconclusive=%v attempts=%d",
			res.State, res.Inconclusive, res.Attempts)
	}
}

func TestRun_DegeneratePeriod(t *testing.T) {
	h := newHarness(t, DefaultRetryPolicy())

	res, err := h.prober.Run(context.Background(), testLab, period(time.Hour))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != domain.ProbeError {
		t.Errorf("expected ERROR for degenerate window, got %s", res.State)
	}
	if res.Attempts != 0 || h.eng.Starts() != 0 {
		t.Errorf("degenerate window must not touch the engine: attempts=%d starts=%d", res.Attempts, h.eng.Starts())
	}
}

func TestRun_LeftoverRunCancelledFirst(t *testing.T) {
	h := newHarness(t, DefaultRetryPolicy())
	h.eng.SetStatus(testLab.ID, domain.StatusRunning)

	res, err := h.prober.Run(context.Background(), testLab, period(30*domain.Day))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != domain.ProbeSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s: %s", res.State, res.Detail)
	}
	if h.eng.Cancels() == 0 {
		t.Error("expected leftover run to be cancelled before the probe")
	}
	if h.eng.MaxActive() > 1 {
		t.Errorf("engine ran %d executions at once", h.eng.MaxActive())
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	h := newHarness(t, DefaultRetryPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.prober.Run(ctx, testLab, period(30*domain.Day))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
