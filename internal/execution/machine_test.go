package execution

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/engine/stub"
)

var (
	testNow    = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	testMarket = domain.NewMarket("binance", "btc", "usdt")
)

// newTestEngine returns a stub engine with one lab whose period lies within history.
func newTestEngine(t *testing.T, labIDs ...string) *stub.Engine {
	t.Helper()
	eng := stub.NewEngine()
	eng.AddMarket(testMarket, testNow.Add(-90*domain.Day), decimal.NewFromInt(65000))
	for _, id := range labIDs {
		eng.AddLab(id, testMarket)
		err := eng.Configure(context.Background(), id, domain.LabConfig{
			Period: domain.PeriodEndingAt(testNow, 30*domain.Day, "30d"),
		})
		if err != nil {
			t.Fatalf("configure %s: %v", id, err)
		}
	}
	return eng
}

func testConfig() Config {
	return Config{
		StartDelay:    5 * time.Second,
		PollInterval:  5 * time.Second,
		MaxWait:       2 * time.Minute,
		CancelTimeout: 30 * time.Second,
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.ExecutionStatus
		want     bool
	}{
		{domain.StatusIdle, domain.StatusQueued, true},
		{domain.StatusIdle, domain.StatusRunning, false},
		{domain.StatusQueued, domain.StatusRunning, true},
		{domain.StatusQueued, domain.StatusCancelled, true},
		{domain.StatusRunning, domain.StatusSucceeded, true},
		{domain.StatusRunning, domain.StatusQueued, false},
		{domain.StatusSucceeded, domain.StatusIdle, true},
		{domain.StatusSucceeded, domain.StatusRunning, false},
		{domain.StatusCancelled, domain.StatusQueued, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMachine_StartAwaitSucceeded(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, "lab-1")
	m := NewMachine("lab-1", eng, testConfig(), NewStepClock(testNow), nil)

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.State() != domain.StatusQueued {
		t.Fatalf("expected QUEUED after start, got %s", m.State())
	}

	obs, err := m.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if obs.Status != domain.StatusSucceeded {
		t.Errorf("expected SUCCEEDED, got %s (%s)", obs.Status, obs.Detail)
	}
	if obs.TimedOut {
		t.Error("expected no timeout")
	}
	if obs.EvaluatedBars <= 0 {
		t.Errorf("expected evaluated bars, got %d", obs.EvaluatedBars)
	}
	if m.State() != domain.StatusSucceeded {
		t.Errorf("expected SUCCEEDED state, got %s", m.State())
	}

	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if m.State() != domain.StatusIdle {
		t.Errorf("expected IDLE after reset, got %s", m.State())
	}
}

func TestMachine_StartRequiresIdle(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, "lab-1")
	m := NewMachine("lab-1", eng, testConfig(), NewStepClock(testNow), nil)

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := m.Start(ctx)
	if !errors.Is(err, ErrNotIdle) {
		t.Fatalf("expected ErrNotIdle, got %v", err)
	}
	if eng.Starts() != 1 {
		t.Errorf("expected 1 engine start, got %d", eng.Starts())
	}
}

func TestMachine_AwaitWithoutStart(t *testing.T) {
	eng := newTestEngine(t, "lab-1")
	m := NewMachine("lab-1", eng, testConfig(), NewStepClock(testNow), nil)

	_, err := m.Await(context.Background())
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestMachine_AwaitTimeoutCancels(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, "lab-1")
	eng.InjectFault(stub.FaultHang)
	clock := NewStepClock(testNow)
	m := NewMachine("lab-1", eng, testConfig(), clock, nil)

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	obs, err := m.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !obs.TimedOut {
		t.Fatalf("expected timeout, got %+v", obs)
	}
	if obs.Status != domain.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", obs.Status)
	}
	if m.State() != domain.StatusIdle {
		t.Errorf("expected IDLE after forced cancel, got %s", m.State())
	}
	lab, _ := eng.Lab("lab-1")
	if lab.Status != domain.StatusCancelled {
		t.Errorf("expected engine lab CANCELLED, got %s", lab.Status)
	}
	if elapsed := clock.Now().Sub(testNow); elapsed < testConfig().MaxWait {
		t.Errorf("expected to wait at least %s, waited %s", testConfig().MaxWait, elapsed)
	}
}

func TestMachine_StartLagIgnored(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, "lab-1")
	eng.StartLag = 3
	m := NewMachine("lab-1", eng, testConfig(), NewStepClock(testNow), nil)

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	obs, err := m.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if obs.Status != domain.StatusSucceeded {
		t.Errorf("expected SUCCEEDED despite start lag, got %s", obs.Status)
	}
}

func TestMachine_ForceCancelIdempotent(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, "lab-1")
	m := NewMachine("lab-1", eng, testConfig(), NewStepClock(testNow), nil)

	for i := 0; i < 3; i++ {
		if err := m.ForceCancel(ctx); err != nil {
			t.Fatalf("ForceCancel #%d: %v", i, err)
		}
		if m.State() != domain.StatusIdle {
			t.Fatalf("expected IDLE, got %s", m.State())
		}
	}
	if eng.Cancels() != 0 {
		t.Errorf("expected no engine cancel for idle lab, got %d", eng.Cancels())
	}
}

func TestMachine_ForceCancelLeftoverRun(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, "lab-1")
	eng.SetStatus("lab-1", domain.StatusRunning)
	m := NewMachine("lab-1", eng, testConfig(), NewStepClock(testNow), nil)

	if err := m.ForceCancel(ctx); err != nil {
		t.Fatalf("ForceCancel: %v", err)
	}
	lab, _ := eng.Lab("lab-1")
	if lab.Status.IsActive() {
		t.Errorf("expected engine lab inactive, got %s", lab.Status)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start after force cancel: %v", err)
	}
}

func TestMachine_ForceCancelAfterFinishedRun(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, "lab-1")
	m := NewMachine("lab-1", eng, testConfig(), NewStepClock(testNow), nil)

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Await(ctx); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if err := m.ForceCancel(ctx); err != nil {
		t.Fatalf("ForceCancel: %v", err)
	}
	if m.State() != domain.StatusIdle {
		t.Errorf("expected IDLE, got %s", m.State())
	}
}

func TestRegistry_SingleHolder(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, "lab-a", "lab-b")
	reg := NewRegistry(eng, testConfig(), NewStepClock(testNow), nil)

	a := reg.Machine("lab-a")
	b := reg.Machine("lab-b")
	if reg.Machine("lab-a") != a {
		t.Fatal("expected registry to return the same machine per lab")
	}

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(ctx); !errors.Is(err, ErrEngineBusy) {
		t.Fatalf("expected ErrEngineBusy, got %v", err)
	}
	if got := reg.Active(); len(got) != 1 || got[0] != "lab-a" {
		t.Fatalf("expected only lab-a active, got %v", got)
	}

	if _, err := a.Await(ctx); err != nil {
		t.Fatalf("await a: %v", err)
	}
	if reg.Holder() != "" {
		t.Fatalf("expected engine released, held by %q", reg.Holder())
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b after release: %v", err)
	}
}

// randomOp applies one random lifecycle operation to m. Errors are expected
// (busy engine, not idle, not started) and ignored.
func randomOp(ctx context.Context, rng *rand.Rand, m *Machine) {
	switch rng.Intn(5) {
	case 0:
		_ = m.Start(ctx)
	case 1:
		_ = m.ForceCancel(ctx)
	case 2:
		_, _ = m.Poll(ctx)
	case 3:
		if m.State().IsActive() {
			_, _ = m.Await(ctx)
		}
	case 4:
		if m.State().IsTerminal() {
			_ = m.Reset()
		}
	}
}

func TestRegistry_RandomizedInterleavings(t *testing.T) {
	ctx := context.Background()
	labs := []string{"lab-a", "lab-b", "lab-c"}

	for seed := int64(1); seed <= 20; seed++ {
		eng := newTestEngine(t, labs...)
		eng.QueuedPolls = 2
		eng.RunningPolls = 3
		reg := NewRegistry(eng, testConfig(), NewStepClock(testNow), nil)
		rng := rand.New(rand.NewSource(seed))

		for i := 0; i < 300; i++ {
			if rng.Intn(10) == 0 {
				eng.InjectFault(stub.Fault(rng.Intn(4)))
			}
			m := reg.Machine(labs[rng.Intn(len(labs))])
			randomOp(ctx, rng, m)

			if active := reg.Active(); len(active) > 1 {
				t.Fatalf("seed %d step %d: %d active executions: %v", seed, i, len(active), active)
			}
		}
		if eng.MaxActive() > 1 {
			t.Fatalf("seed %d: engine saw %d simultaneous executions", seed, eng.MaxActive())
		}
	}
}

func TestRegistry_ConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	labs := []string{"lab-a", "lab-b", "lab-c", "lab-d"}
	eng := newTestEngine(t, labs...)
	reg := NewRegistry(eng, testConfig(), NewStepClock(testNow), nil)

	var wg sync.WaitGroup
	for w := 0; w < len(labs); w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(100 + w)))
			m := reg.Machine(labs[w])
			for i := 0; i < 200; i++ {
				randomOp(ctx, rng, m)
			}
		}(w)
	}
	wg.Wait()

	if eng.MaxActive() > 1 {
		t.Fatalf("engine saw %d simultaneous executions", eng.MaxActive())
	}
}
