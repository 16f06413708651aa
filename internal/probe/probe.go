// Package probe runs single timed backtest attempts and classifies them.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/engine"
	"cutoff-lab/internal/execution"
	"cutoff-lab/internal/idhash"
	"cutoff-lab/internal/observability"
	"cutoff-lab/internal/storage"
)

// DefaultMinWindow is the shortest period a probe accepts.
const DefaultMinWindow = 24 * time.Hour

// Runner runs one probe. Implemented by Prober; search depends on this.
type Runner interface {
	Run(ctx context.Context, lab domain.Lab, period domain.ProbePeriod) (domain.ProbeResult, error)
}

// Options for creating a Prober.
type Options struct {
	Control  engine.LabControl
	Machines *execution.Registry

	Policy     RetryPolicy
	Classifier Classifier
	MinWindow  time.Duration // zero means DefaultMinWindow

	// Optional
	History storage.ProbeHistoryStore
	Metrics *observability.Metrics
	Clock   execution.Clock
	Logger  *zap.Logger
}

// Prober runs timed backtest attempts over candidate periods.
type Prober struct {
	control    engine.LabControl
	machines   *execution.Registry
	policy     RetryPolicy
	classifier Classifier
	minWindow  time.Duration
	history    storage.ProbeHistoryStore
	metrics    *observability.Metrics
	clock      execution.Clock
	logger     *zap.Logger
}

// New creates a Prober.
func New(opts Options) *Prober {
	p := &Prober{
		control:    opts.Control,
		machines:   opts.Machines,
		policy:     opts.Policy,
		classifier: opts.Classifier,
		minWindow:  opts.MinWindow,
		history:    opts.History,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
	if p.minWindow <= 0 {
		p.minWindow = DefaultMinWindow
	}
	if p.classifier.InsufficientMarkers == nil {
		p.classifier = DefaultClassifier()
	}
	if p.clock == nil {
		p.clock = execution.RealClock{}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Compile-time interface check.
var _ Runner = (*Prober)(nil)

// MinWindow returns the shortest accepted period.
func (p *Prober) MinWindow() time.Duration {
	return p.minWindow
}

// Run probes period on lab. Operational failures are retried per policy;
// when retries are exhausted the result is marked Inconclusive. The error is
// non-nil only when ctx is done.
func (p *Prober) Run(ctx context.Context, lab domain.Lab, period domain.ProbePeriod) (domain.ProbeResult, error) {
	log := p.logger.With(
		zap.String("lab_id", lab.ID),
		zap.String("market", lab.Market.ID()),
		zap.String("period", period.Label),
	)

	if period.Duration() < p.minWindow {
		result := domain.ProbeResult{
			Period:       period,
			State:        domain.ProbeError,
			ObservedAt:   p.clock.Now(),
			Detail:       fmt.Sprintf("period %s shorter than minimum window %s", period.Duration(), p.minWindow),
			Inconclusive: true,
		}
		log.Warn("rejected degenerate probe period", zap.Duration("duration", period.Duration()))
		p.metrics.ObserveProbeResult(result.State, true)
		return result, nil
	}

	result := domain.ProbeResult{Period: period}
	for attempt := 1; ; attempt++ {
		started := p.clock.Now()
		state, detail := p.attempt(ctx, lab, period)
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.State = state
		result.Detail = detail
		result.ObservedAt = p.clock.Now()
		result.Attempts = attempt

		p.metrics.ObserveProbeAttempt(state, result.ObservedAt.Sub(started))
		p.record(ctx, lab, period, attempt, state, detail, result.ObservedAt)
		log.Debug("probe attempt finished",
			zap.Int("attempt", attempt),
			zap.String("state", state.String()),
			zap.String("detail", detail))

		if !state.IsOperational() {
			break
		}
		if !p.policy.ShouldRetry(state, attempt) {
			result.Inconclusive = true
			log.Warn("probe inconclusive after retries",
				zap.Int("attempts", attempt),
				zap.String("state", state.String()),
				zap.String("detail", detail))
			break
		}

		log.Info("retrying probe after operational failure",
			zap.Int("attempt", attempt),
			zap.String("state", state.String()))
		if err := p.sleep(ctx, p.policy.Delay); err != nil {
			return result, err
		}
	}

	p.metrics.ObserveProbeResult(result.State, result.Inconclusive)
	return result, nil
}

// attempt runs one engine execution: reset, configure, start, await, classify.
func (p *Prober) attempt(ctx context.Context, lab domain.Lab, period domain.ProbePeriod) (domain.TerminalState, string) {
	m := p.machines.Machine(lab.ID)

	if err := m.ForceCancel(ctx); err != nil {
		return domain.ProbeError, fmt.Sprintf("reset: %v", err)
	}
	if err := p.control.Configure(ctx, lab.ID, domain.LabConfig{Period: period}); err != nil {
		return domain.ProbeError, fmt.Sprintf("configure: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		if errors.Is(err, execution.ErrEngineBusy) {
			p.logger.Error("engine held by another lab during probe",
				zap.String("lab_id", lab.ID), zap.String("holder", p.machines.Holder()))
		}
		return domain.ProbeError, fmt.Sprintf("start: %v", err)
	}

	obs, err := m.Await(ctx)
	if err != nil {
		// Leave the lab idle for the next attempt; ctx may already be done.
		_ = m.ForceCancel(context.WithoutCancel(ctx))
		return domain.ProbeError, fmt.Sprintf("await: %v", err)
	}
	if err := m.Reset(); err != nil {
		p.logger.Warn("reset after probe failed", zap.String("lab_id", lab.ID), zap.Error(err))
	}

	return p.classifier.Classify(obs), obs.Detail
}

// record appends the attempt to the probe history. Failures are logged only.
func (p *Prober) record(ctx context.Context, lab domain.Lab, period domain.ProbePeriod, attempt int, state domain.TerminalState, detail string, observedAt time.Time) {
	if p.history == nil {
		return
	}
	rec := &domain.ProbeRecord{
		ProbeID:     idhash.ComputeProbeID(lab.ID, period.Start.Unix(), period.End.Unix(), attempt, observedAt.UnixMilli()),
		MarketID:    lab.Market.ID(),
		LabID:       lab.ID,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Label:       period.Label,
		State:       state,
		Attempt:     attempt,
		Detail:      detail,
		ObservedAt:  observedAt,
	}
	if err := p.history.Append(ctx, rec); err != nil {
		p.logger.Warn("append probe history failed", zap.String("lab_id", lab.ID), zap.Error(err))
	}
}

func (p *Prober) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(d):
		return nil
	}
}
