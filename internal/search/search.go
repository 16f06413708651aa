// Package search finds the longest backtest window a market's history
// supports, probing coarse-to-fine from a ceiling.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/execution"
	"cutoff-lab/internal/probe"
)

var (
	// ErrNoHistory is returned when no probe down to the minimum window succeeded.
	ErrNoHistory = errors.New("no backtestable history")

	// ErrConvergence is wrapped by ConvergenceError.
	ErrConvergence = errors.New("search did not converge")
)

// ConvergenceError carries the degraded outcome of a search that stopped
// before the bracket reached the target precision.
type ConvergenceError struct {
	Outcome *Outcome
	Reason  string
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("%v: %s, bracket %s after %d probes",
		ErrConvergence, e.Reason, e.Outcome.Bracket(), e.Outcome.Probes)
}

func (e *ConvergenceError) Unwrap() error {
	return ErrConvergence
}

// Outcome is the result of a search. Durations are measured back from Anchor.
type Outcome struct {
	Low       time.Duration // longest duration that succeeded
	High      time.Duration // shortest duration that did not
	Probes    int           // engine attempts, retries included
	Converged bool
	AtCeiling bool
	State     domain.SearchState
	Anchor    time.Time
}

// Bracket returns the final bracket.
func (o *Outcome) Bracket() domain.Bracket {
	return domain.Bracket{Low: o.Low, High: o.High}
}

// CutoffDate is the earliest start with complete history.
func (o *Outcome) CutoffDate() time.Time {
	return o.Anchor.Add(-o.Low)
}

// PrecisionHours is the bracket width in whole hours, rounded up; 0 at ceiling.
func (o *Outcome) PrecisionHours() int64 {
	if o.AtCeiling {
		return 0
	}
	w := o.High - o.Low
	return int64((w + time.Hour - 1) / time.Hour)
}

// Record converts the outcome into a cutoff record. Only outcomes with a
// known-good duration can be recorded.
func (o *Outcome) Record(marketID, labID string, discoveredAt time.Time) *domain.CutoffRecord {
	return &domain.CutoffRecord{
		MarketID:       marketID,
		CutoffDate:     o.CutoffDate(),
		PrecisionHours: o.PrecisionHours(),
		DiscoveredAt:   discoveredAt,
		SourceLabID:    labID,
		Degraded:       !o.Converged,
	}
}

// Options for creating a Searcher.
type Options struct {
	Runner   probe.Runner
	Schedule Schedule

	// Optional
	Clock    execution.Clock
	Logger   *zap.Logger
	Observer func(lab domain.Lab, result domain.ProbeResult)
}

// Searcher runs cutoff searches.
type Searcher struct {
	runner   probe.Runner
	schedule Schedule
	clock    execution.Clock
	logger   *zap.Logger
	observer func(domain.Lab, domain.ProbeResult)
}

// New creates a Searcher. The schedule must be valid.
func New(opts Options) (*Searcher, error) {
	if err := opts.Schedule.Validate(); err != nil {
		return nil, err
	}
	s := &Searcher{
		runner:   opts.Runner,
		schedule: opts.Schedule,
		clock:    opts.Clock,
		logger:   opts.Logger,
		observer: opts.Observer,
	}
	if s.clock == nil {
		s.clock = execution.RealClock{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// Schedule returns the searcher's schedule.
func (s *Searcher) Schedule() Schedule {
	return s.schedule
}

// run is the state of one search.
type run struct {
	*Searcher
	lab     domain.Lab
	outcome *Outcome
	log     *zap.Logger

	// bad is the shortest duration that returned InsufficientData; 0 until one does.
	bad time.Duration
	// inconclusive holds durations whose probe gave no usable answer.
	inconclusive map[time.Duration]bool
	// last is the state of the most recent probe.
	last domain.TerminalState
}

// Search finds the longest duration ending now that lab's market can
// backtest. The coarse phase walks down by Steps[0] when the walk fits the
// budget and bisects the same grid otherwise. It returns ErrNoHistory when
// the minimum window itself reports insufficient data, and a
// *ConvergenceError carrying the degraded outcome when the probe budget runs
// out or no step can narrow the bracket further.
func (s *Searcher) Search(ctx context.Context, lab domain.Lab) (*Outcome, error) {
	r := &run{
		Searcher:     s,
		lab:          lab,
		outcome:      &Outcome{Anchor: s.clock.Now().UTC().Truncate(time.Hour)},
		log:          s.logger.With(zap.String("lab_id", lab.ID), zap.String("market", lab.Market.ID())),
		inconclusive: make(map[time.Duration]bool),
	}
	sched := s.schedule
	r.setBracket(0, sched.Ceiling)

	// Ceiling
	res, err := r.probe(ctx, sched.Ceiling)
	if err != nil {
		return nil, err
	}
	if succeeded(res) {
		r.setBracket(sched.Ceiling, sched.Ceiling)
		r.outcome.Converged = true
		r.outcome.AtCeiling = true
		r.outcome.State.AtCeiling = true
		r.log.Info("history reaches search ceiling", zap.String("ceiling", domain.FormatSpan(sched.Ceiling)))
		return r.outcome, nil
	}

	var found bool
	if r.linearAffordable() {
		found, err = r.coarse(ctx)
	} else {
		found, err = r.bisect(ctx)
	}
	if err != nil {
		return nil, err
	}
	if !found {
		if r.exhausted() {
			return r.degraded("probe budget exhausted before any success")
		}
		if r.last != domain.ProbeInsufficientData {
			return r.degraded("minimum window probe inconclusive")
		}
		r.log.Warn("no backtestable history down to minimum window",
			zap.Duration("min_window", sched.MinWindow), zap.Int("probes", r.outcome.Probes))
		return r.outcome, fmt.Errorf("%w: %s down to %s", ErrNoHistory, r.lab.Market, domain.FormatSpan(sched.MinWindow))
	}

	return r.refine(ctx)
}

// grid returns the k-th coarse duration below the ceiling, clamped to the
// minimum window.
func (r *run) grid(k int) time.Duration {
	d := r.schedule.Ceiling - time.Duration(k)*r.schedule.Steps[0]
	if d < r.schedule.MinWindow {
		d = r.schedule.MinWindow
	}
	return d
}

// gridSize is the number of coarse points below the ceiling.
func (r *run) gridSize() int {
	span := r.schedule.Ceiling - r.schedule.MinWindow
	step := r.schedule.Steps[0]
	return int((span + step - 1) / step)
}

// linearAffordable reports whether a full coarse walk plus a worst-case
// refinement fits the remaining probe budget.
func (r *run) linearAffordable() bool {
	need := r.gridSize()
	steps := r.schedule.Steps
	for i := 1; i < len(steps); i++ {
		need += int((steps[i-1]+steps[i]-1)/steps[i]) - 1
	}
	return need <= r.schedule.MaxProbes-r.outcome.Probes
}

// coarse walks down from the ceiling by Steps[0] until the first success.
// Inconclusive probes count as not-succeeded but never bound the bracket.
func (r *run) coarse(ctx context.Context) (bool, error) {
	n := r.gridSize()
	for k := 1; k <= n; k++ {
		if r.exhausted() {
			return false, nil
		}
		d := r.grid(k)
		res, err := r.probe(ctx, d)
		if err != nil {
			return false, err
		}
		if succeeded(res) {
			r.setBracket(d, r.upper())
			return true, nil
		}
	}
	return false, nil
}

// bisect finds the longest succeeding coarse grid point by binary search.
// Inconclusive probes steer the search toward shorter durations.
func (r *run) bisect(ctx context.Context) (bool, error) {
	lo, hi := 1, r.gridSize()
	best := 0
	for lo <= hi {
		if r.exhausted() {
			break
		}
		mid := (lo + hi) / 2
		res, err := r.probe(ctx, r.grid(mid))
		if err != nil {
			return false, err
		}
		if succeeded(res) {
			best = mid
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	if best == 0 {
		return false, nil
	}
	r.setBracket(r.grid(best), r.upper())
	return true, nil
}

// refine narrows [low, high]. It starts from the largest step below the
// bracket width; an inconclusive candidate falls back to the next-coarser
// step and is not re-probed.
func (r *run) refine(ctx context.Context) (*Outcome, error) {
	sched := r.schedule
	steps := sched.Steps

	i := 0
	for i < len(steps) && steps[i] >= r.outcome.High-r.outcome.Low {
		i++
	}
	for {
		if r.outcome.High-r.outcome.Low <= sched.Precision {
			if r.bad == 0 {
				return r.degraded("ceiling never confirmed as insufficient")
			}
			r.outcome.Converged = true
			r.log.Info("cutoff converged",
				zap.Time("cutoff_date", r.outcome.CutoffDate()),
				zap.String("bracket", r.outcome.Bracket().String()),
				zap.Int("probes", r.outcome.Probes))
			return r.outcome, nil
		}
		if i >= len(steps) {
			return r.degraded("no refinement step can narrow the bracket")
		}

		cand := r.outcome.Low + steps[i]
		if cand >= r.outcome.High || r.inconclusive[cand] {
			i++
			continue
		}
		if r.exhausted() {
			return r.degraded("probe budget exhausted")
		}

		res, err := r.probe(ctx, cand)
		if err != nil {
			return nil, err
		}
		switch {
		case succeeded(res):
			r.setBracket(cand, r.outcome.High)
		case res.State == domain.ProbeInsufficientData:
			i++
		default:
			if i > 0 {
				i--
			}
		}
	}
}

func (r *run) probe(ctx context.Context, d time.Duration) (domain.ProbeResult, error) {
	period := domain.PeriodEndingAt(r.outcome.Anchor, d, domain.FormatSpan(d))
	r.outcome.State.Current = &period

	res, err := r.runner.Run(ctx, r.lab, period)
	if err != nil {
		return res, fmt.Errorf("probe %s: %w", period.Label, err)
	}
	r.outcome.Probes += res.Attempts
	r.outcome.State.Record(res)
	r.last = res.State
	switch {
	case res.Inconclusive || res.State.IsOperational():
		r.inconclusive[d] = true
	case res.State == domain.ProbeInsufficientData && (r.bad == 0 || d < r.bad):
		r.bad = d
		r.setBracket(r.outcome.Low, d)
	}

	r.log.Info("probe finished",
		zap.String("period", period.Label),
		zap.String("state", res.State.String()),
		zap.Bool("inconclusive", res.Inconclusive),
		zap.Int("probes", r.outcome.Probes))
	if r.observer != nil {
		r.observer(r.lab, res)
	}
	return res, nil
}

// upper is the shortest known-bad duration, or the ceiling while none is known.
func (r *run) upper() time.Duration {
	if r.bad > 0 {
		return r.bad
	}
	return r.schedule.Ceiling
}

func (r *run) setBracket(low, high time.Duration) {
	r.outcome.Low, r.outcome.High = low, high
	r.outcome.State.Low, r.outcome.State.High = low, high
}

func (r *run) exhausted() bool {
	return r.outcome.Probes >= r.schedule.MaxProbes
}

func (r *run) degraded(reason string) (*Outcome, error) {
	r.log.Warn("cutoff search degraded",
		zap.String("reason", reason),
		zap.String("bracket", r.outcome.Bracket().String()),
		zap.Int("probes", r.outcome.Probes))
	return r.outcome, &ConvergenceError{Outcome: r.outcome, Reason: reason}
}

func succeeded(res domain.ProbeResult) bool {
	return res.State == domain.ProbeSucceeded && !res.Inconclusive
}
