// Package orchestrator sequences cutoff discovery across labs sharing one
// engine, persists the results and starts the final backtests.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/engine"
	"cutoff-lab/internal/execution"
	"cutoff-lab/internal/observability"
	"cutoff-lab/internal/search"
	"cutoff-lab/internal/storage"
)

// DefaultPreconditionRetries is the number of force-cancels tried before a
// still-active lab is reported as a PreconditionError.
const DefaultPreconditionRetries = 3

// Target is one lab/market pair to discover. An empty LabID clones
// TemplateID onto Market first.
type Target struct {
	LabID      string
	TemplateID string
	Market     domain.Market
	ScriptID   string
	AccountID  string
	Name       string
}

// Searcher runs one cutoff search. Implemented by *search.Searcher.
type Searcher interface {
	Search(ctx context.Context, lab domain.Lab) (*search.Outcome, error)
	Schedule() search.Schedule
}

// Options for creating Orchestrator.
type Options struct {
	// Required
	Engine   engine.Engine
	Machines *execution.Registry
	Searcher Searcher
	Store    storage.CutoffStore

	// Cache freshness of stored records
	CachePolicy storage.ReplacePolicy

	// Finalization
	TradeNotional decimal.Decimal
	SkipFinalize  bool

	PreconditionRetries int  // zero means DefaultPreconditionRetries
	Force               bool // ignore cached records

	// Optional
	Metrics *observability.Metrics
	Events  EventSink
	Clock   execution.Clock
	Logger  *zap.Logger
}

// Orchestrator coordinates discovery. Every entry point holds one mutex, so
// at most one probe is active across all labs.
type Orchestrator struct {
	mu sync.Mutex

	engine   engine.Engine
	machines *execution.Registry
	searcher Searcher
	store    storage.CutoffStore
	cache    storage.ReplacePolicy

	notional     decimal.Decimal
	skipFinalize bool
	retries      int
	force        bool

	metrics *observability.Metrics
	events  EventSink
	clock   execution.Clock
	logger  *zap.Logger
}

// New creates a new Orchestrator.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		engine:       opts.Engine,
		machines:     opts.Machines,
		searcher:     opts.Searcher,
		store:        opts.Store,
		cache:        opts.CachePolicy,
		notional:     opts.TradeNotional,
		skipFinalize: opts.SkipFinalize,
		retries:      opts.PreconditionRetries,
		force:        opts.Force,
		metrics:      opts.Metrics,
		events:       opts.Events,
		clock:        opts.Clock,
		logger:       opts.Logger,
	}
	if o.retries <= 0 {
		o.retries = DefaultPreconditionRetries
	}
	if o.clock == nil {
		o.clock = execution.RealClock{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.cache.Now == nil {
		o.cache.Now = o.clock.Now
	}
	return o
}

// Result is the discovery outcome of one target.
type Result struct {
	Target  Target
	Lab     domain.Lab
	Record  *domain.CutoffRecord // nil for a degraded search with no success
	Outcome *search.Outcome      // nil when served from the store

	Cached   bool
	Degraded bool   // stopped before target precision; Outcome carries the bracket
	Reason   string // why a degraded search stopped
	Stored   bool   // Record was written to the store
}

// BatchResult contains results from DiscoverAll.
type BatchResult struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []*Result
	Finalized  []string // lab IDs started for their full period
	Errors     []string
}

// Prepare resolves the lab of a target, cloning the template when no lab ID
// is given.
func (o *Orchestrator) Prepare(ctx context.Context, t Target) (domain.Lab, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prepare(ctx, t)
}

func (o *Orchestrator) prepare(ctx context.Context, t Target) (domain.Lab, error) {
	if !t.Market.IsValid() {
		return domain.Lab{}, fmt.Errorf("target %q: invalid market %q", t.Name, t.Market)
	}
	lab := domain.Lab{
		ID:         t.LabID,
		TemplateID: t.TemplateID,
		Market:     t.Market,
		ScriptID:   t.ScriptID,
		AccountID:  t.AccountID,
		Name:       t.Name,
	}
	if lab.Name == "" {
		lab.Name = t.Market.String()
	}
	if lab.ID != "" {
		return lab, nil
	}
	if t.TemplateID == "" {
		return domain.Lab{}, fmt.Errorf("target %s: neither lab id nor template id", t.Market)
	}

	id, err := o.engine.Clone(ctx, t.TemplateID, t.Market)
	if err != nil {
		return domain.Lab{}, fmt.Errorf("clone template %s for %s: %w", t.TemplateID, t.Market, err)
	}
	lab.ID = id
	o.logger.Info("cloned template lab",
		zap.String("template_id", t.TemplateID),
		zap.String("lab_id", id),
		zap.String("market", t.Market.ID()))

	if t.AccountID != "" {
		if err := o.engine.Configure(ctx, id, domain.LabConfig{Name: lab.Name, AccountID: t.AccountID}); err != nil {
			return domain.Lab{}, fmt.Errorf("configure cloned lab %s: %w", id, err)
		}
	}
	return lab, nil
}

// DiscoverCutoff discovers, stores and tags the cutoff of one target.
// A degraded search is not an error: the result is flagged Degraded and its
// record still carries the best known bracket.
func (o *Orchestrator) DiscoverCutoff(ctx context.Context, t Target) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.discover(ctx, t)
}

func (o *Orchestrator) discover(ctx context.Context, t Target) (*Result, error) {
	lab, err := o.prepare(ctx, t)
	if err != nil {
		o.fail(t.Market.ID(), t.LabID, err)
		return nil, err
	}
	log := o.logger.With(zap.String("lab_id", lab.ID), zap.String("market", lab.Market.ID()))
	result := &Result{Target: t, Lab: lab}
	result.Target.LabID = lab.ID

	if err := o.ensureIdle(ctx, lab); err != nil {
		o.fail(lab.Market.ID(), lab.ID, err)
		return nil, err
	}

	if rec, ok := o.cached(ctx, lab.Market.ID()); ok {
		log.Info("cutoff served from store",
			zap.Time("cutoff_date", rec.CutoffDate),
			zap.Int64("precision_hours", rec.PrecisionHours))
		result.Record = rec
		result.Cached = true
		o.metrics.ObserveDiscovery("cached", 0)
		o.publish(Event{Type: EventCached, Market: rec.MarketID, LabID: lab.ID, Cutoff: rec.CutoffDate.Format(time.RFC3339)})
		return result, nil
	}

	outcome, err := o.searcher.Search(ctx, lab)
	var convErr *search.ConvergenceError
	switch {
	case err == nil:
	case errors.As(err, &convErr) && convErr.Outcome != nil:
		outcome = convErr.Outcome
		result.Degraded = true
		result.Reason = convErr.Reason
		log.Warn("cutoff search degraded, keeping best known bracket",
			zap.String("reason", convErr.Reason),
			zap.String("bracket", outcome.Bracket().String()))
	default:
		probes := 0
		if outcome != nil {
			probes = outcome.Probes
		}
		o.metrics.ObserveDiscovery("error", probes)
		o.fail(lab.Market.ID(), lab.ID, err)
		return nil, fmt.Errorf("search %s: %w", lab.Market, err)
	}
	result.Outcome = outcome

	if outcome.Low == 0 {
		o.metrics.ObserveDiscovery("degraded", outcome.Probes)
		log.Warn("no known-good window, nothing stored",
			zap.String("bracket", outcome.Bracket().String()),
			zap.Int("probes", outcome.Probes))
		o.publish(Event{
			Type:     EventDiscovered,
			Market:   lab.Market.ID(),
			LabID:    lab.ID,
			Bracket:  outcome.Bracket().String(),
			Degraded: true,
		})
		return result, nil
	}

	rec := outcome.Record(lab.Market.ID(), lab.ID, o.clock.Now())
	result.Record = rec

	if err := o.rename(ctx, lab, rec.CutoffDate); err != nil {
		o.fail(lab.Market.ID(), lab.ID, err)
		return nil, err
	}

	switch err := o.store.Put(ctx, rec); {
	case err == nil:
		result.Stored = true
	case errors.Is(err, storage.ErrPrecisionRegression):
		log.Info("stored cutoff is more precise, keeping it", zap.Int64("precision_hours", rec.PrecisionHours))
	default:
		o.fail(lab.Market.ID(), lab.ID, err)
		return nil, fmt.Errorf("store cutoff %s: %w", lab.Market, err)
	}

	outcomeLabel := "converged"
	switch {
	case outcome.AtCeiling:
		outcomeLabel = "ceiling"
	case result.Degraded:
		outcomeLabel = "degraded"
	}
	o.metrics.ObserveDiscovery(outcomeLabel, outcome.Probes)
	o.metrics.RecordCutoff(rec, o.clock.Now())

	log.Info("cutoff discovered",
		zap.Time("cutoff_date", rec.CutoffDate),
		zap.Int64("precision_hours", rec.PrecisionHours),
		zap.Int("probes", outcome.Probes),
		zap.Bool("degraded", result.Degraded),
		zap.Bool("stored", result.Stored))
	o.publish(Event{
		Type:     EventDiscovered,
		Market:   rec.MarketID,
		LabID:    lab.ID,
		Cutoff:   rec.CutoffDate.Format(time.RFC3339),
		Bracket:  outcome.Bracket().String(),
		Degraded: result.Degraded,
	})
	return result, nil
}

// ensureIdle resolves an active execution on lab by force-cancelling it,
// up to the configured number of times.
func (o *Orchestrator) ensureIdle(ctx context.Context, lab domain.Lab) error {
	m := o.machines.Machine(lab.ID)
	for attempt := 0; ; attempt++ {
		report, err := o.engine.Status(ctx, lab.ID)
		if err != nil {
			return fmt.Errorf("precondition check %s: %w", lab.ID, err)
		}
		if !report.Status.IsActive() {
			return nil
		}

		perr := &PreconditionError{LabID: lab.ID, Status: report.Status, Attempts: attempt}
		if attempt >= o.retries {
			return perr
		}
		o.logger.Warn("lab has an active execution, force-cancelling",
			zap.String("lab_id", lab.ID),
			zap.String("status", report.Status.String()),
			zap.Int("attempt", attempt+1))
		o.metrics.RecordPreconditionCancel()
		if err := m.ForceCancel(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Warn("force-cancel failed", zap.String("lab_id", lab.ID), zap.Error(err))
		}
	}
}

// cached returns a stored record that makes a new search unnecessary.
func (o *Orchestrator) cached(ctx context.Context, marketID string) (*domain.CutoffRecord, bool) {
	if o.force {
		return nil, false
	}
	rec, err := o.store.Get(ctx, marketID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn("read cached cutoff failed", zap.String("market", marketID), zap.Error(err))
		}
		return nil, false
	}
	precision := int64(o.searcher.Schedule().Precision / time.Hour)
	if rec.Degraded || rec.PrecisionHours > precision || o.cache.IsStale(rec) {
		return nil, false
	}
	return rec, true
}

// rename tags the lab name with the cutoff date.
func (o *Orchestrator) rename(ctx context.Context, lab domain.Lab, cutoff time.Time) error {
	if err := o.machines.Machine(lab.ID).ForceCancel(ctx); err != nil {
		return fmt.Errorf("reset lab %s before rename: %w", lab.ID, err)
	}
	name := CutoffName(lab.Name, cutoff)
	if err := o.engine.Configure(ctx, lab.ID, domain.LabConfig{Name: name}); err != nil {
		return fmt.Errorf("rename lab %s: %w", lab.ID, err)
	}
	return nil
}

// DiscoverAll discovers every target strictly one after another. Per-target
// errors are recorded and the batch continues. Unless SkipFinalize is set,
// the successful labs are started for their full period once every target
// was attempted.
func (o *Orchestrator) DiscoverAll(ctx context.Context, targets []Target) (*BatchResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	batch := &BatchResult{RunID: uuid.NewString(), StartedAt: o.clock.Now()}
	log := o.logger.With(zap.String("run_id", batch.RunID))
	log.Info("discovery batch started", zap.Int("targets", len(targets)))

	for i, t := range targets {
		if err := ctx.Err(); err != nil {
			batch.FinishedAt = o.clock.Now()
			return batch, err
		}
		log.Info("discovering target",
			zap.Int("index", i+1),
			zap.Int("of", len(targets)),
			zap.String("market", t.Market.ID()))

		res, err := o.discover(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				batch.FinishedAt = o.clock.Now()
				return batch, ctx.Err()
			}
			log.Error("discovery failed, continuing", zap.String("market", t.Market.ID()), zap.Error(err))
			batch.Errors = append(batch.Errors, fmt.Sprintf("%s: %v", t.Market.ID(), err))
			continue
		}
		batch.Results = append(batch.Results, res)
	}

	if !o.skipFinalize {
		started, errs := o.finalize(ctx, batch.Results)
		batch.Finalized = started
		batch.Errors = append(batch.Errors, errs...)
	}

	batch.FinishedAt = o.clock.Now()
	log.Info("discovery batch completed",
		zap.Int("discovered", len(batch.Results)),
		zap.Int("finalized", len(batch.Finalized)),
		zap.Int("errors", len(batch.Errors)),
		zap.Duration("elapsed", batch.FinishedAt.Sub(batch.StartedAt)))
	return batch, nil
}

// Finalize configures each result's lab with the period [cutoff, now] and a
// trade amount sized from the current price, then starts it. Returns the
// started lab IDs and the errors met.
func (o *Orchestrator) Finalize(ctx context.Context, results []*Result) ([]string, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.finalize(ctx, results)
}

func (o *Orchestrator) finalize(ctx context.Context, results []*Result) ([]string, []string) {
	var started, errs []string
	for _, res := range results {
		if res == nil || res.Record == nil {
			continue
		}
		if err := o.finalizeOne(ctx, res); err != nil {
			o.logger.Error("finalize failed", zap.String("lab_id", res.Lab.ID), zap.Error(err))
			o.metrics.RecordFinalize(err)
			o.fail(res.Record.MarketID, res.Lab.ID, err)
			errs = append(errs, fmt.Sprintf("finalize %s: %v", res.Lab.ID, err))
			continue
		}
		o.metrics.RecordFinalize(nil)
		started = append(started, res.Lab.ID)
	}
	return started, errs
}

func (o *Orchestrator) finalizeOne(ctx context.Context, res *Result) error {
	lab := res.Lab
	if err := o.machines.Machine(lab.ID).ForceCancel(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	price, err := o.engine.CurrentPrice(ctx, lab.Market)
	if err != nil {
		return fmt.Errorf("current price: %w", err)
	}
	amount, err := TradeAmount(o.notional, price)
	if err != nil {
		return fmt.Errorf("size trade amount: %w", err)
	}

	now := o.clock.Now().UTC().Truncate(time.Hour)
	period := domain.ProbePeriod{Start: res.Record.CutoffDate, End: now, Label: "full"}
	cfg := domain.LabConfig{
		Name:        CutoffName(lab.Name, res.Record.CutoffDate),
		Period:      period,
		TradeAmount: amount,
		AccountID:   lab.AccountID,
	}
	if err := o.engine.Configure(ctx, lab.ID, cfg); err != nil {
		return fmt.Errorf("configure: %w", err)
	}

	// Production runs are left running; they are not tracked by the probe registry.
	handle, err := o.engine.Start(ctx, lab.ID)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	o.logger.Info("lab started for full period",
		zap.String("lab_id", lab.ID),
		zap.String("handle", handle),
		zap.String("period", period.String()),
		zap.String("trade_amount", amount.String()),
		zap.String("price", price.String()))
	o.publish(Event{Type: EventFinalized, Market: lab.Market.ID(), LabID: lab.ID, Period: period.String()})
	return nil
}

func (o *Orchestrator) fail(market, labID string, err error) {
	o.publish(Event{Type: EventFailed, Market: market, LabID: labID, Error: err.Error()})
}

func (o *Orchestrator) publish(e Event) {
	if o.events == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = o.clock.Now()
	}
	o.events.Publish(e)
}
