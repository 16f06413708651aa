// Package stub provides a simulated backtesting engine for tests and dry runs.
package stub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/engine"
)

// ErrLabBusy is returned by Start when the lab already has an active execution.
var ErrLabBusy = errors.New("lab already has an active execution")

// Fault is an injected failure consumed by the next Start call.
type Fault int

const (
	FaultNone       Fault = iota
	FaultHang             // execution stays Running forever
	FaultCancel           // engine cancels the execution on its own
	FaultError            // execution fails with an internal error
	FaultStartError       // Start call itself returns an error
)

// Engine simulates the remote engine. A period succeeds when it starts at or
// after the market's history start and fails with an insufficient-data
// message otherwise.
type Engine struct {
	mu sync.Mutex

	// HistoryStart is the first timestamp with data, keyed by market ID.
	HistoryStart map[string]time.Time
	// Prices are returned by CurrentPrice, keyed by market ID.
	Prices map[string]decimal.Decimal

	// StartLag is the number of status polls after Start that still report Idle.
	StartLag int
	// QueuedPolls is the number of status polls spent in Queued.
	QueuedPolls int
	// RunningPolls is the number of status polls spent in Running.
	RunningPolls int

	labs   map[string]*lab
	faults []Fault
	nextID int

	starts     int
	cancels    int
	configures int
	maxActive  int
}

type lab struct {
	id          string
	templateID  string
	market      domain.Market
	name        string
	period      domain.ProbePeriod
	tradeAmount decimal.Decimal
	accountID   string

	status domain.ExecutionStatus
	detail string
	bars   int
	polls  int
	lag    int
	fault  Fault
}

// NewEngine creates a stub engine with no markets.
func NewEngine() *Engine {
	return &Engine{
		HistoryStart: make(map[string]time.Time),
		Prices:       make(map[string]decimal.Decimal),
		QueuedPolls:  1,
		RunningPolls: 1,
		labs:         make(map[string]*lab),
	}
}

// Compile-time interface check.
var _ engine.Engine = (*Engine)(nil)

// AddMarket registers history start and price for a market.
func (e *Engine) AddMarket(m domain.Market, historyStart time.Time, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.HistoryStart[m.ID()] = historyStart
	e.Prices[m.ID()] = price
}

// AddLab registers an existing lab, as if it had been created on the engine earlier.
func (e *Engine) AddLab(labID string, m domain.Market) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.labs[labID] = &lab{id: labID, market: m, status: domain.StatusIdle}
}

// SetStatus forces the status of a lab, e.g. to simulate a leftover run.
func (e *Engine) SetStatus(labID string, status domain.ExecutionStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.labs[labID]; ok {
		l.status = status
		l.polls = 0
		if status.IsActive() {
			l.fault = FaultHang
		}
		e.trackActive()
	}
}

// InjectFault queues faults consumed one per Start call.
func (e *Engine) InjectFault(faults ...Fault) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = append(e.faults, faults...)
}

// Clone copies a template onto a market.
func (e *Engine) Clone(ctx context.Context, templateID string, market domain.Market) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := fmt.Sprintf("lab-%03d", e.nextID)
	e.labs[id] = &lab{
		id:         id,
		templateID: templateID,
		market:     market,
		name:       templateID + " " + market.ID(),
		status:     domain.StatusIdle,
	}
	return id, nil
}

// Configure updates lab settings. Zero fields are left unchanged.
func (e *Engine) Configure(ctx context.Context, labID string, cfg domain.LabConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.labs[labID]
	if !ok {
		return engine.ErrLabNotFound
	}
	if l.status.IsActive() {
		return fmt.Errorf("configure %s: %w", labID, ErrLabBusy)
	}
	e.configures++
	if cfg.Name != "" {
		l.name = cfg.Name
	}
	if !cfg.Period.IsZero() {
		l.period = cfg.Period
	}
	if !cfg.TradeAmount.IsZero() {
		l.tradeAmount = cfg.TradeAmount
	}
	if cfg.AccountID != "" {
		l.accountID = cfg.AccountID
	}
	return nil
}

// Start queues a run of the configured period.
func (e *Engine) Start(ctx context.Context, labID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.labs[labID]
	if !ok {
		return "", engine.ErrLabNotFound
	}
	if l.status.IsActive() {
		return "", fmt.Errorf("start %s: %w", labID, ErrLabBusy)
	}

	fault := FaultNone
	if len(e.faults) > 0 {
		fault = e.faults[0]
		e.faults = e.faults[1:]
	}
	if fault == FaultStartError {
		return "", fmt.Errorf("start %s: engine unavailable (503)", labID)
	}

	e.starts++
	l.status = domain.StatusQueued
	l.detail = ""
	l.bars = 0
	l.polls = 0
	l.lag = e.StartLag
	l.fault = fault
	e.trackActive()
	return fmt.Sprintf("%s-run-%d", labID, e.starts), nil
}

// Cancel stops an active execution. Idle and finished labs are left as is.
func (e *Engine) Cancel(ctx context.Context, labID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.labs[labID]
	if !ok {
		return engine.ErrLabNotFound
	}
	e.cancels++
	if l.status.IsActive() {
		l.status = domain.StatusCancelled
		l.detail = "cancelled by user"
		l.lag = 0
	}
	return nil
}

// Status advances the simulated execution by one poll and reports it.
func (e *Engine) Status(ctx context.Context, labID string) (domain.StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.StatusReport{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.labs[labID]
	if !ok {
		return domain.StatusReport{}, engine.ErrLabNotFound
	}

	if l.lag > 0 {
		l.lag--
		return domain.StatusReport{Status: domain.StatusIdle, EvaluatedBars: -1}, nil
	}

	switch l.status {
	case domain.StatusQueued:
		l.polls++
		if l.polls >= e.QueuedPolls {
			l.status = domain.StatusRunning
			l.polls = 0
		}
	case domain.StatusRunning:
		if l.fault == FaultHang {
			break
		}
		l.polls++
		if l.polls >= e.RunningPolls {
			e.finish(l)
		}
	}

	return domain.StatusReport{Status: l.status, Detail: l.detail, EvaluatedBars: l.bars}, nil
}

// finish moves a running lab to its terminal status.
func (e *Engine) finish(l *lab) {
	switch l.fault {
	case FaultCancel:
		l.status = domain.StatusCancelled
		l.detail = "cancelled by engine"
		return
	case FaultError:
		l.status = domain.StatusFailed
		l.detail = "internal error: backtest worker crashed"
		return
	}

	start, ok := e.HistoryStart[l.market.ID()]
	if !ok {
		l.status = domain.StatusFailed
		l.detail = "insufficient data: market has no history"
		return
	}
	if l.period.Start.Before(start) {
		l.status = domain.StatusFailed
		l.detail = fmt.Sprintf("insufficient data: no history before %s", start.UTC().Format(time.RFC3339))
		return
	}
	l.status = domain.StatusSucceeded
	l.detail = "completed"
	l.bars = int(l.period.Duration() / time.Hour)
}

// trackActive records the highest number of simultaneously active labs.
func (e *Engine) trackActive() {
	active := 0
	for _, l := range e.labs {
		if l.status.IsActive() {
			active++
		}
	}
	if active > e.maxActive {
		e.maxActive = active
	}
}

// CurrentPrice returns the registered price of a market.
func (e *Engine) CurrentPrice(ctx context.Context, market domain.Market) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.Prices[market.ID()]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for market %s", market.ID())
	}
	return p, nil
}

// Lab returns a snapshot of the lab as the engine sees it.
func (e *Engine) Lab(labID string) (domain.Lab, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.labs[labID]
	if !ok {
		return domain.Lab{}, false
	}
	return domain.Lab{
		ID:         l.id,
		TemplateID: l.templateID,
		Market:     l.market,
		AccountID:  l.accountID,
		Name:       l.name,
		Period:     l.period,
		Status:     l.status,
	}, true
}

// TradeAmount returns the configured trade amount of a lab.
func (e *Engine) TradeAmount(labID string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.labs[labID]; ok {
		return l.tradeAmount
	}
	return decimal.Zero
}

// Starts returns the number of accepted Start calls.
func (e *Engine) Starts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts
}

// Cancels returns the number of Cancel calls.
func (e *Engine) Cancels() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancels
}

// MaxActive returns the highest number of labs that were active at the same time.
func (e *Engine) MaxActive() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxActive
}
