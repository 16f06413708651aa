// Package execution models the lifecycle of lab executions on the remote engine.
//
// Status is observed by polling. A Machine tracks one lab; a Registry hands
// out machines and makes sure at most one of them holds the engine at a time.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/engine"
)

// Execution errors.
var (
	// ErrNotIdle is returned by Start when the lab is not Idle.
	ErrNotIdle = errors.New("execution not idle")

	// ErrNotStarted is returned by Await when nothing was started.
	ErrNotStarted = errors.New("execution not started")

	// ErrInvalidTransition is returned for a state change outside the lifecycle.
	ErrInvalidTransition = errors.New("invalid execution transition")

	// ErrEngineBusy is returned when another lab already holds the engine.
	ErrEngineBusy = errors.New("engine busy with another execution")

	// ErrCancelTimeout is returned when the engine keeps an execution active after cancel.
	ErrCancelTimeout = errors.New("execution still active after cancel")
)

// Config holds the polling parameters.
type Config struct {
	StartDelay    time.Duration // wait before the first status query
	PollInterval  time.Duration // wait between status queries
	MaxWait       time.Duration // total wait before forced cancellation
	CancelTimeout time.Duration // wait for the engine to honour a cancel
}

// DefaultConfig returns the default polling parameters.
func DefaultConfig() Config {
	return Config{
		StartDelay:    5 * time.Second,
		PollInterval:  5 * time.Second,
		MaxWait:       10 * time.Minute,
		CancelTimeout: 1 * time.Minute,
	}
}

// Observation is the terminal outcome of one execution.
type Observation struct {
	Status        domain.ExecutionStatus
	Detail        string
	EvaluatedBars int
	TimedOut      bool // no terminal state within MaxWait; execution was cancelled
}

// transitions lists the allowed state changes.
var transitions = map[domain.ExecutionStatus][]domain.ExecutionStatus{
	domain.StatusIdle:      {domain.StatusQueued},
	domain.StatusQueued:    {domain.StatusRunning, domain.StatusSucceeded, domain.StatusFailed, domain.StatusCancelled},
	domain.StatusRunning:   {domain.StatusSucceeded, domain.StatusFailed, domain.StatusCancelled},
	domain.StatusSucceeded: {domain.StatusIdle},
	domain.StatusFailed:    {domain.StatusIdle},
	domain.StatusCancelled: {domain.StatusIdle},
}

// CanTransition reports whether from -> to is part of the lifecycle.
func CanTransition(from, to domain.ExecutionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine is the execution state of one lab.
type Machine struct {
	labID    string
	control  engine.LabControl
	clock    Clock
	cfg      Config
	registry *Registry
	logger   *zap.Logger

	// op serializes engine-facing operations on this lab.
	op sync.Mutex

	mu     sync.RWMutex
	state  domain.ExecutionStatus
	detail string
}

// NewMachine creates a standalone machine in the Idle state.
func NewMachine(labID string, control engine.LabControl, cfg Config, clock Clock, logger *zap.Logger) *Machine {
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		labID:   labID,
		control: control,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.With(zap.String("lab_id", labID)),
		state:   domain.StatusIdle,
	}
}

// LabID returns the lab this machine tracks.
func (m *Machine) LabID() string {
	return m.labID
}

// State returns the current local state.
func (m *Machine) State() domain.ExecutionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// setState applies a lifecycle transition and releases the engine slot
// when the execution is no longer active.
func (m *Machine) setState(to domain.ExecutionStatus, detail string) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.detail = detail
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.detail = detail
	m.mu.Unlock()

	if !to.IsActive() && m.registry != nil {
		m.registry.release(m.labID)
	}
	return nil
}

// Start issues a start on the engine. Only valid from Idle.
func (m *Machine) Start(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	if s := m.State(); s != domain.StatusIdle {
		return fmt.Errorf("start lab %s in state %s: %w", m.labID, s, ErrNotIdle)
	}
	if m.registry != nil {
		if err := m.registry.acquire(m.labID); err != nil {
			return err
		}
	}

	if _, err := m.control.Start(ctx, m.labID); err != nil {
		if m.registry != nil {
			m.registry.release(m.labID)
		}
		return fmt.Errorf("start lab %s: %w", m.labID, err)
	}
	return m.setState(domain.StatusQueued, "")
}

// Poll performs one status query and applies it. Idle reports right after a
// start are ignored: the engine has not picked the run up yet.
func (m *Machine) Poll(ctx context.Context) (domain.StatusReport, error) {
	m.op.Lock()
	defer m.op.Unlock()
	return m.poll(ctx)
}

func (m *Machine) poll(ctx context.Context) (domain.StatusReport, error) {
	report, err := m.control.Status(ctx, m.labID)
	if err != nil {
		return domain.StatusReport{}, fmt.Errorf("status lab %s: %w", m.labID, err)
	}

	current := m.State()
	if report.Status == domain.StatusIdle || report.Status == current {
		return report, nil
	}
	if current == domain.StatusIdle || current.IsTerminal() {
		// Nothing of ours is running; the report belongs to someone else's run.
		return report, nil
	}
	if err := m.setState(report.Status, report.Detail); err != nil {
		m.logger.Warn("ignoring out-of-order status",
			zap.String("from", current.String()),
			zap.String("to", report.Status.String()))
	}
	return report, nil
}

// Await waits for the started execution to reach a terminal state.
// The first query happens after StartDelay; after MaxWait the execution is
// force-cancelled and reported as timed out.
func (m *Machine) Await(ctx context.Context) (Observation, error) {
	m.op.Lock()
	defer m.op.Unlock()

	if !m.State().IsActive() {
		return Observation{}, fmt.Errorf("await lab %s: %w", m.labID, ErrNotStarted)
	}

	deadline := m.clock.Now().Add(m.cfg.MaxWait)
	if err := m.sleep(ctx, m.cfg.StartDelay); err != nil {
		return Observation{}, err
	}

	var lastErr error
	for {
		report, err := m.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Observation{}, ctx.Err()
			}
			lastErr = err
			m.logger.Warn("status query failed", zap.Error(err))
		} else if s := m.State(); s.IsTerminal() {
			return Observation{
				Status:        s,
				Detail:        report.Detail,
				EvaluatedBars: report.EvaluatedBars,
			}, nil
		}

		if !m.clock.Now().Before(deadline) {
			break
		}
		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return Observation{}, err
		}
	}

	detail := fmt.Sprintf("no terminal state after %s", m.cfg.MaxWait)
	if lastErr != nil {
		detail += ": " + lastErr.Error()
	}
	m.logger.Warn("execution timed out, cancelling", zap.Duration("max_wait", m.cfg.MaxWait))
	if err := m.forceCancel(ctx); err != nil {
		return Observation{}, fmt.Errorf("cancel timed out execution: %w", err)
	}
	return Observation{Status: domain.StatusCancelled, Detail: detail, EvaluatedBars: -1, TimedOut: true}, nil
}

// ForceCancel brings the lab to a known Idle state. Safe to call when
// nothing runs.
func (m *Machine) ForceCancel(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()
	return m.forceCancel(ctx)
}

func (m *Machine) forceCancel(ctx context.Context) error {
	report, err := m.control.Status(ctx, m.labID)
	if err != nil {
		return fmt.Errorf("status lab %s: %w", m.labID, err)
	}

	if report.Status.IsActive() || m.State().IsActive() {
		if err := m.control.Cancel(ctx, m.labID); err != nil {
			return fmt.Errorf("cancel lab %s: %w", m.labID, err)
		}
		if err := m.waitInactive(ctx, report); err != nil {
			return err
		}
		if m.State().IsActive() {
			if err := m.setState(domain.StatusCancelled, "force-cancelled"); err != nil {
				return err
			}
		}
	}

	if m.State().IsTerminal() {
		return m.setState(domain.StatusIdle, "")
	}
	return nil
}

// waitInactive polls until the engine no longer reports an active execution.
func (m *Machine) waitInactive(ctx context.Context, report domain.StatusReport) error {
	deadline := m.clock.Now().Add(m.cfg.CancelTimeout)
	for {
		if !report.Status.IsActive() {
			return nil
		}
		if !m.clock.Now().Before(deadline) {
			return fmt.Errorf("lab %s: %w", m.labID, ErrCancelTimeout)
		}
		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return err
		}
		var err error
		report, err = m.control.Status(ctx, m.labID)
		if err != nil {
			return fmt.Errorf("status lab %s: %w", m.labID, err)
		}
	}
}

// Reset returns a finished execution to Idle.
func (m *Machine) Reset() error {
	m.op.Lock()
	defer m.op.Unlock()
	s := m.State()
	if s == domain.StatusIdle {
		return nil
	}
	return m.setState(domain.StatusIdle, "")
}

func (m *Machine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.clock.After(d):
		return nil
	}
}
