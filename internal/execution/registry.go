package execution

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"cutoff-lab/internal/engine"
)

// Registry owns one Machine per lab and lets at most one of them hold the
// engine at any time.
type Registry struct {
	control engine.LabControl
	cfg     Config
	clock   Clock
	logger  *zap.Logger

	mu       sync.Mutex
	machines map[string]*Machine
	holder   string // lab holding the engine, empty when free
}

// NewRegistry creates an empty registry.
func NewRegistry(control engine.LabControl, cfg Config, clock Clock, logger *zap.Logger) *Registry {
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		control:  control,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		machines: make(map[string]*Machine),
	}
}

// Machine returns the machine for labID, creating it on first use.
func (r *Registry) Machine(labID string) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[labID]; ok {
		return m
	}
	m := NewMachine(labID, r.control, r.cfg, r.clock, r.logger)
	m.registry = r
	r.machines[labID] = m
	return m
}

// Active returns the labs whose local state is Queued or Running, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	machines := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.Unlock()

	var active []string
	for _, m := range machines {
		if m.State().IsActive() {
			active = append(active, m.labID)
		}
	}
	sort.Strings(active)
	return active
}

// Holder returns the lab currently holding the engine, if any.
func (r *Registry) Holder() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holder
}

func (r *Registry) acquire(labID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holder != "" && r.holder != labID {
		return fmt.Errorf("start lab %s while %s runs: %w", labID, r.holder, ErrEngineBusy)
	}
	r.holder = labID
	return nil
}

func (r *Registry) release(labID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holder == labID {
		r.holder = ""
	}
}
