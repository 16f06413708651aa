package domain

import "time"

// TerminalState is the classified outcome of one probe.
type TerminalState string

const (
	// ProbeSucceeded means the engine evaluated the window on real data.
	ProbeSucceeded TerminalState = "SUCCEEDED"
	// ProbeInsufficientData means the period precedes available history.
	ProbeInsufficientData TerminalState = "INSUFFICIENT_DATA"
	ProbeCancelled        TerminalState = "CANCELLED"
	ProbeTimedOut         TerminalState = "TIMED_OUT"
	ProbeError            TerminalState = "ERROR"
)

// String returns the string representation of TerminalState.
func (s TerminalState) String() string {
	return string(s)
}

// IsValid checks if the state is a known value.
func (s TerminalState) IsValid() bool {
	switch s {
	case ProbeSucceeded, ProbeInsufficientData, ProbeCancelled, ProbeTimedOut, ProbeError:
		return true
	}
	return false
}

// IsOperational reports whether the state is infrastructure noise rather
// than a data-boundary signal.
func (s TerminalState) IsOperational() bool {
	return s == ProbeCancelled || s == ProbeTimedOut || s == ProbeError
}

// ProbeResult is the outcome of running one period, including retries.
type ProbeResult struct {
	Period     ProbePeriod
	State      TerminalState
	ObservedAt time.Time
	Detail     string
	Attempts   int // engine attempts spent, retries included

	// Inconclusive is set when every attempt ended in an operational failure.
	Inconclusive bool
}

// ProbeRecord is one engine attempt as kept in the append-only probe history.
type ProbeRecord struct {
	ProbeID     string // deterministic hash, see idhash.ComputeProbeID
	MarketID    string
	LabID       string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Label       string
	State       TerminalState
	Attempt     int
	Detail      string
	ObservedAt  time.Time
}

// Duration returns the probed window length.
func (r *ProbeRecord) Duration() time.Duration {
	return r.PeriodEnd.Sub(r.PeriodStart)
}
