package domain

import "github.com/shopspring/decimal"

// Lab is a backtest configuration on the remote engine, bound to one
// market, script and account.
type Lab struct {
	ID         string
	TemplateID string
	Market     Market
	ScriptID   string
	AccountID  string

	// Mutable on the engine side.
	Name   string
	Period ProbePeriod
	Status ExecutionStatus
}

// LabConfig is the payload sent with a configure call.
type LabConfig struct {
	Name        string
	Period      ProbePeriod
	TradeAmount decimal.Decimal // zero means leave unchanged
	AccountID   string
}

// ExecutionStatus is the lifecycle state of one lab execution as the engine reports it.
type ExecutionStatus string

const (
	StatusIdle      ExecutionStatus = "IDLE"
	StatusQueued    ExecutionStatus = "QUEUED"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusSucceeded ExecutionStatus = "SUCCEEDED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusCancelled ExecutionStatus = "CANCELLED"
)

// String returns the string representation of ExecutionStatus.
func (s ExecutionStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a known value.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case StatusIdle, StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status will not change without external intervention.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether an execution occupies the engine slot.
func (s ExecutionStatus) IsActive() bool {
	return s == StatusQueued || s == StatusRunning
}

// StatusReport is a single status observation of a lab.
type StatusReport struct {
	Status ExecutionStatus
	Detail string // engine message, failure reason

	// EvaluatedBars is the number of candles the engine evaluated.
	// Negative means the engine did not report it.
	EvaluatedBars int
}
