package orchestrator

import (
	"errors"
	"fmt"

	"cutoff-lab/internal/domain"
)

var (
	// ErrPrecondition is wrapped by PreconditionError.
	ErrPrecondition = errors.New("precondition violated")

	// ErrQueueClosed is returned by Queue.Submit after Close.
	ErrQueueClosed = errors.New("discovery queue closed")

	// ErrQueueFull is returned by Queue.Submit when no slot is free.
	ErrQueueFull = errors.New("discovery queue full")
)

// PreconditionError reports a lab that still had an active execution when
// its discovery was about to begin.
type PreconditionError struct {
	LabID    string
	Status   domain.ExecutionStatus
	Attempts int // force-cancels issued
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%v: lab %s still %s after %d force-cancels", ErrPrecondition, e.LabID, e.Status, e.Attempts)
}

func (e *PreconditionError) Unwrap() error {
	return ErrPrecondition
}
