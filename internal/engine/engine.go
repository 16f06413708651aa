// Package engine defines the remote backtesting engine contract and its HTTP adapter.
package engine

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"cutoff-lab/internal/domain"
)

// ErrLabNotFound is returned when the engine does not know a lab ID.
var ErrLabNotFound = errors.New("lab not found")

// LabControl is the subset of the engine API used for discovery.
// The engine offers no locking: callers serialize mutation themselves.
type LabControl interface {
	// Clone copies a template lab onto a market and returns the new lab ID.
	Clone(ctx context.Context, templateID string, market domain.Market) (string, error)

	// Configure updates name, period, trade amount and account of a lab.
	Configure(ctx context.Context, labID string, cfg domain.LabConfig) error

	// Start queues a backtest for the configured period and returns an execution handle.
	Start(ctx context.Context, labID string) (string, error)

	// Cancel stops any execution of the lab. Cancelling an idle lab is not an error.
	Cancel(ctx context.Context, labID string) error

	// Status returns the current execution status of the lab.
	Status(ctx context.Context, labID string) (domain.StatusReport, error)
}

// PriceSource returns the current market price, used to size trade amounts.
type PriceSource interface {
	CurrentPrice(ctx context.Context, market domain.Market) (decimal.Decimal, error)
}

// Engine is a full engine connection.
type Engine interface {
	LabControl
	PriceSource
}
