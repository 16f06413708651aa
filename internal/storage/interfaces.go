package storage

import (
	"context"

	"cutoff-lab/internal/domain"
)

// CutoffStore provides access to discovered cutoffs, one record per market.
type CutoffStore interface {
	// Get retrieves the record for a market. Returns ErrNotFound if not exists.
	Get(ctx context.Context, marketID string) (*domain.CutoffRecord, error)

	// Put stores rec if the store's ReplacePolicy accepts it over the existing
	// record. Returns ErrPrecisionRegression otherwise. The read and the write
	// are atomic per market.
	Put(ctx context.Context, rec *domain.CutoffRecord) error

	// List retrieves all records ordered by market ID.
	List(ctx context.Context) ([]*domain.CutoffRecord, error)
}

// ProbeHistoryStore provides access to the append-only probe log.
type ProbeHistoryStore interface {
	// Append adds a probe record. Returns ErrDuplicateKey if probe_id exists.
	Append(ctx context.Context, rec *domain.ProbeRecord) error

	// ListByMarket retrieves all probes for a market, ordered by observed_at ASC.
	ListByMarket(ctx context.Context, marketID string) ([]*domain.ProbeRecord, error)
}
