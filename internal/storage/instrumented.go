package storage

import (
	"context"
	"errors"
	"time"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/observability"
)

// InstrumentedCutoffStore records latency and errors of every call on the
// wrapped store. Not-found and precision regressions are outcomes, not errors.
type InstrumentedCutoffStore struct {
	next    CutoffStore
	db      string
	metrics *observability.Metrics
}

// InstrumentCutoffs wraps s; db labels the backend (memory, postgres, redis).
func InstrumentCutoffs(s CutoffStore, db string, m *observability.Metrics) *InstrumentedCutoffStore {
	return &InstrumentedCutoffStore{next: s, db: db, metrics: m}
}

var _ CutoffStore = (*InstrumentedCutoffStore)(nil)

func (s *InstrumentedCutoffStore) Get(ctx context.Context, marketID string) (*domain.CutoffRecord, error) {
	start := time.Now()
	rec, err := s.next.Get(ctx, marketID)
	s.metrics.RecordDBQuery(s.db, "cutoff_get", time.Since(start), failure(err))
	return rec, err
}

func (s *InstrumentedCutoffStore) Put(ctx context.Context, rec *domain.CutoffRecord) error {
	start := time.Now()
	err := s.next.Put(ctx, rec)
	s.metrics.RecordDBQuery(s.db, "cutoff_put", time.Since(start), failure(err))
	return err
}

func (s *InstrumentedCutoffStore) List(ctx context.Context) ([]*domain.CutoffRecord, error) {
	start := time.Now()
	recs, err := s.next.List(ctx)
	s.metrics.RecordDBQuery(s.db, "cutoff_list", time.Since(start), failure(err))
	return recs, err
}

// InstrumentedProbeHistoryStore is the ProbeHistoryStore counterpart.
type InstrumentedProbeHistoryStore struct {
	next    ProbeHistoryStore
	db      string
	metrics *observability.Metrics
}

// InstrumentHistory wraps s; db labels the backend (memory, clickhouse).
func InstrumentHistory(s ProbeHistoryStore, db string, m *observability.Metrics) *InstrumentedProbeHistoryStore {
	return &InstrumentedProbeHistoryStore{next: s, db: db, metrics: m}
}

var _ ProbeHistoryStore = (*InstrumentedProbeHistoryStore)(nil)

func (s *InstrumentedProbeHistoryStore) Append(ctx context.Context, rec *domain.ProbeRecord) error {
	start := time.Now()
	err := s.next.Append(ctx, rec)
	s.metrics.RecordDBQuery(s.db, "probe_append", time.Since(start), failure(err))
	return err
}

func (s *InstrumentedProbeHistoryStore) ListByMarket(ctx context.Context, marketID string) ([]*domain.ProbeRecord, error) {
	start := time.Now()
	recs, err := s.next.ListByMarket(ctx, marketID)
	s.metrics.RecordDBQuery(s.db, "probe_list", time.Since(start), failure(err))
	return recs, err
}

func failure(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPrecisionRegression) {
		return nil
	}
	return err
}
