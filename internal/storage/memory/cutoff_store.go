// Package memory provides in-memory store implementations for tests and
// single-process runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/storage"
)

// CutoffStore is an in-memory implementation of storage.CutoffStore.
type CutoffStore struct {
	mu      sync.RWMutex
	records map[string]*domain.CutoffRecord
	policy  storage.ReplacePolicy
}

// NewCutoffStore creates a new in-memory cutoff store.
func NewCutoffStore(policy storage.ReplacePolicy) *CutoffStore {
	return &CutoffStore{
		records: make(map[string]*domain.CutoffRecord),
		policy:  policy,
	}
}

// Compile-time interface check.
var _ storage.CutoffStore = (*CutoffStore)(nil)

// Get retrieves the record for a market.
func (s *CutoffStore) Get(_ context.Context, marketID string) (*domain.CutoffRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[marketID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Put stores rec if the replace policy accepts it.
func (s *CutoffStore) Put(_ context.Context, rec *domain.CutoffRecord) error {
	if err := storage.ValidateCutoff(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.policy.Accepts(s.records[rec.MarketID], rec) {
		return storage.ErrPrecisionRegression
	}

	// Store copy to prevent external mutation
	cp := *rec
	s.records[rec.MarketID] = &cp
	return nil
}

// List retrieves all records ordered by market ID.
func (s *CutoffStore) List(_ context.Context) ([]*domain.CutoffRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.CutoffRecord, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].MarketID < result[j].MarketID
	})
	return result, nil
}
