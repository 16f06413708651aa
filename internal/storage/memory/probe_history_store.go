package memory

import (
	"context"
	"sort"
	"sync"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/storage"
)

// ProbeHistoryStore is an in-memory implementation of storage.ProbeHistoryStore.
type ProbeHistoryStore struct {
	mu       sync.RWMutex
	data     map[string]*domain.ProbeRecord
	byMarket map[string][]string // market_id -> probe_ids
}

// NewProbeHistoryStore creates a new in-memory probe history store.
func NewProbeHistoryStore() *ProbeHistoryStore {
	return &ProbeHistoryStore{
		data:     make(map[string]*domain.ProbeRecord),
		byMarket: make(map[string][]string),
	}
}

// Compile-time interface check.
var _ storage.ProbeHistoryStore = (*ProbeHistoryStore)(nil)

// Append adds a probe record. Returns ErrDuplicateKey if probe_id exists.
func (s *ProbeHistoryStore) Append(_ context.Context, rec *domain.ProbeRecord) error {
	if err := storage.ValidateProbe(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[rec.ProbeID]; exists {
		return storage.ErrDuplicateKey
	}

	cp := *rec
	s.data[rec.ProbeID] = &cp
	s.byMarket[rec.MarketID] = append(s.byMarket[rec.MarketID], rec.ProbeID)
	return nil
}

// ListByMarket retrieves all probes for a market, ordered by observed_at ASC.
func (s *ProbeHistoryStore) ListByMarket(_ context.Context, marketID string) ([]*domain.ProbeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byMarket[marketID]
	result := make([]*domain.ProbeRecord, 0, len(ids))
	for _, id := range ids {
		cp := *s.data[id]
		result = append(result, &cp)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ObservedAt.Before(result[j].ObservedAt)
	})
	return result, nil
}
