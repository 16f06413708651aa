package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/storage"
)

// CutoffStore is a PostgreSQL implementation of storage.CutoffStore.
// Put runs inside one transaction holding a per-market advisory lock, so the
// replace policy check and the upsert are atomic.
type CutoffStore struct {
	pool   *Pool
	policy storage.ReplacePolicy
}

// NewCutoffStore creates a new PostgreSQL cutoff store.
func NewCutoffStore(pool *Pool, policy storage.ReplacePolicy) *CutoffStore {
	return &CutoffStore{pool: pool, policy: policy}
}

// Compile-time interface check.
var _ storage.CutoffStore = (*CutoffStore)(nil)

const cutoffColumns = `market_id, cutoff_date, precision_hours, discovered_at, source_lab_id, degraded`

// Get retrieves the record for a market.
func (s *CutoffStore) Get(ctx context.Context, marketID string) (*domain.CutoffRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+cutoffColumns+`
		FROM cutoffs
		WHERE market_id = $1
	`, marketID)

	rec, err := scanCutoff(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get cutoff: %w", err)
	}
	return rec, nil
}

// Put stores rec if the replace policy accepts it over the stored record.
func (s *CutoffStore) Put(ctx context.Context, rec *domain.CutoffRecord) error {
	if err := storage.ValidateCutoff(rec); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// FOR UPDATE cannot lock a row that does not exist yet
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.MarketID); err != nil {
		return fmt.Errorf("lock market: %w", err)
	}

	existing, err := scanCutoff(tx.QueryRow(ctx, `
		SELECT `+cutoffColumns+`
		FROM cutoffs
		WHERE market_id = $1
		FOR UPDATE
	`, rec.MarketID))
	if err != nil && !isNotFoundError(err) {
		return fmt.Errorf("read cutoff: %w", err)
	}

	if !s.policy.Accepts(existing, rec) {
		return storage.ErrPrecisionRegression
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO cutoffs (`+cutoffColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (market_id) DO UPDATE
		SET cutoff_date = EXCLUDED.cutoff_date,
		    precision_hours = EXCLUDED.precision_hours,
		    discovered_at = EXCLUDED.discovered_at,
		    source_lab_id = EXCLUDED.source_lab_id,
		    degraded = EXCLUDED.degraded,
		    updated_at = NOW()
	`, rec.MarketID, rec.CutoffDate.UTC(), rec.PrecisionHours, rec.DiscoveredAt.UTC(), rec.SourceLabID, rec.Degraded)
	if err != nil {
		return fmt.Errorf("upsert cutoff: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cutoff: %w", err)
	}
	return nil
}

// List retrieves all records ordered by market ID.
func (s *CutoffStore) List(ctx context.Context) ([]*domain.CutoffRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+cutoffColumns+`
		FROM cutoffs
		ORDER BY market_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list cutoffs: %w", err)
	}
	defer rows.Close()

	var result []*domain.CutoffRecord
	for rows.Next() {
		rec, err := scanCutoff(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cutoff: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func scanCutoff(row pgx.Row) (*domain.CutoffRecord, error) {
	var (
		rec          domain.CutoffRecord
		cutoffDate   time.Time
		discoveredAt time.Time
	)
	err := row.Scan(&rec.MarketID, &cutoffDate, &rec.PrecisionHours, &discoveredAt, &rec.SourceLabID, &rec.Degraded)
	if err != nil {
		return nil, err
	}
	rec.CutoffDate = cutoffDate.UTC()
	rec.DiscoveredAt = discoveredAt.UTC()
	return &rec, nil
}
