package clickhouse

import (
	"context"
	"fmt"
	"time"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/storage"
)

// ProbeHistoryStore implements storage.ProbeHistoryStore using ClickHouse.
type ProbeHistoryStore struct {
	conn *Conn
}

// NewProbeHistoryStore creates a new ProbeHistoryStore.
func NewProbeHistoryStore(conn *Conn) *ProbeHistoryStore {
	return &ProbeHistoryStore{conn: conn}
}

// Compile-time interface check.
var _ storage.ProbeHistoryStore = (*ProbeHistoryStore)(nil)

// Append adds a probe record. Returns ErrDuplicateKey if probe_id exists.
func (s *ProbeHistoryStore) Append(ctx context.Context, rec *domain.ProbeRecord) error {
	if err := storage.ValidateProbe(rec); err != nil {
		return err
	}

	// MergeTree does not enforce uniqueness
	exists, err := s.exists(ctx, rec.ProbeID)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return storage.ErrDuplicateKey
	}

	err = s.conn.Exec(ctx, `
		INSERT INTO probe_history (
			probe_id, market_id, lab_id,
			period_start_ms, period_end_ms, label,
			state, attempt, detail, observed_at_ms
		) VALUES (
			?, ?, ?,
			?, ?, ?,
			?, ?, ?, ?
		)
	`,
		rec.ProbeID, rec.MarketID, rec.LabID,
		rec.PeriodStart.UnixMilli(), rec.PeriodEnd.UnixMilli(), rec.Label,
		string(rec.State), uint16(rec.Attempt), rec.Detail, rec.ObservedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert probe: %w", err)
	}
	return nil
}

// ListByMarket retrieves all probes for a market, ordered by observed_at ASC.
func (s *ProbeHistoryStore) ListByMarket(ctx context.Context, marketID string) ([]*domain.ProbeRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT
			probe_id, market_id, lab_id,
			period_start_ms, period_end_ms, label,
			state, attempt, detail, observed_at_ms
		FROM probe_history
		WHERE market_id = ?
		ORDER BY observed_at_ms ASC, probe_id ASC
	`, marketID)
	if err != nil {
		return nil, fmt.Errorf("query by market: %w", err)
	}
	defer rows.Close()

	return scanProbes(rows)
}

// exists checks if a probe with the given ID exists.
func (s *ProbeHistoryStore) exists(ctx context.Context, probeID string) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, `
		SELECT count(*) FROM probe_history WHERE probe_id = ?
	`, probeID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Rows interface for scanning
type chRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanProbes(rows chRows) ([]*domain.ProbeRecord, error) {
	var result []*domain.ProbeRecord

	for rows.Next() {
		var (
			rec                    domain.ProbeRecord
			state                  string
			attempt                uint16
			startMs, endMs, seenMs int64
		)
		err := rows.Scan(
			&rec.ProbeID, &rec.MarketID, &rec.LabID,
			&startMs, &endMs, &rec.Label,
			&state, &attempt, &rec.Detail, &seenMs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan probe row: %w", err)
		}
		rec.State = domain.TerminalState(state)
		rec.Attempt = int(attempt)
		rec.PeriodStart = time.UnixMilli(startMs).UTC()
		rec.PeriodEnd = time.UnixMilli(endMs).UTC()
		rec.ObservedAt = time.UnixMilli(seenMs).UTC()
		result = append(result, &rec)
	}

	return result, rows.Err()
}
