// Package redis provides a Redis-backed cutoff store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/storage"
)

const (
	keyPrefix  = "cutoff:"
	maxTxRetry = 16
	scanBatch  = 100
)

// NewClient creates a Redis client and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// CutoffStore implements storage.CutoffStore on Redis. Each market is one
// JSON value under cutoff:<market_id>; Put uses WATCH/MULTI so a concurrent
// write to the same key aborts and retries.
type CutoffStore struct {
	client *redis.Client
	policy storage.ReplacePolicy
}

// NewCutoffStore creates a new Redis cutoff store.
func NewCutoffStore(client *redis.Client, policy storage.ReplacePolicy) *CutoffStore {
	return &CutoffStore{client: client, policy: policy}
}

// Compile-time interface check.
var _ storage.CutoffStore = (*CutoffStore)(nil)

type cutoffJSON struct {
	MarketID       string    `json:"market_id"`
	CutoffDate     time.Time `json:"cutoff_date"`
	PrecisionHours int64     `json:"precision_hours"`
	DiscoveredAt   time.Time `json:"discovered_at"`
	SourceLabID    string    `json:"source_lab_id"`
	Degraded       bool      `json:"degraded"`
}

func encode(rec *domain.CutoffRecord) ([]byte, error) {
	return json.Marshal(cutoffJSON{
		MarketID:       rec.MarketID,
		CutoffDate:     rec.CutoffDate.UTC(),
		PrecisionHours: rec.PrecisionHours,
		DiscoveredAt:   rec.DiscoveredAt.UTC(),
		SourceLabID:    rec.SourceLabID,
		Degraded:       rec.Degraded,
	})
}

func decode(b []byte) (*domain.CutoffRecord, error) {
	var v cutoffJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode cutoff: %w", err)
	}
	return &domain.CutoffRecord{
		MarketID:       v.MarketID,
		CutoffDate:     v.CutoffDate.UTC(),
		PrecisionHours: v.PrecisionHours,
		DiscoveredAt:   v.DiscoveredAt.UTC(),
		SourceLabID:    v.SourceLabID,
		Degraded:       v.Degraded,
	}, nil
}

func key(marketID string) string {
	return keyPrefix + marketID
}

// Get retrieves the record for a market.
func (s *CutoffStore) Get(ctx context.Context, marketID string) (*domain.CutoffRecord, error) {
	b, err := s.client.Get(ctx, key(marketID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cutoff: %w", err)
	}
	return decode(b)
}

// Put stores rec if the replace policy accepts it over the stored record.
func (s *CutoffStore) Put(ctx context.Context, rec *domain.CutoffRecord) error {
	if err := storage.ValidateCutoff(rec); err != nil {
		return err
	}
	value, err := encode(rec)
	if err != nil {
		return fmt.Errorf("encode cutoff: %w", err)
	}

	k := key(rec.MarketID)
	txf := func(tx *redis.Tx) error {
		var existing *domain.CutoffRecord
		b, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("read cutoff: %w", err)
		default:
			if existing, err = decode(b); err != nil {
				return err
			}
		}

		if !s.policy.Accepts(existing, rec) {
			return storage.ErrPrecisionRegression
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, value, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetry; i++ {
		err := s.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("put cutoff %s: too much contention", rec.MarketID)
}

// List retrieves all records ordered by market ID.
func (s *CutoffStore) List(ctx context.Context) ([]*domain.CutoffRecord, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan cutoffs: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget cutoffs: %w", err)
	}

	result := make([]*domain.CutoffRecord, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Deleted between SCAN and MGET
			continue
		}
		rec, err := decode([]byte(str))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", strings.TrimPrefix(keys[i], keyPrefix), err)
		}
		result = append(result, rec)
	}
	return result, nil
}
