package scheduler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"cutoff-lab/internal/orchestrator"
	"cutoff-lab/internal/storage"
)

// Submitter enqueues a discovery. Implemented by *orchestrator.Queue.
type Submitter interface {
	Submit(t orchestrator.Target) (<-chan orchestrator.QueueResult, error)
}

// Rediscovery resubmits targets whose stored cutoff is missing, stale or degraded.
type Rediscovery struct {
	Store   storage.CutoffStore
	Policy  storage.ReplacePolicy
	Targets []orchestrator.Target
	Queue   Submitter
	Logger  *zap.Logger
}

// Due returns the targets that need a new search.
func (r *Rediscovery) Due(ctx context.Context) ([]orchestrator.Target, error) {
	var due []orchestrator.Target
	for _, t := range r.Targets {
		rec, err := r.Store.Get(ctx, t.Market.ID())
		switch {
		case errors.Is(err, storage.ErrNotFound):
			due = append(due, t)
		case err != nil:
			return nil, err
		case rec.Degraded || r.Policy.IsStale(rec):
			due = append(due, t)
		}
	}
	return due, nil
}

// Run submits every due target and waits for the results. Returns the
// number of discoveries that completed without error.
func (r *Rediscovery) Run(ctx context.Context) (int, error) {
	log := r.Logger
	if log == nil {
		log = zap.NewNop()
	}

	due, err := r.Due(ctx)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		log.Debug("no cutoffs due for rediscovery")
		return 0, nil
	}
	log.Info("rediscovering cutoffs", zap.Int("due", len(due)))

	pending := make([]<-chan orchestrator.QueueResult, 0, len(due))
	for _, t := range due {
		ch, err := r.Queue.Submit(t)
		if err != nil {
			log.Warn("submit rediscovery failed", zap.String("market", t.Market.ID()), zap.Error(err))
			continue
		}
		pending = append(pending, ch)
	}

	ok := 0
	for _, ch := range pending {
		select {
		case <-ctx.Done():
			return ok, ctx.Err()
		case res := <-ch:
			if res.Err == nil {
				ok++
			}
		}
	}
	log.Info("rediscovery finished", zap.Int("succeeded", ok), zap.Int("submitted", len(pending)))
	return ok, nil
}

// Job adapts Run to Runner.Add.
func (r *Rediscovery) Job() func(context.Context) {
	return func(ctx context.Context) {
		if _, err := r.Run(ctx); err != nil && r.Logger != nil {
			r.Logger.Error("rediscovery failed", zap.Error(err))
		}
	}
}
