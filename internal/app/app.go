// Package app wires configuration into a running discovery stack: engine,
// stores, prober, searcher, orchestrator and event hub.
package app

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cutoff-lab/internal/config"
	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/engine"
	"cutoff-lab/internal/engine/stub"
	"cutoff-lab/internal/execution"
	"cutoff-lab/internal/observability"
	"cutoff-lab/internal/orchestrator"
	"cutoff-lab/internal/probe"
	"cutoff-lab/internal/search"
	"cutoff-lab/internal/storage"
	chstore "cutoff-lab/internal/storage/clickhouse"
	"cutoff-lab/internal/storage/memory"
	"cutoff-lab/internal/storage/migrations"
	pgstore "cutoff-lab/internal/storage/postgres"
	redisstore "cutoff-lab/internal/storage/redis"
)

// Overrides are command-line switches applied on top of the configuration.
type Overrides struct {
	Stub         bool // simulated engine on a virtual clock
	Force        bool
	SkipFinalize bool
}

// App is the assembled stack.
type App struct {
	Config  config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Clock   execution.Clock

	Engine       engine.Engine
	Machines     *execution.Registry
	Cutoffs      storage.CutoffStore
	History      storage.ProbeHistoryStore // nil when disabled
	Policy       storage.ReplacePolicy
	Searcher     *search.Searcher
	Orchestrator *orchestrator.Orchestrator
	Events       *Broadcast
	Targets      []orchestrator.Target

	closers []func()
}

// Build assembles the stack. Close releases connections.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, ov Overrides) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(cfg.Metrics.Namespace, prometheus.NewRegistry()),
		Events:  &Broadcast{},
	}

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	targets, err := cfg.DiscoveryTargets()
	if err != nil {
		return nil, err
	}
	a.Targets = targets

	sched, err := cfg.Schedule()
	if err != nil {
		return nil, err
	}
	notional, err := cfg.TradeNotional()
	if err != nil {
		return nil, err
	}

	if ov.Stub {
		clock := execution.NewStepClock(time.Now().UTC())
		a.Clock = clock
		a.Engine = newStubEngine(clock.Now(), targets)
		logger.Info("using simulated engine", zap.Int("markets", len(targets)))
	} else {
		a.Clock = execution.RealClock{}
		a.Engine = engine.NewHTTPClient(cfg.Engine.BaseURL,
			engine.WithAPIKey(cfg.Engine.APIKey),
			engine.WithTimeout(cfg.Engine.Timeout),
			engine.WithMaxRetries(cfg.Engine.MaxRetries),
			engine.WithRetryDelay(cfg.Engine.RetryDelay),
		)
	}

	a.Policy, err = cfg.ReplacePolicy(a.Clock.Now)
	if err != nil {
		return nil, err
	}
	if err := a.openStores(ctx); err != nil {
		return nil, err
	}
	if !ov.Stub && a.volatileStore() {
		logger.Warn("cutoff store is in memory, discovered cutoffs are lost on restart",
			zap.String("store", "memory"))
	}

	a.Machines = execution.NewRegistry(a.Engine, cfg.ExecutionParams(), a.Clock, logger)
	prober := probe.New(probe.Options{
		Control:    a.Engine,
		Machines:   a.Machines,
		Policy:     cfg.RetryPolicy(),
		Classifier: cfg.Classifier(),
		MinWindow:  sched.MinWindow,
		History:    a.History,
		Metrics:    a.Metrics,
		Clock:      a.Clock,
		Logger:     logger,
	})
	a.Searcher, err = search.New(search.Options{
		Runner:   prober,
		Schedule: sched,
		Clock:    a.Clock,
		Logger:   logger,
		Observer: orchestrator.ProbeObserver(a.Events, a.Clock),
	})
	if err != nil {
		return nil, err
	}

	a.Orchestrator = orchestrator.New(orchestrator.Options{
		Engine:              a.Engine,
		Machines:            a.Machines,
		Searcher:            a.Searcher,
		Store:               a.Cutoffs,
		CachePolicy:         a.Policy,
		TradeNotional:       notional,
		SkipFinalize:        cfg.Orchestrator.SkipFinalize || ov.SkipFinalize,
		PreconditionRetries: cfg.Orchestrator.PreconditionRetries,
		Force:               cfg.Orchestrator.Force || ov.Force,
		Metrics:             a.Metrics,
		Events:              a.Events,
		Clock:               a.Clock,
		Logger:              logger,
	})

	ok = true
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Store.Driver {
	case "memory", "":
		a.Cutoffs = storage.InstrumentCutoffs(memory.NewCutoffStore(a.Policy), "memory", a.Metrics)
	case "postgres":
		pool, err := pgstore.NewPool(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			return fmt.Errorf("postgres migrations: %w", err)
		}
		a.Cutoffs = storage.InstrumentCutoffs(pgstore.NewCutoffStore(pool, a.Policy), "postgres", a.Metrics)
	case "redis":
		client, err := redisstore.NewClient(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPass, cfg.Store.RedisDB)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.Cutoffs = storage.InstrumentCutoffs(redisstore.NewCutoffStore(client, a.Policy), "redis", a.Metrics)
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	switch cfg.History.Driver {
	case "none":
	case "memory", "":
		a.History = storage.InstrumentHistory(memory.NewProbeHistoryStore(), "memory", a.Metrics)
	case "clickhouse":
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.History.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse migrations: %w", err)
		}
		a.closers = append(a.closers, func() { _ = conn.Close() })
		a.History = storage.InstrumentHistory(chstore.NewProbeHistoryStore(conn), "clickhouse", a.Metrics)
	default:
		return fmt.Errorf("unknown history driver %q", cfg.History.Driver)
	}

	a.Logger.Info("stores ready",
		zap.String("cutoffs", cfg.Store.Driver),
		zap.String("history", cfg.History.Driver))
	return nil
}

func (a *App) volatileStore() bool {
	d := a.Config.Store.Driver
	return d == "memory" || d == ""
}

// Close releases store connections in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// newStubEngine seeds a simulated engine with one market per target. History
// length is derived from the market ID so repeated dry runs agree.
func newStubEngine(now time.Time, targets []orchestrator.Target) *stub.Engine {
	eng := stub.NewEngine()
	for _, t := range targets {
		h := fnv.New32a()
		_, _ = h.Write([]byte(t.Market.ID()))
		days := 30 + int(h.Sum32()%1000)
		hours := int(h.Sum32() % 24)
		start := now.Add(-time.Duration(days)*domain.Day - time.Duration(hours)*time.Hour)
		eng.AddMarket(t.Market, start, decimal.NewFromInt(int64(10+h.Sum32()%50000)))
		if t.LabID != "" {
			eng.AddLab(t.LabID, t.Market)
		}
	}
	return eng
}
