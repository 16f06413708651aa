// Command server runs the discovery service: the HTTP API with its event
// stream, the discovery queue and the cron rediscovery of stale cutoffs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cutoff-lab/internal/app"
	"cutoff-lab/internal/config"
	"cutoff-lab/internal/logger"
	"cutoff-lab/internal/orchestrator"
	"cutoff-lab/internal/scheduler"
	"cutoff-lab/internal/transport/httpapi"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML configuration")
	envOnly := flag.Bool("env-only", false, "Read configuration from CUTOFF_* environment variables only")
	useStub := flag.Bool("stub", false, "Use the simulated engine")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envOnly)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.App.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, log, app.Overrides{Stub: *useStub}); err != nil {
		log.Error("server failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(cfg config.Config, log *zap.Logger, ov app.Overrides) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, log, ov)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := httpapi.NewHub(log)
	defer hub.Close()
	a.Events.Attach(hub)

	queue := orchestrator.NewQueue(ctx, a.Orchestrator, cfg.Orchestrator.QueueSize, a.Metrics, log)
	defer queue.Close()

	if cfg.Cron.Enabled && len(a.Targets) > 0 {
		cron := scheduler.New(log, ctx)
		rediscovery := &scheduler.Rediscovery{
			Store:   a.Cutoffs,
			Policy:  a.Policy,
			Targets: a.Targets,
			Queue:   queue,
			Logger:  log,
		}
		if _, err := cron.Add(cfg.Cron.Rediscover, rediscovery.Job()); err != nil {
			return fmt.Errorf("schedule rediscovery %q: %w", cfg.Cron.Rediscover, err)
		}
		cron.Start()
		defer cron.Stop()
	}

	api := httpapi.New(httpapi.Options{
		Cutoffs: a.Cutoffs,
		History: a.History,
		Queue:   queue,
		Hub:     hub,
		Metrics: a.Metrics,
		Targets: a.Targets,
		Logger:  log,
	})

	servers := []*http.Server{{Addr: cfg.Server.HTTPAddr, Handler: api.Router()}}
	if cfg.Metrics.Addr != "" && cfg.Metrics.Addr != cfg.Server.HTTPAddr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.Metrics.Handler())
		servers = append(servers, &http.Server{Addr: cfg.Metrics.Addr, Handler: mux})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			log.Info("http server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-errCh:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Warn("http shutdown", zap.String("addr", srv.Addr), zap.Error(serr))
		}
	}
	return err
}
