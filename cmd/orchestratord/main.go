// orchestratord is the job dispatcher's long-running server process: it
// serves the HTTP API, runs the queue dispatch loop, and runs the worker
// health monitor.
package main

import (
	"context"
	"dispatchcore/internal/api"
	"dispatchcore/internal/auth"
	"dispatchcore/internal/config"
	"dispatchcore/internal/dispatcher"
	"dispatchcore/internal/domain"
	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/health"
	"dispatchcore/internal/joblifecycle"
	"dispatchcore/internal/observability"
	"dispatchcore/internal/provisioner"
	"dispatchcore/internal/queuemgr"
	"dispatchcore/internal/repository"
	"dispatchcore/internal/transport"
	"dispatchcore/internal/workermgr"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("orchestratord failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	svcCfg := config.LoadServiceConfig()

	repo, err := openRepository(svcCfg)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	hub := eventbus.NewHub(func(topic string) {
		slog.Warn("event bus subscriber dropped, slow consumer", "topic", topic)
		metrics.RecordSSEDropped(ctx, topic)
	})
	tails := eventbus.NewTailStoreWithDisk(svcCfg.LogDir)

	jobs := joblifecycle.NewController(repo, hub, tails, metrics)
	callbacks := dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)
	jobs.SetCallbackDispatcher(callbacks)
	transportClient := transport.New(metrics)
	workerProvisioner := provisioner.New(repo, hub, svcCfg.OrchestratorURL)
	authSvc := auth.New(repo)

	queues := queuemgr.NewManager(repo, hub, metrics, transportClient)
	queues.SetLogStreaming(logStreamerAdapter{transportClient}, jobs.LogSink())

	localLauncher := transport.NewLauncher(svcCfg.LocalWorkerCommand, svcCfg.OrchestratorURL)
	workers := workermgr.NewManager(repo, hub, metrics, transportClient,
		workermgr.WithProbeInterval(svcCfg.HealthMonitorInterval),
		workermgr.WithProvisioner(workerProvisioner),
		workermgr.WithDispatchWaker(queues),
		workermgr.WithLocalLauncher(localLauncher),
	)

	healthChecker := health.NewChecker(repo)

	router := api.NewRouter(api.RouterConfig{
		Repository:    repo,
		Jobs:          jobs,
		Queues:        queues,
		Workers:       workers,
		Auth:          authSvc,
		Transport:     transportClient,
		Hub:           hub,
		Tails:         tails,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		RequireAuth:   svcCfg.RequireAuth,
	})

	if svcCfg.RequireAuth {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - set REQUIRE_AUTH=true to enable")
	}

	if failed, err := jobs.ReconcileStaleRunning(ctx); err != nil {
		slog.Warn("stale running job reconciliation failed", "error", err)
	} else if failed > 0 {
		slog.Info("marked jobs left running across restart as failed", "count", failed)
	}

	if moved, err := queues.ReassignLegacyQueues(ctx); err != nil {
		slog.Warn("legacy queue reassignment failed", "error", err)
	} else if moved > 0 {
		slog.Info("reassigned jobs from deleted queues to the default queue", "count", moved)
	}

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	queues.Start(dispatchCtx)
	workers.Start(dispatchCtx)

	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams run far longer than a fixed write timeout allows
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdownServers := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("server failed to start", "error", err)
		stopDispatch()
		shutdownServers(5 * time.Second)
		return err
	}

	// Phase 1: mark unready so load balancers stop sending new traffic.
	healthChecker.SetShuttingDown()
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("draining traffic", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: stop taking new dispatches and probes, finish in-flight ones.
	slog.Info("stopping dispatch loop and health monitor")
	queues.Stop()
	workers.Stop()
	stopDispatch()

	// Phase 3: graceful HTTP shutdown, finishing in-flight requests (including
	// open SSE streams, which close themselves once the handler's context ends).
	slog.Info("shutting down HTTP servers")
	shutdownServers(25 * time.Second)

	// Phase 4: drain queued webhook callbacks rather than dropping them.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := callbacks.Close(closeCtx); err != nil {
		slog.Warn("callback dispatcher drain timed out", "error", err)
	}
	closeCancel()

	// Phase 5: jobs already dispatched to workers continue running
	// independently of this process; any still Running at the next startup
	// are marked Failed by ReconcileStaleRunning.
	slog.Info("in-flight jobs will continue running on their assigned workers")
	slog.Info("shutdown complete")
	return nil
}

// logStreamerAdapter satisfies queuemgr.LogStreamer using *transport.Client,
// whose StreamLogs takes transport.LogSink rather than queuemgr.LogSink.
// The two LogSink interfaces are structurally identical by design (see
// internal/queuemgr's LogStreamer doc comment), so the sink value passed in
// here always satisfies transport.LogSink too.
type logStreamerAdapter struct {
	client *transport.Client
}

func (a logStreamerAdapter) StreamLogs(ctx context.Context, worker *domain.Worker, jobID string, sink queuemgr.LogSink) error {
	return a.client.StreamLogs(ctx, worker, jobID, sink)
}

func openRepository(cfg *config.ServiceConfig) (repository.Repository, error) {
	switch cfg.DBType {
	case config.DBSQLite, "":
		return repository.NewSQLite(cfg.SQLitePath)
	case config.DBPostgreSQL:
		return repository.NewPostgres(cfg.PostgresDSN())
	case config.DBMySQL:
		return repository.NewMySQL(cfg.MySQLDSN)
	default:
		return nil, fmt.Errorf("unknown DB_TYPE %q", cfg.DBType)
	}
}
