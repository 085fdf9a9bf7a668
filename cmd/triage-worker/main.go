package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/medtriage-ai-platform/cmd/mainconfig"
	"github.com/wolfman30/medtriage-ai-platform/internal/app/bootstrap"
	appconfig "github.com/wolfman30/medtriage-ai-platform/internal/config"
	"github.com/wolfman30/medtriage-ai-platform/internal/triage"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting triage worker", "env", cfg.Env, "workers", cfg.WorkerCount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	rt, err := bootstrap.BuildRuntime(ctx, cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to build triage runtime", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("runtime close failed", "error", err)
		}
	}()

	worker := triage.NewWorker(rt.Runner, rt.Queue, logger, triage.WithWorkerCount(cfg.WorkerCount))
	worker.Start(ctx)
	go rt.Deliverer.Start(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.OpsPort,
		Handler:      opsRouter(rt.Registry),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down triage worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		logger.Warn("ops server shutdown failed", "error", err)
	}

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		// Flush whatever the last runs appended before exiting.
		delivered := rt.Deliverer.Drain(doneCtx)
		logger.Info("triage worker stopped", "flushed_events", delivered)
	case <-doneCtx.Done():
		logger.Error("triage worker shutdown timed out", "error", doneCtx.Err())
	}
}

// opsRouter serves liveness and Prometheus metrics.
func opsRouter(registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return r
}
