package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/OADA/jobs/config"
	"github.com/OADA/jobs/internal/core"
	"github.com/OADA/jobs/internal/observability/metrics"
	"github.com/OADA/jobs/internal/service"
	"github.com/OADA/jobs/internal/store"
)

const shutdownWaitTimeout = 15 * time.Second

// Connect dials the store named by the configuration and verifies the
// connection before returning it.
func Connect(ctx context.Context, cfg config.AppConfig, logger *slog.Logger) (*store.Client, error) {
	return store.Connect(ctx, store.Config{
		Domain:      cfg.Store.Domain,
		Token:       cfg.Store.Token,
		Concurrency: cfg.Jobs.Concurrency,
		Logger:      logger,
	})
}

// BuildService assembles a Service from loaded configuration. Workers and
// reports are registered by the caller afterwards.
func BuildService(cfg config.AppConfig, st core.Store, logger *slog.Logger, reg *prometheus.Registry) (*service.Service, error) {
	loc, err := cfg.Jobs.Location()
	if err != nil {
		return nil, fmt.Errorf("resolve timezone: %w", err)
	}
	return service.New(service.Options{
		Name:  cfg.ServiceName,
		Store: st,
		Config: service.Config{
			Concurrency:        cfg.Jobs.Concurrency,
			SkipQueueOnStartup: cfg.Jobs.SkipQueueOnStartup,
			PostDebugUpdates:   cfg.Jobs.PostDebugUpdates,
			Timezone:           loc,
		},
		Logger:   logger,
		Registry: reg,
	})
}

// RunOptions configures RunService.
type RunOptions struct {
	// MetricsAddr starts the Prometheus exposition and health listener
	// when non-empty.
	MetricsAddr string

	// Registry backs the /metrics endpoint. Required when MetricsAddr is
	// set; usually the registry the service publishes to.
	Registry *prometheus.Registry

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// RunService starts the service and manages its lifecycle. It blocks until
// a shutdown signal arrives, the context is canceled, or the metrics
// listener fails, then stops the service and waits for in-flight jobs to
// file.
func RunService(ctx context.Context, svc *service.Service, opts RunOptions) error {
	if svc == nil {
		return errors.New("service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)

	var metricsServer *http.Server
	if opts.MetricsAddr != "" {
		if opts.Registry == nil {
			return errors.New("metrics listener needs a registry")
		}
		server, err := startMetricsServer(opts.MetricsAddr, opts.Registry, logger, errCh)
		if err != nil {
			return err
		}
		metricsServer = server
	}

	if err := svc.Start(runCtx); err != nil {
		shutdownErr := shutdownMetricsServer(metricsServer, logger)
		return errors.Join(err, shutdownErr)
	}

	return waitForShutdown(shutdownDeps{
		cancel:        cancel,
		errCh:         errCh,
		runCtx:        runCtx,
		service:       svc,
		metricsServer: metricsServer,
		logger:        logger,
	})
}

// shutdownDeps contains dependencies for graceful shutdown.
type shutdownDeps struct {
	cancel        context.CancelFunc
	errCh         <-chan error
	runCtx        context.Context
	service       *service.Service
	metricsServer *http.Server
	logger        *slog.Logger
}

// waitForShutdown waits for a shutdown signal, context cancellation, or a
// listener error.
func waitForShutdown(deps shutdownDeps) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		deps.logger.Info("shutting down service...")
		deps.cancel()
		return gracefulStop(deps)
	case <-deps.runCtx.Done():
		deps.logger.Info("shutting down service...")
		return gracefulStop(deps)
	case err := <-deps.errCh:
		deps.logger.Error("service error", "error", err)
		deps.cancel()
		if stopErr := gracefulStop(deps); stopErr != nil {
			deps.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop stops the service first so in-flight jobs file their
// results, then shuts down the metrics listener.
func gracefulStop(deps shutdownDeps) error {
	return errors.Join(
		deps.service.Stop(),
		shutdownMetricsServer(deps.metricsServer, deps.logger),
	)
}

// startMetricsServer serves the Prometheus exposition and health endpoints.
// The returned server is already listening; request serving runs in the
// background and failures land on errCh.
func startMetricsServer(addr string, reg *prometheus.Registry, logger *slog.Logger, errCh chan<- error) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Addr:         listener.Addr().String(),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting metrics listener", "addr", server.Addr)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics listener: %w", err)
		}
	}()

	return server, nil
}

// shutdownMetricsServer gracefully shuts down the metrics listener.
func shutdownMetricsServer(server *http.Server, logger *slog.Logger) error {
	if server == nil {
		return nil
	}

	logger.Info("shutting down metrics listener")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics listener: %w", err)
	}
	return nil
}
