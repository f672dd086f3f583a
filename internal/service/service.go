// Package service implements the job lifecycle engine: a queue consuming a
// service's pending list, a runner filing every job through to its terminal
// index, and reports turning filed jobs into scheduled emails.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/OADA/jobs/internal/core"
	"github.com/OADA/jobs/internal/observability/metrics"
	"github.com/OADA/jobs/internal/service/finishreporter"

	apperrors "github.com/OADA/jobs/internal/errors"
)

// Config tunes a Service beyond its required dependencies.
type Config struct {
	// Concurrency bounds the worker pool. Zero takes the store's hint,
	// falling back to 1.
	Concurrency int
	// SkipQueueOnStartup leaves jobs already pending at start untouched.
	SkipQueueOnStartup bool
	// PostDebugUpdates forwards workers' debug and trace updates to the
	// store instead of dropping them.
	PostDebugUpdates bool
	// Timezone fixes the calendar used for day-index buckets. Defaults to
	// UTC.
	Timezone *time.Location
}

// Options groups dependencies for a Service.
type Options struct {
	Name      string                // Required: service name under /bookmarks/services
	Store     core.Store            // Required: store handle
	Config    Config                // Optional: tuning knobs
	Logger    *slog.Logger          // Optional: structured logger
	Registry  prometheus.Registerer // Optional: metrics registry, private when nil
	Clock     core.Clock            // Optional: wall clock override
	Reporters []core.FinishReporter // Optional: ordered finish reporter hooks
}

// Service owns the worker and report registries for one service name and
// drives them with a single queue. Registries accept changes before and
// after Start; at most one queue is active at a time.
type Service struct {
	name        string
	store       core.Store
	concurrency int
	skipOnStart bool
	postDebug   bool
	loc         *time.Location
	logger      *slog.Logger
	metrics     *metrics.Jobs
	clock       core.Clock
	reporters   *finishreporter.Service

	mu      sync.RWMutex
	workers map[string]core.Worker
	reports map[string]*Report
	queue   *Queue
	runCtx  context.Context
}

// New constructs a Service.
func New(opts Options) (*Service, error) {
	if opts.Name == "" {
		return nil, errors.New("service name is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "jobs", "service", opts.Name)

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	loc := opts.Config.Timezone
	if loc == nil {
		loc = time.UTC
	}

	concurrency := opts.Config.Concurrency
	if concurrency < 1 {
		if hinter, ok := opts.Store.(core.ConcurrencyHinter); ok {
			concurrency = hinter.Concurrency()
		}
	}
	if concurrency < 1 {
		concurrency = 1
	}

	return &Service{
		name:        opts.Name,
		store:       opts.Store,
		concurrency: concurrency,
		skipOnStart: opts.Config.SkipQueueOnStartup,
		postDebug:   opts.Config.PostDebugUpdates,
		loc:         loc,
		logger:      logger,
		metrics:     metrics.NewJobs(reg),
		clock:       clock,
		reporters: finishreporter.NewService(finishreporter.Options{
			Logger:    logger,
			Reporters: opts.Reporters,
		}),
		workers: make(map[string]core.Worker),
		reports: make(map[string]*Report),
	}, nil
}

// MustNew constructs a Service and panics on error. Use when the options are
// known valid, e.g. in main.go.
func MustNew(opts Options) *Service {
	svc, err := New(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create jobs service: %v", err))
	}
	return svc
}

// Name returns the service name.
func (s *Service) Name() string {
	return s.name
}

// On registers the worker for a job type, replacing any previous one, and
// pre-creates the type's metric series at zero.
func (s *Service) On(jobType string, timeout time.Duration, work core.WorkFunc) error {
	if jobType == "" {
		return errors.New("job type is required")
	}
	if work == nil {
		return errors.New("work function is required")
	}

	s.mu.Lock()
	s.workers[jobType] = core.Worker{Work: work, Timeout: timeout}
	s.mu.Unlock()

	s.metrics.InitType(s.name, jobType)
	s.logger.Debug("worker registered", "type", jobType, "timeout", timeout)
	return nil
}

// Off removes the worker for a job type. Jobs of that type fail with a
// no-worker error afterwards.
func (s *Service) Off(jobType string) {
	s.mu.Lock()
	delete(s.workers, jobType)
	s.mu.Unlock()
}

// GetWorker resolves a job type to its registered worker.
func (s *Service) GetWorker(jobType string) (core.Worker, error) {
	s.mu.RLock()
	worker, ok := s.workers[jobType]
	s.mu.RUnlock()
	if !ok {
		return core.Worker{}, apperrors.NoWorker(jobType)
	}
	return worker, nil
}

// AddReport registers a report, replacing one with the same name. On a
// started service the report begins watching and firing immediately.
func (s *Service) AddReport(opts ReportOptions) (*Report, error) {
	report, err := newReport(opts, reportDeps{
		Service: s.name,
		Store:   s.store,
		Logger:  s.logger,
		Clock:   s.clock,
		Loc:     s.loc,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	previous := s.reports[opts.Name]
	s.reports[opts.Name] = report
	runCtx := s.runCtx
	s.mu.Unlock()

	if previous != nil {
		if err := previous.Stop(); err != nil {
			s.logger.Warn("stopping replaced report failed", "report", opts.Name, "error", err)
		}
	}
	if runCtx != nil {
		if err := report.Start(runCtx); err != nil {
			return nil, fmt.Errorf("start report %s: %w", opts.Name, err)
		}
	}
	return report, nil
}

// GetReport returns the registered report of that name.
func (s *Service) GetReport(name string) (*Report, error) {
	s.mu.RLock()
	report, ok := s.reports[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no report named %q", name)
	}
	return report, nil
}

// Start brings up the queue and then every registered report. A service
// holds at most one active queue; Start fails while one is running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return errors.New("service already started")
	}

	runner, err := NewRunner(RunnerOptions{
		Service:   s.name,
		Store:     s.store,
		Workers:   s,
		Metrics:   s.metrics,
		Logger:    s.logger,
		Clock:     s.clock,
		Location:  s.loc,
		PostDebug: s.postDebug,
		Reporters: s.reporters,
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	queue, err := NewQueue(QueueOptions{
		Service:     s.name,
		ID:          uuid.NewString(),
		Store:       s.store,
		Runner:      runner,
		Metrics:     s.metrics,
		Logger:      s.logger,
		Concurrency: s.concurrency,
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.queue = queue
	s.runCtx = ctx
	reports := make([]*Report, 0, len(s.reports))
	for _, r := range s.reports {
		reports = append(reports, r)
	}
	s.mu.Unlock()

	if err := queue.Start(ctx, s.skipOnStart); err != nil {
		s.clearStarted()
		return fmt.Errorf("start queue: %w", err)
	}

	for _, report := range reports {
		if err := report.Start(ctx); err != nil {
			stopErr := s.Stop()
			return errors.Join(fmt.Errorf("start report %s: %w", report.Name(), err), stopErr)
		}
	}

	s.logger.InfoContext(ctx, "service started",
		"concurrency", s.concurrency,
		"reports", len(reports),
	)
	return nil
}

func (s *Service) clearStarted() {
	s.mu.Lock()
	s.queue = nil
	s.runCtx = nil
	s.mu.Unlock()
}

// Stop shuts the queue down, waits for in-flight jobs to file, and stops
// every report. The service can be started again afterwards.
func (s *Service) Stop() error {
	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.runCtx = nil
	reports := make([]*Report, 0, len(s.reports))
	for _, r := range s.reports {
		reports = append(reports, r)
	}
	s.mu.Unlock()

	if queue == nil {
		return nil
	}

	errs := []error{queue.Stop()}
	for _, report := range reports {
		errs = append(errs, report.Stop())
	}

	s.logger.Info("service stopped")
	return errors.Join(errs...)
}
