package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/OADA/jobs/internal/core"
	"github.com/OADA/jobs/internal/domain/keys"
	"github.com/OADA/jobs/internal/domain/model"
	"github.com/OADA/jobs/internal/observability/metrics"
	"github.com/OADA/jobs/internal/observability/notify"
	"github.com/OADA/jobs/internal/service/finishreporter"

	apperrors "github.com/OADA/jobs/internal/errors"
)

// unknownTypeLabel is the metric type label for documents whose type could
// not be read.
const unknownTypeLabel = "unknown"

// WorkerSource resolves a job type to its registered worker.
type WorkerSource interface {
	GetWorker(jobType string) (core.Worker, error)
}

// Task is one unit of work handed from the Queue to the Runner: a pending
// key, the document it links to, and the decoded job. Invalid is set when
// the document failed validation even after the re-read; such tasks are
// filed as failures with an empty result.
type Task struct {
	Key     string
	ID      string
	Job     *model.Job
	Invalid error
}

// RunnerOptions groups dependencies for the Runner.
type RunnerOptions struct {
	Service   string                  // Required: service name, namespaces all filing paths
	Store     core.Store              // Required: store handle
	Workers   WorkerSource            // Required: worker registry lookup
	Metrics   *metrics.Jobs           // Required: lifecycle gauge and duration histogram
	Logger    *slog.Logger            // Optional: structured logger
	Clock     core.Clock              // Optional: wall clock, defaults to the system clock
	Location  *time.Location          // Optional: day-index timezone, defaults to UTC
	PostDebug bool                    // Optional: forward debug and trace updates
	Reporters *finishreporter.Service // Optional: post-filing notification hooks
}

// Runner executes one job through to its terminal filing: worker invocation
// under the type's timeout, status and result writes, day-index linking, and
// removal from the pending list. Every step writes stable keys, so a
// re-observed job converges to the same end state.
type Runner struct {
	service   string
	store     core.Store
	workers   WorkerSource
	metrics   *metrics.Jobs
	logger    *slog.Logger
	clock     core.Clock
	loc       *time.Location
	postDebug bool
	reporters *finishreporter.Service
	tree      *core.Tree
}

// NewRunner constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Service == "" {
		return nil, errors.New("service name is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Workers == nil {
		return nil, errors.New("worker source is required")
	}
	if opts.Metrics == nil {
		return nil, errors.New("metrics are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Runner{
		service:   opts.Service,
		store:     opts.Store,
		workers:   opts.Workers,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "runner"),
		clock:     clock,
		loc:       loc,
		postDebug: opts.PostDebug,
		reporters: opts.Reporters,
		tree:      core.JobsTree(),
	}, nil
}

// workerOutcome carries a worker invocation's return values across the
// timeout select.
type workerOutcome struct {
	result any
	err    error
}

// Run drives one task to its terminal filing. The returned error means the
// filing itself could not complete; the pending entry survives and the next
// observation of the job retries.
func (r *Runner) Run(ctx context.Context, t Task) error {
	started := time.Now()
	label := typeLabel(t.Job)
	r.metrics.Running(r.service, label)

	if t.Invalid != nil {
		r.logger.WarnContext(ctx, "document is not a valid job, filing as failure",
			"job_id", t.ID,
			"job_key", t.Key,
			"error", t.Invalid,
		)
		return r.finish(ctx, finishParams{
			Task:    t,
			Label:   label,
			Status:  model.JobStatusFailure,
			Result:  map[string]any{},
			When:    r.clock.Now(),
			Started: started,
		})
	}

	// A job observed already terminal was filed at least partially before;
	// skip the worker and converge the filing. The empty result merges into
	// the existing one without changing it.
	if t.Job.Status.Terminal() {
		when, ok := t.Job.LatestUpdateTime(t.Job.Status)
		if !ok {
			when = r.clock.Now()
		}
		r.logger.InfoContext(ctx, "job already terminal, converging filing",
			"job_id", t.ID,
			"status", t.Job.Status,
		)
		return r.finish(ctx, finishParams{
			Task:    t,
			Label:   label,
			Status:  t.Job.Status,
			Result:  map[string]any{},
			When:    when,
			Started: started,
		})
	}

	worker, err := r.workers.GetWorker(t.Job.Type)
	if err != nil {
		r.logger.ErrorContext(ctx, "no worker for job type",
			"job_id", t.ID,
			"type", t.Job.Type,
		)
		return r.finish(ctx, finishParams{
			Task:     t,
			Label:    label,
			Status:   model.JobStatusFailure,
			Result:   apperrors.Serialize(err),
			When:     r.clock.Now(),
			FailKind: string(apperrors.Kind(err)),
			Started:  started,
		})
	}

	updates := &updateSink{
		store:     r.store,
		jobID:     t.ID,
		clock:     r.clock,
		logger:    r.logger,
		postDebug: r.postDebug,
	}
	if err := updates.post(ctx, "started", "Runner started"); err != nil {
		r.logger.WarnContext(ctx, "posting started update failed",
			"job_id", t.ID,
			"error", err,
		)
	}

	outcome := r.invoke(ctx, worker, t, updates)

	switch {
	case outcome.err == nil:
		return r.finish(ctx, finishParams{
			Task:    t,
			Label:   label,
			Status:  model.JobStatusSuccess,
			Result:  outcome.result,
			When:    r.clock.Now(),
			Started: started,
		})
	default:
		r.logger.WarnContext(ctx, "job failed",
			"job_id", t.ID,
			"type", t.Job.Type,
			"error", outcome.err,
		)
		return r.finish(ctx, finishParams{
			Task:     t,
			Label:    label,
			Status:   model.JobStatusFailure,
			Result:   apperrors.Serialize(outcome.err),
			When:     r.clock.Now(),
			FailKind: string(apperrors.Kind(outcome.err)),
			Started:  started,
		})
	}
}

// invoke runs the worker under the type's timeout. A worker that keeps
// running past the deadline only has its eventual result discarded; updates
// it already posted persist.
func (r *Runner) invoke(ctx context.Context, worker core.Worker, t Task, updates *updateSink) workerOutcome {
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if worker.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, worker.Timeout)
	}
	defer cancel()

	wc := core.WorkerContext{
		JobID:   t.ID,
		Store:   r.store,
		Updates: updates,
	}

	done := make(chan workerOutcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- workerOutcome{err: fmt.Errorf("worker panicked: %v", v)}
			}
		}()
		result, err := worker.Work(runCtx, t.Job, wc)
		done <- workerOutcome{result: result, err: err}
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return workerOutcome{err: apperrors.Timeout(t.Job.Type, worker.Timeout.String())}
		}
		return workerOutcome{err: runCtx.Err()}
	}
}

// finishParams groups the filing inputs.
type finishParams struct {
	Task     Task
	Label    string
	Status   model.JobStatus
	Result   any
	When     time.Time
	FailKind string
	Started  time.Time
}

// finish files a terminal job: status and result on the document, the final
// update, day-index links, pending removal, metrics, and reporter dispatch.
func (r *Runner) finish(ctx context.Context, p finishParams) error {
	t := p.Task

	body := map[string]any{"status": p.Status}
	if p.Result != nil {
		body["result"] = p.Result
	}
	err := r.store.Put(ctx, core.PutRequest{
		Path:        model.ResourcePath(t.ID),
		ContentType: core.ContentTypeJob,
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("write terminal status to %s: %w", t.ID, err)
	}

	updates := &updateSink{store: r.store, jobID: t.ID, clock: r.clock, logger: r.logger}
	if err := updates.post(ctx, string(p.Status), "Runner finished"); err != nil {
		r.logger.WarnContext(ctx, "posting final update failed",
			"job_id", t.ID,
			"error", err,
		)
	}

	day := keys.Day(p.When, r.loc)
	if err := r.file(ctx, model.DayPath(r.service, p.Status, day), t); err != nil {
		return err
	}
	if p.Status == model.JobStatusFailure && p.FailKind != "" {
		if err := r.file(ctx, model.TypedFailureDayPath(r.service, p.FailKind, day), t); err != nil {
			return err
		}
	}

	if err := r.store.Delete(ctx, model.PendingEntry(r.service, t.Key)); err != nil {
		return fmt.Errorf("remove pending entry %s: %w", t.Key, err)
	}

	r.metrics.Finished(r.service, p.Label, p.Status, time.Since(p.Started).Seconds())

	r.report(ctx, p, model.DayEntry(r.service, p.Status, day, t.Key))

	r.logger.InfoContext(ctx, "job finished",
		"job_id", t.ID,
		"job_key", t.Key,
		"status", p.Status,
		"day", day,
	)
	return nil
}

// file ensures the day bucket exists and links the job into it.
func (r *Runner) file(ctx context.Context, dayPath string, t Task) error {
	if err := core.EnsureTree(ctx, r.store, r.tree, dayPath); err != nil {
		return fmt.Errorf("ensure %s: %w", dayPath, err)
	}
	err := r.store.Put(ctx, core.PutRequest{
		Path:        dayPath,
		ContentType: core.ContentTypeJobs,
		Body:        map[string]any{t.Key: model.Link{ID: t.ID}},
	})
	if err != nil {
		return fmt.Errorf("link job %s under %s: %w", t.ID, dayPath, err)
	}
	return nil
}

// report hands the finalized job to the matching finish reporters.
func (r *Runner) report(ctx context.Context, p finishParams, finalPath string) {
	if r.reporters == nil || !r.reporters.Enabled() {
		return
	}

	doc, err := core.GetDocument(ctx, r.store, model.ResourcePath(p.Task.ID))
	if err != nil {
		r.logger.WarnContext(ctx, "reading finished job for reporters failed",
			"job_id", p.Task.ID,
			"error", err,
		)
		doc = nil
	}

	jobType := ""
	if p.Task.Job != nil {
		jobType = p.Task.Job.Type
	}
	r.reporters.Dispatch(ctx, notify.JobFinishedPayload{
		Service:    r.service,
		JobID:      p.Task.ID,
		JobType:    jobType,
		Status:     string(p.Status),
		Path:       finalPath,
		Job:        doc,
		OccurredAt: p.When,
	})
}

// typeLabel is the metric label for a task's job type.
func typeLabel(job *model.Job) string {
	if job == nil || job.Type == "" {
		return unknownTypeLabel
	}
	return job.Type
}
