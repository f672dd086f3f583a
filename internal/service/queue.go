package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/OADA/jobs/internal/core"
	"github.com/OADA/jobs/internal/domain/model"
	"github.com/OADA/jobs/internal/observability/metrics"

	apperrors "github.com/OADA/jobs/internal/errors"
)

// jobReadAttempts bounds how many times a pending document is read before it
// is flagged not-a-job. The second read covers creation-before-link races.
const jobReadAttempts = 2

type queueState int

const (
	queueIdle queueState = iota
	queueRunning
	queueStopped
)

// QueueOptions groups dependencies for a Queue.
type QueueOptions struct {
	Service     string        // Required: service whose pending list is consumed
	Store       core.Store    // Required: store handle
	Runner      *Runner       // Required: executes each job to its filing
	Metrics     *metrics.Jobs // Required: queued-state gauge
	Logger      *slog.Logger  // Optional: structured logger
	ID          string        // Optional: queue identifier, generated when empty
	Concurrency int           // Optional: worker pool size, defaults to 1
}

// Queue watches a service's pending list and feeds every linked job through
// the Runner under a bounded worker pool. Submission is unbuffered only at
// the store: the internal task list grows without limit, so the change
// consumer never blocks and never drops or reorders work.
type Queue struct {
	service     string
	id          string
	store       core.Store
	runner      *Runner
	metrics     *metrics.Jobs
	logger      *slog.Logger
	concurrency int
	tree        *core.Tree

	mu    sync.Mutex
	cond  *sync.Cond
	tasks []Task
	seen  map[string]struct{}
	state queueState
	watch core.Watch

	pool       errgroup.Group
	consumerWg sync.WaitGroup
}

// NewQueue constructs a Queue.
func NewQueue(opts QueueOptions) (*Queue, error) {
	if opts.Service == "" {
		return nil, errors.New("service name is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if opts.Metrics == nil {
		return nil, errors.New("metrics are required")
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		service:     opts.Service,
		id:          id,
		store:       opts.Store,
		runner:      opts.Runner,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "queue", "queue_id", id),
		concurrency: concurrency,
		tree:        core.JobsTree(),
		seen:        make(map[string]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// Start materializes the service's job containers, snapshots the pending
// list, and begins consuming its change stream from the snapshot revision.
// With skipExisting set, jobs already pending at startup are left untouched
// until something writes to their entries again.
func (q *Queue) Start(ctx context.Context, skipExisting bool) error {
	q.mu.Lock()
	if q.state != queueIdle {
		q.mu.Unlock()
		return errors.New("queue already started")
	}
	q.mu.Unlock()

	for _, path := range []string{
		model.PendingPath(q.service),
		model.IndexPath(q.service, model.JobStatusSuccess),
		model.IndexPath(q.service, model.JobStatusFailure),
	} {
		if err := core.EnsureTree(ctx, q.store, q.tree, path); err != nil {
			return fmt.Errorf("ensure %s: %w", path, err)
		}
	}

	pending := model.PendingPath(q.service)
	res, err := q.store.Get(ctx, pending)
	if err != nil {
		return fmt.Errorf("read pending list: %w", err)
	}
	var listing map[string]any
	if err := json.Unmarshal(res.Data, &listing); err != nil {
		return fmt.Errorf("decode pending list: %w", err)
	}

	watch, err := q.store.Watch(ctx, core.WatchRequest{Path: pending, Rev: res.Rev})
	if err != nil {
		return fmt.Errorf("watch pending list: %w", err)
	}

	q.mu.Lock()
	q.state = queueRunning
	q.watch = watch
	q.mu.Unlock()

	for i := 0; i < q.concurrency; i++ {
		q.pool.Go(func() error {
			q.work(ctx)
			return nil
		})
	}

	q.consumerWg.Add(1)
	go q.consume(ctx, listing, skipExisting, watch)

	q.logger.InfoContext(ctx, "queue started",
		"concurrency", q.concurrency,
		"pending", len(model.ContentKeys(listing)),
		"skip_existing", skipExisting,
	)
	return nil
}

// Stop closes the change subscription and waits for in-flight jobs to file.
// Tasks not yet picked up are abandoned; their pending entries survive in
// the store for the next start. A stopped queue cannot be restarted.
func (q *Queue) Stop() error {
	q.mu.Lock()
	if q.state != queueRunning {
		q.mu.Unlock()
		return nil
	}
	q.state = queueStopped
	watch := q.watch
	q.cond.Broadcast()
	q.mu.Unlock()

	var closeErr error
	if watch != nil {
		closeErr = watch.Close()
	}
	q.consumerWg.Wait()
	_ = q.pool.Wait()

	if closeErr != nil {
		return fmt.Errorf("close pending watch: %w", closeErr)
	}
	return nil
}

// consume drains the startup snapshot and then follows the change stream.
func (q *Queue) consume(ctx context.Context, listing map[string]any, skipExisting bool, watch core.Watch) {
	defer q.consumerWg.Done()

	if skipExisting {
		if n := len(model.ContentKeys(listing)); n > 0 {
			q.logger.InfoContext(ctx, "leaving existing pending jobs untouched", "count", n)
		}
	} else {
		q.dispatchBody(ctx, listing)
	}

	for change := range watch.Changes() {
		switch change.Type {
		case core.ChangeMerge:
			q.dispatchBody(ctx, change.Body)
		default:
			q.logger.DebugContext(ctx, "ignoring change", "type", change.Type)
		}
	}

	q.mu.Lock()
	stopped := q.state == queueStopped
	q.mu.Unlock()
	if !stopped {
		// Watches only end like this when the stream collapses underneath a
		// running queue.
		q.logger.ErrorContext(ctx, "pending change stream ended unexpectedly")
	}
}

// dispatchBody walks one change body (or the startup snapshot) in key order
// and dispatches every linked entry.
func (q *Queue) dispatchBody(ctx context.Context, body map[string]any) {
	jobKeys := model.ContentKeys(body)
	sort.Strings(jobKeys)
	for _, key := range jobKeys {
		q.dispatch(ctx, key, body[key])
	}
}

// dispatch loads the job behind one pending entry and submits it to the
// worker pool. Store failures skip the entry; the next observation retries.
func (q *Queue) dispatch(ctx context.Context, key string, entry any) {
	link, ok := model.LinkFrom(entry)
	if !ok {
		q.logger.DebugContext(ctx, "pending entry carries no link", "job_key", key)
		return
	}

	q.mu.Lock()
	_, dup := q.seen[key]
	q.mu.Unlock()
	if dup {
		return
	}

	task, err := q.buildTask(ctx, key, link.ID)
	if err != nil {
		q.logger.WarnContext(ctx, "loading job failed, waiting for next observation",
			"job_key", key,
			"job_id", link.ID,
			"error", err,
		)
		return
	}
	q.submit(task)
}

// buildTask reads and validates the job document. A document still invalid
// after the re-read yields a task flagged with Invalid; a store error means
// the entry could not be judged at all.
func (q *Queue) buildTask(ctx context.Context, key, id string) (Task, error) {
	var lastErr error
	var lastDoc map[string]any

	for attempt := 0; attempt < jobReadAttempts; attempt++ {
		res, err := q.store.Get(ctx, model.ResourcePath(id))
		if err != nil {
			return Task{}, err
		}

		var doc map[string]any
		if err := json.Unmarshal(res.Data, &doc); err != nil {
			lastErr = err
			continue
		}
		lastDoc = doc
		if err := model.ValidateJobDocument(doc); err != nil {
			lastErr = err
			continue
		}

		var job model.Job
		if err := json.Unmarshal(res.Data, &job); err != nil {
			lastErr = err
			continue
		}
		if job.ID == "" {
			job.ID = id
		}
		return Task{Key: key, ID: id, Job: &job}, nil
	}

	// Keep whatever type the document declared so the failure files under a
	// truthful metric label.
	job := &model.Job{}
	if t, ok := lastDoc["type"].(string); ok {
		job.Type = t
	}
	return Task{Key: key, ID: id, Job: job, Invalid: apperrors.InvalidJob(id, lastErr)}, nil
}

// submit appends a task to the run list in arrival order.
func (q *Queue) submit(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != queueRunning {
		return
	}
	q.seen[t.Key] = struct{}{}
	q.metrics.Queued(q.service, typeLabel(t.Job))
	q.tasks = append(q.tasks, t)
	q.cond.Signal()
}

// work is one pool worker: it takes tasks in submission order and runs each
// to its terminal filing.
func (q *Queue) work(ctx context.Context) {
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && q.state == queueRunning {
			q.cond.Wait()
		}
		if q.state != queueRunning {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		if err := q.runner.Run(ctx, task); err != nil {
			q.logger.ErrorContext(ctx, "job filing failed, pending entry kept for retry",
				"job_id", task.ID,
				"job_key", task.Key,
				"error", err,
			)
		}

		q.mu.Lock()
		delete(q.seen, task.Key)
		q.mu.Unlock()
	}
}
