package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OADA/jobs/internal/core"
	"github.com/OADA/jobs/internal/domain/model"
	"github.com/OADA/jobs/internal/observability/metrics"
	"github.com/OADA/jobs/internal/testutil"

	apperrors "github.com/OADA/jobs/internal/errors"
)

type workerTable map[string]core.Worker

var _ WorkerSource = workerTable{}

func (w workerTable) GetWorker(jobType string) (core.Worker, error) {
	worker, ok := w[jobType]
	if !ok {
		return core.Worker{}, apperrors.NoWorker(jobType)
	}
	return worker, nil
}

type runnerHarness struct {
	t       *testing.T
	store   *testutil.MemStore
	clock   *testutil.FakeClock
	metrics *metrics.Jobs
	workers workerTable
	runner  *Runner
}

func newRunnerHarness(t *testing.T) *runnerHarness {
	t.Helper()

	h := &runnerHarness{
		t:       t,
		store:   testutil.NewMemStore(),
		clock:   testutil.NewFakeClock(testutil.TestTime()),
		metrics: metrics.NewJobs(prometheus.NewRegistry()),
		workers: workerTable{},
	}
	runner, err := NewRunner(RunnerOptions{
		Service: testService,
		Store:   h.store,
		Workers: h.workers,
		Metrics: h.metrics,
		Clock:   h.clock,
	})
	require.NoError(t, err)
	h.runner = runner
	testutil.EnsureJobs(t, h.store, testService)
	return h
}

// postTask files a pending job and returns the Task the queue would build.
func (h *runnerHarness) postTask(jobType string, config map[string]any) Task {
	h.t.Helper()
	job := testutil.NewJob(testService).WithType(jobType).WithConfig(config).Build()
	key, id := testutil.PostJob(h.t, h.store, job)
	job.ID = id
	return Task{Key: key, ID: id, Job: &job}
}

func (h *runnerHarness) run(t Task) error {
	h.t.Helper()
	// The queue counts a job as queued when it accepts it.
	h.metrics.Queued(testService, typeLabel(t.Job))
	return h.runner.Run(context.Background(), t)
}

func (h *runnerHarness) gauge(jobType, state string) float64 {
	h.t.Helper()
	g, err := h.metrics.Totals.GetMetricWithLabelValues(testService, jobType, state)
	require.NoError(h.t, err)
	return promtestutil.ToFloat64(g)
}

func TestNewRunner_Validation(t *testing.T) {
	store := testutil.NewMemStore()
	m := metrics.NewJobs(prometheus.NewRegistry())
	workers := workerTable{}

	cases := []struct {
		name string
		opts RunnerOptions
	}{
		{"missing service", RunnerOptions{Store: store, Workers: workers, Metrics: m}},
		{"missing store", RunnerOptions{Service: testService, Workers: workers, Metrics: m}},
		{"missing workers", RunnerOptions{Service: testService, Store: store, Metrics: m}},
		{"missing metrics", RunnerOptions{Service: testService, Store: store, Workers: workers}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRunner(tc.opts)
			assert.Error(t, err)
		})
	}
}

func TestRunner_Success(t *testing.T) {
	h := newRunnerHarness(t)
	h.workers["basic"] = core.Worker{
		Timeout: time.Minute,
		Work: func(ctx context.Context, job *model.Job, wc core.WorkerContext) (any, error) {
			return map[string]any{"count": 3.0}, nil
		},
	}

	task := h.postTask("basic", map[string]any{"do": "thing"})
	require.NoError(t, h.run(task))

	job := testutil.ReadJob(t, h.store, model.ResourcePath(task.ID))
	assert.Equal(t, model.JobStatusSuccess, job.Status)
	assert.Equal(t, map[string]any{"count": 3.0}, job.Result)
	assert.False(t, testutil.Exists(h.store, model.PendingEntry(testService, task.Key)))
	assert.True(t, testutil.Exists(h.store, model.DayEntry(testService, model.JobStatusSuccess, testDay, task.Key)))

	assert.Equal(t, 0.0, h.gauge("basic", metrics.StateQueued))
	assert.Equal(t, 0.0, h.gauge("basic", metrics.StateRunning))
	assert.Equal(t, 1.0, h.gauge("basic", metrics.StateSuccess))
	assert.Equal(t, 1, promtestutil.CollectAndCount(h.metrics.Times), "one duration series observed")
}

func TestRunner_WorkerUpdatesLand(t *testing.T) {
	h := newRunnerHarness(t)
	h.workers["basic"] = core.Worker{
		Timeout: time.Minute,
		Work: func(ctx context.Context, job *model.Job, wc core.WorkerContext) (any, error) {
			wc.Updates.Info(ctx, "halfway", map[string]any{"pct": 50.0})
			return nil, nil
		},
	}

	task := h.postTask("basic", nil)
	require.NoError(t, h.run(task))

	job := testutil.ReadJob(t, h.store, model.ResourcePath(task.ID))
	var found bool
	for _, u := range job.Updates {
		if u.Status == "halfway" {
			found = true
			assert.Equal(t, map[string]any{"pct": 50.0}, u.Meta)
			_, err := u.Timestamp()
			assert.NoError(t, err, "update time %q must parse", u.Time)
		}
	}
	assert.True(t, found, "worker update missing from %v", job.Updates)
}

func TestRunner_FailureSerializesError(t *testing.T) {
	h := newRunnerHarness(t)
	h.workers["basic"] = core.Worker{
		Timeout: time.Minute,
		Work: func(ctx context.Context, job *model.Job, wc core.WorkerContext) (any, error) {
			return nil, errors.New("nope")
		},
	}

	task := h.postTask("basic", nil)
	require.NoError(t, h.run(task), "worker failures finish the job, they do not fail the runner")

	job := testutil.ReadJob(t, h.store, model.ResourcePath(task.ID))
	assert.Equal(t, model.JobStatusFailure, job.Status)
	result, ok := job.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Error", result["name"])
	assert.Equal(t, "nope", result["message"])
	assert.False(t, testutil.Exists(h.store, model.TypedFailurePath(testService)),
		"unkinded failures have no typed-failure mirror")
}

func TestRunner_Timeout(t *testing.T) {
	h := newRunnerHarness(t)
	h.workers["slow"] = core.Worker{
		Timeout: 30 * time.Millisecond,
		Work: func(ctx context.Context, job *model.Job, wc core.WorkerContext) (any, error) {
			wc.Updates.Info(ctx, "checkpoint", nil)
			select {
			case <-time.After(2 * time.Second):
				return map[string]any{"late": true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	task := h.postTask("slow", nil)
	started := time.Now()
	require.NoError(t, h.run(task))
	assert.Less(t, time.Since(started), time.Second, "the runner must not wait out a slow worker")

	job := testutil.ReadJob(t, h.store, model.ResourcePath(task.ID))
	assert.Equal(t, model.JobStatusFailure, job.Status)
	result, ok := job.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "TimeoutError", result["name"])

	assert.True(t, testutil.Exists(h.store, model.TypedFailureDayEntry(testService, "timeout", testDay, task.Key)))

	// Updates posted before the deadline stay on the job.
	var found bool
	for _, u := range job.Updates {
		if u.Status == "checkpoint" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRunner_NoTimeoutWhenZero(t *testing.T) {
	h := newRunnerHarness(t)
	h.workers["unbounded"] = core.Worker{
		Work: func(ctx context.Context, job *model.Job, wc core.WorkerContext) (any, error) {
			if _, ok := ctx.Deadline(); ok {
				return nil, errors.New("unexpected deadline")
			}
			return map[string]any{"ok": true}, nil
		},
	}

	task := h.postTask("unbounded", nil)
	require.NoError(t, h.run(task))

	job := testutil.ReadJob(t, h.store, model.ResourcePath(task.ID))
	assert.Equal(t, model.JobStatusSuccess, job.Status)
}

func TestRunner_WorkerPanicFailsJob(t *testing.T) {
	h := newRunnerHarness(t)
	h.workers["basic"] = core.Worker{
		Timeout: time.Minute,
		Work: func(ctx context.Context, job *model.Job, wc core.WorkerContext) (any, error) {
			panic("boom")
		},
	}

	task := h.postTask("basic", nil)
	require.NoError(t, h.run(task))

	job := testutil.ReadJob(t, h.store, model.ResourcePath(task.ID))
	assert.Equal(t, model.JobStatusFailure, job.Status)
	result, ok := job.Result.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, result["message"], "worker panicked")
	assert.False(t, testutil.Exists(h.store, model.PendingEntry(testService, task.Key)))
}

func TestRunner_InvalidTask(t *testing.T) {
	h := newRunnerHarness(t)

	id := testutil.PostDocument(t, h.store, map[string]any{"type": "declared"})
	key := testutil.LinkPending(t, h.store, testService, id)
	task := Task{
		Key:     key,
		ID:      id,
		Job:     &model.Job{ID: id, Type: "declared"},
		Invalid: apperrors.InvalidJob(id, errors.New("missing required fields")),
	}

	require.NoError(t, h.run(task))

	doc := testutil.ReadDocument(t, h.store, model.ResourcePath(id))
	assert.Equal(t, string(model.JobStatusFailure), doc["status"])
	result, ok := doc["result"].(map[string]any)
	require.True(t, ok)
	assert.Empty(t, result, "invalid jobs carry an empty result")

	assert.True(t, testutil.Exists(h.store, model.DayEntry(testService, model.JobStatusFailure, testDay, key)))
	assert.False(t, testutil.Exists(h.store, model.TypedFailurePath(testService)))
	assert.Equal(t, 1.0, h.gauge("declared", metrics.StateFailure), "the declared type labels the metric")
}

func TestRunner_FilingFailureKeepsPending(t *testing.T) {
	h := newRunnerHarness(t)
	var runs atomic.Int64
	h.workers["basic"] = core.Worker{
		Timeout: time.Minute,
		Work: func(ctx context.Context, job *model.Job, wc core.WorkerContext) (any, error) {
			runs.Add(1)
			return map[string]any{"answer": 42.0}, nil
		},
	}

	task := h.postTask("basic", nil)
	h.store.FailNext("delete", model.PendingEntry(testService, task.Key), errors.New("store offline"))
	require.Error(t, h.run(task), "a failed pending removal must surface")

	// The job is terminal but still pending, exactly the crash window.
	job := testutil.ReadJob(t, h.store, model.ResourcePath(task.ID))
	require.Equal(t, model.JobStatusSuccess, job.Status)
	require.True(t, testutil.Exists(h.store, model.PendingEntry(testService, task.Key)))

	// The next observation reloads the document and converges the filing
	// without rerunning the worker.
	reloaded := testutil.ReadJob(t, h.store, model.ResourcePath(task.ID))
	retry := Task{Key: task.Key, ID: task.ID, Job: &reloaded}
	require.NoError(t, h.run(retry))
	assert.Equal(t, int64(1), runs.Load())
	assert.False(t, testutil.Exists(h.store, model.PendingEntry(testService, task.Key)))
	assert.True(t, testutil.Exists(h.store, model.DayEntry(testService, model.JobStatusSuccess, testDay, task.Key)))

	job = testutil.ReadJob(t, h.store, model.ResourcePath(task.ID))
	assert.Equal(t, map[string]any{"answer": 42.0}, job.Result, "the original result survives the converging pass")
}

func TestRunner_StatusWriteFailureRerunsJob(t *testing.T) {
	h := newRunnerHarness(t)
	var runs atomic.Int64
	h.workers["basic"] = core.Worker{
		Timeout: time.Minute,
		Work: func(ctx context.Context, job *model.Job, wc core.WorkerContext) (any, error) {
			runs.Add(1)
			return nil, nil
		},
	}

	task := h.postTask("basic", nil)
	h.store.FailNext("put", model.ResourcePath(task.ID), errors.New("store offline"))
	require.Error(t, h.run(task))

	// Nothing terminal was recorded, so the job runs again in full.
	require.True(t, testutil.Exists(h.store, model.PendingEntry(testService, task.Key)))

	require.NoError(t, h.run(task))
	assert.Equal(t, int64(2), runs.Load(), "at-least-once: the worker reruns when no status landed")
	assert.False(t, testutil.Exists(h.store, model.PendingEntry(testService, task.Key)))
}
