package core

import (
	"context"
	"time"

	"github.com/OADA/jobs/internal/domain/model"
)

// UpdateLogger posts progress entries to a running job's update log. Info
// and Error always post; Debug and Trace post only when the service is
// configured to forward them. Posting errors are logged, never surfaced to
// the worker.
type UpdateLogger interface {
	Info(ctx context.Context, status string, meta any)
	Debug(ctx context.Context, status string, meta any)
	Trace(ctx context.Context, status string, meta any)
	Error(ctx context.Context, status string, meta any)
}

// WorkerContext is handed to a worker alongside its job. Store is bound to
// the service's credentials.
type WorkerContext struct {
	JobID   string
	Store   Store
	Updates UpdateLogger
}

// WorkFunc is a user-supplied job handler. The returned value becomes the
// job's result on success; a returned error files the job as a failure. ctx
// is cancelled when the worker exceeds its configured timeout, though a
// worker that keeps running past cancellation only has its result discarded.
type WorkFunc func(ctx context.Context, job *model.Job, wc WorkerContext) (any, error)

// Worker pairs a handler with the runtime allowed per invocation.
type Worker struct {
	Work    WorkFunc
	Timeout time.Duration
}

// FinishReporter configures one post-terminal notification hook. Reporters
// whose Status does not match a job's terminal status are skipped. Kind
// selects the handler; Params carries handler-specific settings such as the
// webhook URL.
type FinishReporter struct {
	Status model.JobStatus
	Kind   string
	Params map[string]any
}
