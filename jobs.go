// Package jobs runs typed job queues against an OADA-style document store.
//
// A Service watches the pending list under its namespace in the store,
// dispatches each queued job to the worker registered for its type under
// bounded concurrency, files every outcome into day-indexed success and
// failure lists, and can mail scheduled CSV reports of what it filed.
// Jobs are plain documents: anything able to write to the store can queue
// work, and this package is only ever a consumer of its own namespace.
//
// Consumers import this package alone; the internal packages carry the
// machinery. A minimal service:
//
//	conn, err := jobs.Connect(ctx, jobs.ConnectionConfig{
//		Domain: "api.farm.example",
//		Token:  token,
//	})
//	if err != nil {
//		return err
//	}
//	svc := jobs.MustNew(jobs.Options{Name: "my-service", Store: conn})
//	_ = svc.On("email", 5*time.Minute, sendEmail)
//	if err := svc.Start(ctx); err != nil {
//		return err
//	}
//	defer svc.Stop()
package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/OADA/jobs/internal/core"
	"github.com/OADA/jobs/internal/domain/model"
	"github.com/OADA/jobs/internal/service"
	"github.com/OADA/jobs/internal/store"

	apperrors "github.com/OADA/jobs/internal/errors"
)

// Service surface (re-exported from internal/service).
type (
	// Service owns the worker and report registries for one service name
	// and drives them with a single queue.
	Service = service.Service
	// Options groups dependencies for New.
	Options = service.Options
	// Config tunes a Service beyond its required dependencies.
	Config = service.Config
	// Report files finished jobs as rows and mails them on a cron schedule.
	Report = service.Report
	// ReportOptions configures one report on a Service.
	ReportOptions = service.ReportOptions
)

// Worker surface (re-exported from internal/core).
type (
	// WorkFunc is a user-supplied job handler.
	WorkFunc = core.WorkFunc
	// WorkerContext is handed to a worker alongside its job.
	WorkerContext = core.WorkerContext
	// Worker pairs a handler with the runtime allowed per invocation.
	Worker = core.Worker
	// UpdateLogger posts progress entries to a running job's update log.
	UpdateLogger = core.UpdateLogger
	// FinishReporter configures one post-terminal notification hook.
	FinishReporter = core.FinishReporter
	// Clock abstracts wall-clock reads.
	Clock = core.Clock
)

// Store surface (re-exported from internal/core and internal/store).
type (
	// Store is the capability set the engine requires from the document
	// store. Client satisfies it; tests may substitute their own.
	Store = core.Store
	// Client is the HTTP store client returned by Connect.
	Client = store.Client
	// ConnectionConfig connects a Client to one store.
	ConnectionConfig = store.Config
	// GetResult carries a document body with the revision it was read at.
	GetResult = core.GetResult
	// PutRequest groups parameters for Store.Put.
	PutRequest = core.PutRequest
	// PostRequest groups parameters for Store.Post.
	PostRequest = core.PostRequest
	// WatchRequest groups parameters for Store.Watch.
	WatchRequest = core.WatchRequest
	// Watch is an open change subscription.
	Watch = core.Watch
	// Change is one event from a watch stream.
	Change = core.Change
	// Tree is a container template for EnsureTree.
	Tree = core.Tree
)

// Job documents (re-exported from internal/domain/model).
type (
	// Job is the typed view of one job document in the store.
	Job = model.Job
	// Update is one entry in a job's progress log.
	Update = model.Update
	// JobStatus is the lifecycle state recorded on a job document.
	JobStatus = model.JobStatus
	// Link points one document key at another document.
	Link = model.Link
	// ReportConfig describes how finished jobs become report rows.
	ReportConfig = model.ReportConfig
	// ColumnMapping binds one report column to a JSON pointer.
	ColumnMapping = model.ColumnMapping
	// EmailJob is the job document posted to the downstream email service.
	EmailJob = model.EmailJob
	// EmailConfig is the config block of an email-send job.
	EmailConfig = model.EmailConfig
	// EmailAddress is one recipient of a report email.
	EmailAddress = model.EmailAddress
	// Attachment is one file carried by a report email.
	Attachment = model.Attachment
)

// Error surface (re-exported from internal/errors). A worker that returns a
// JobError files its Code as the job's typed-failure kind.
type (
	JobError  = apperrors.JobError
	ErrorCode = apperrors.ErrorCode
)

// Job lifecycle states.
const (
	StatusPending = model.JobStatusPending
	StatusSuccess = model.JobStatusSuccess
	StatusFailure = model.JobStatusFailure
)

// Media types the store validates on job writes.
const (
	ContentTypeJob  = core.ContentTypeJob
	ContentTypeJobs = core.ContentTypeJobs
)

// New constructs a Service.
func New(opts Options) (*Service, error) {
	return service.New(opts)
}

// MustNew constructs a Service and panics on error. Use when the options
// are known valid, e.g. in main.go.
func MustNew(opts Options) *Service {
	return service.MustNew(opts)
}

// Connect dials the store and verifies the credentials with a single
// request.
func Connect(ctx context.Context, cfg ConnectionConfig) (*Client, error) {
	return store.Connect(ctx, cfg)
}

// PostJob queues job on the service named by its Service field: the
// document is created in the store and linked into that service's pending
// list under a fresh time-ordered key. Returns the pending key and the new
// document id.
func PostJob(ctx context.Context, s Store, job Job) (string, string, error) {
	if job.Service == "" {
		return "", "", errors.New("job service is required")
	}
	if job.Type == "" {
		return "", "", errors.New("job type is required")
	}
	return core.PostJob(ctx, s, job.Service, job)
}

// JobsTree returns the container template for everything a service keeps
// under /bookmarks/services/<name>/jobs.
func JobsTree() *Tree {
	return core.JobsTree()
}

// EnsureTree materializes the container documents missing along path,
// following the tree template for media types.
func EnsureTree(ctx context.Context, s Store, tree *Tree, path string) error {
	return core.EnsureTree(ctx, s, tree, path)
}

// PendingPath is the store path of a service's pending list.
func PendingPath(svc string) string {
	return model.PendingPath(svc)
}

// IsNotFound reports whether err marks a store document that does not
// exist.
func IsNotFound(err error) bool {
	return apperrors.IsNotFound(err)
}

// Fail builds a JobError carrying kind as its typed-failure code. Workers
// return one to control where a failed job is filed:
//
//	return nil, jobs.Fail("bad-address", fmt.Sprintf("no such recipient %q", to))
func Fail(kind, message string) *JobError {
	return &JobError{
		Code:    ErrorCode(kind),
		Name:    "WorkerError",
		Message: message,
	}
}

// Failf builds a JobError with a formatted message.
func Failf(kind, format string, args ...any) *JobError {
	return Fail(kind, fmt.Sprintf(format, args...))
}
