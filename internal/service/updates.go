package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/OADA/jobs/internal/core"
	"github.com/OADA/jobs/internal/domain/keys"
	"github.com/OADA/jobs/internal/domain/model"
)

// updateSink posts progress entries to one job's update log. It implements
// core.UpdateLogger for workers; the Runner uses the underlying post directly
// for its own lifecycle entries.
type updateSink struct {
	store     core.Store
	jobID     string
	clock     core.Clock
	logger    *slog.Logger
	postDebug bool
}

// post appends one update entry under a fresh key. Keys sort by creation
// time, so readers see entries in the order they were posted.
func (u *updateSink) post(ctx context.Context, status string, meta any) error {
	entry := model.Update{
		Status: status,
		Time:   u.clock.Now().UTC().Format(time.RFC3339Nano),
		Meta:   meta,
	}
	return u.store.Put(ctx, core.PutRequest{
		Path:        model.ResourcePath(u.jobID) + "/updates",
		ContentType: core.ContentTypeJob,
		Body:        map[string]any{keys.New(): entry},
	})
}

// send posts and swallows the error. Workers never see posting failures.
func (u *updateSink) send(ctx context.Context, status string, meta any) {
	if err := u.post(ctx, status, meta); err != nil {
		u.logger.ErrorContext(ctx, "posting job update failed",
			"job_id", u.jobID,
			"status", status,
			"error", err,
		)
	}
}

// Info posts an update unconditionally.
func (u *updateSink) Info(ctx context.Context, status string, meta any) {
	u.send(ctx, status, meta)
}

// Debug posts an update only when the service forwards debug updates.
func (u *updateSink) Debug(ctx context.Context, status string, meta any) {
	if !u.postDebug {
		return
	}
	u.send(ctx, status, meta)
}

// Trace posts an update only when the service forwards debug updates.
func (u *updateSink) Trace(ctx context.Context, status string, meta any) {
	if !u.postDebug {
		return
	}
	u.send(ctx, status, meta)
}

// Error posts an update unconditionally.
func (u *updateSink) Error(ctx context.Context, status string, meta any) {
	u.send(ctx, status, meta)
}
