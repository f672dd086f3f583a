package notify

import (
	"context"
	"time"
)

// JobFinishedPayload captures the canonical data emitted when a job reaches
// a terminal status.
type JobFinishedPayload struct {
	Service    string
	JobID      string
	JobType    string
	Status     string
	Path       string
	Job        map[string]any
	OccurredAt time.Time
}

// Sink describes a destination capable of consuming job finish
// notifications.
type Sink interface {
	SendJobFinished(ctx context.Context, payload JobFinishedPayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload JobFinishedPayload) error

// SendJobFinished implements the Sink interface.
func (f SinkFunc) SendJobFinished(ctx context.Context, payload JobFinishedPayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
