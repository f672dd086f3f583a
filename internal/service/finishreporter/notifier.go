// Package finishreporter dispatches finished-job notifications to the
// reporter hooks configured on a service. Reporter kinds are an open set
// resolved through a builder table; delivery failures are logged and never
// reach the job filing path.
package finishreporter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/OADA/jobs/internal/core"
	"github.com/OADA/jobs/internal/domain/model"
	"github.com/OADA/jobs/internal/observability/notify"
	"github.com/OADA/jobs/internal/observability/notify/slack"
)

// SinkBuilder turns one reporter's params into a delivery sink.
type SinkBuilder func(params map[string]any) (notify.Sink, error)

// Builders returns the built-in reporter kinds.
func Builders() map[string]SinkBuilder {
	return map[string]SinkBuilder{
		"slack": buildSlack,
	}
}

func buildSlack(params map[string]any) (notify.Sink, error) {
	url, _ := params["posturl"].(string)
	if url == "" {
		return nil, fmt.Errorf("slack reporter requires a posturl param")
	}
	username, _ := params["username"].(string)
	return slack.NewClient(slack.Config{
		WebhookURL: url,
		Username:   username,
	})
}

// Options configures the dispatcher.
type Options struct {
	Logger *slog.Logger
	// Reporters is the ordered hook list from the service configuration.
	Reporters []core.FinishReporter
	// Builders extends or overrides the built-in kind table.
	Builders map[string]SinkBuilder
}

type entry struct {
	status model.JobStatus
	kind   string
	sink   notify.Sink
}

// Service resolves reporters at construction and fans finished jobs out to
// the ones whose target status matches.
type Service struct {
	logger  *slog.Logger
	entries []entry
}

// NewService constructs the dispatcher. Reporters with an unknown kind or
// unusable params are logged and dropped; the rest keep their configured
// order.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "finish_reporter")
	}

	table := Builders()
	for kind, builder := range opts.Builders {
		table[kind] = builder
	}

	var entries []entry
	for _, rep := range opts.Reporters {
		builder, ok := table[rep.Kind]
		if !ok {
			logger.Error("unknown finish reporter kind", "kind", rep.Kind)
			continue
		}
		sink, err := builder(rep.Params)
		if err != nil {
			logger.Error("finish reporter configuration rejected",
				"kind", rep.Kind,
				"error", err,
			)
			continue
		}
		entries = append(entries, entry{status: rep.Status, kind: rep.Kind, sink: sink})
	}

	return &Service{logger: logger, entries: entries}
}

// Enabled reports whether any reporter survived construction.
func (s *Service) Enabled() bool {
	return len(s.entries) > 0
}

// Dispatch invokes each matching reporter in order. Failures are logged per
// reporter and never returned.
func (s *Service) Dispatch(ctx context.Context, payload notify.JobFinishedPayload) {
	for _, e := range s.entries {
		if string(e.status) != payload.Status {
			continue
		}
		if err := e.sink.SendJobFinished(ctx, payload); err != nil {
			s.logger.ErrorContext(ctx, "finish reporter delivery failed",
				"kind", e.kind,
				"job_id", payload.JobID,
				"status", payload.Status,
				"error", err,
			)
		}
	}
}
