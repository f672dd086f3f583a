package finishreporter

import (
	"context"
	"errors"
	"testing"

	"github.com/OADA/jobs/internal/core"
	"github.com/OADA/jobs/internal/domain/model"
	"github.com/OADA/jobs/internal/observability/notify"
)

// captureBuilder records dispatched payloads into the given slice.
func captureBuilder(into *[]notify.JobFinishedPayload) SinkBuilder {
	return func(params map[string]any) (notify.Sink, error) {
		return notify.SinkFunc(func(ctx context.Context, payload notify.JobFinishedPayload) error {
			*into = append(*into, payload)
			return nil
		}), nil
	}
}

func TestServiceDispatchMatchesStatus(t *testing.T) {
	ctx := context.Background()

	var received []notify.JobFinishedPayload
	svc := NewService(Options{
		Reporters: []core.FinishReporter{
			{Status: model.JobStatusSuccess, Kind: "capture"},
			{Status: model.JobStatusFailure, Kind: "capture"},
		},
		Builders: map[string]SinkBuilder{"capture": captureBuilder(&received)},
	})

	svc.Dispatch(ctx, notify.JobFinishedPayload{
		JobID:  "resources/123",
		Status: "success",
	})

	if len(received) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(received))
	}
	if received[0].JobID != "resources/123" {
		t.Fatalf("unexpected payload: %+v", received[0])
	}

	svc.Dispatch(ctx, notify.JobFinishedPayload{Status: "failure"})
	if len(received) != 2 {
		t.Fatalf("expected the failure reporter to fire, got %d payloads", len(received))
	}
}

func TestServiceSkipsUnknownKind(t *testing.T) {
	svc := NewService(Options{
		Reporters: []core.FinishReporter{
			{Status: model.JobStatusSuccess, Kind: "carrier-pigeon"},
		},
	})
	if svc.Enabled() {
		t.Fatal("expected Enabled() to be false after dropping an unknown kind")
	}
}

func TestServiceSkipsBadParams(t *testing.T) {
	svc := NewService(Options{
		Reporters: []core.FinishReporter{
			// A slack reporter without a posturl cannot be built.
			{Status: model.JobStatusSuccess, Kind: "slack"},
		},
	})
	if svc.Enabled() {
		t.Fatal("expected Enabled() to be false after a rejected config")
	}
}

func TestServiceLogsDeliveryErrors(t *testing.T) {
	// Ensure a failing sink doesn't panic or stop later reporters.
	var received []notify.JobFinishedPayload
	svc := NewService(Options{
		Reporters: []core.FinishReporter{
			{Status: model.JobStatusSuccess, Kind: "fail"},
			{Status: model.JobStatusSuccess, Kind: "capture"},
		},
		Builders: map[string]SinkBuilder{
			"fail": func(params map[string]any) (notify.Sink, error) {
				return notify.SinkFunc(func(ctx context.Context, payload notify.JobFinishedPayload) error {
					return errors.New("boom")
				}), nil
			},
			"capture": captureBuilder(&received),
		},
	})

	svc.Dispatch(context.Background(), notify.JobFinishedPayload{Status: "success"})
	if len(received) != 1 {
		t.Fatalf("expected the later reporter to run, got %d payloads", len(received))
	}
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(Options{})
	if svc.Enabled() {
		t.Fatal("expected Enabled() to be false when no reporters configured")
	}
}

func TestBuildSlackParams(t *testing.T) {
	if _, err := buildSlack(map[string]any{}); err == nil {
		t.Fatal("expected an error without a posturl")
	}
	sink, err := buildSlack(map[string]any{"posturl": "https://hooks.example.org/T123", "username": "jobs-bot"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink == nil {
		t.Fatal("expected a sink")
	}
}
