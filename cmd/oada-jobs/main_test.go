package main

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OADA/jobs/internal/core"
	"github.com/OADA/jobs/internal/domain/keys"
	"github.com/OADA/jobs/internal/domain/model"
	"github.com/OADA/jobs/internal/testutil"
)

const cliService = "my-service"

// captureStdout runs fn with os.Stdout redirected to a pipe and returns
// whatever it wrote alongside its error.
func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)

	defer func() {
		os.Stdout = oldStdout
	}()

	os.Stdout = w
	fnErr := fn()

	require.NoError(t, w.Close())
	os.Stdout = oldStdout

	output, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	return string(output), fnErr
}

// fileFailedJob stores doc as a finished job and links it into the failure
// day index the way the runner files terminal jobs. Returns the job key.
func fileFailedJob(t *testing.T, store *testutil.MemStore, day string, doc map[string]any) string {
	t.Helper()
	ctx := context.Background()

	id := testutil.PostDocument(t, store, doc)
	dayPath := model.DayPath(cliService, model.JobStatusFailure, day)
	require.NoError(t, core.EnsureTree(ctx, store, core.JobsTree(), dayPath))

	key := keys.New()
	require.NoError(t, store.Put(ctx, core.PutRequest{
		Path:        dayPath,
		ContentType: core.ContentTypeJobs,
		Body:        map[string]any{key: model.Link{ID: id}},
	}))
	return key
}

func TestListPending(t *testing.T) {
	store := testutil.NewMemStore()
	testutil.EnsureJobs(t, store, cliService)
	emailKey, _ := testutil.PostJob(t, store, testutil.NewJob(cliService).WithType("email").Build())
	pollKey, _ := testutil.PostJob(t, store, testutil.NewJob(cliService).WithType("poll").Build())
	danglingKey := testutil.LinkPending(t, store, cliService, "resources/gone")

	output, err := captureStdout(t, func() error {
		return listPending(context.Background(), store, cliService)
	})
	require.NoError(t, err)

	require.Contains(t, output, "KEY")
	require.Contains(t, output, "TYPE")
	require.Contains(t, output, "CREATED")
	require.Contains(t, output, emailKey)
	require.Contains(t, output, "email")
	require.Contains(t, output, pollKey)
	require.Contains(t, output, "poll")
	// Entries whose documents cannot be read still list.
	require.Contains(t, output, danglingKey)
}

func TestListPendingEmpty(t *testing.T) {
	store := testutil.NewMemStore()

	output, err := captureStdout(t, func() error {
		return listPending(context.Background(), store, cliService)
	})
	require.NoError(t, err)
	require.Contains(t, output, "(no pending jobs)")
}

func TestPrintJobPending(t *testing.T) {
	store := testutil.NewMemStore()
	testutil.EnsureJobs(t, store, cliService)
	job := testutil.NewJob(cliService).
		WithType("email").
		WithConfig(map[string]any{"to": "ops@example.org"}).
		Build()
	key, _ := testutil.PostJob(t, store, job)

	output, err := captureStdout(t, func() error {
		return printJob(context.Background(), store, cliService, "pending", key)
	})
	require.NoError(t, err)

	require.Contains(t, output, `"type"`)
	require.Contains(t, output, "email")
	require.Contains(t, output, "ops@example.org")
}

func TestPrintJobFailureScansDaysNewestFirst(t *testing.T) {
	store := testutil.NewMemStore()
	oldKey := fileFailedJob(t, store, "2024-05-30", map[string]any{
		"type":    "email",
		"service": cliService,
		"status":  "failure",
		"result":  map[string]any{"reason": "mailer down"},
	})
	fileFailedJob(t, store, "2024-06-01", map[string]any{
		"type":    "poll",
		"service": cliService,
		"status":  "failure",
	})

	output, err := captureStdout(t, func() error {
		return printJob(context.Background(), store, cliService, "failure", oldKey)
	})
	require.NoError(t, err)

	require.Contains(t, output, "email")
	require.Contains(t, output, "mailer down")
}

func TestPrintJobErrors(t *testing.T) {
	store := testutil.NewMemStore()
	testutil.EnsureJobs(t, store, cliService)
	fileFailedJob(t, store, "2024-06-01", map[string]any{
		"type":    "email",
		"service": cliService,
	})

	tests := []struct {
		name    string
		state   string
		jobID   string
		wantErr string
	}{
		{
			name:    "unknown state",
			state:   "bogus",
			jobID:   "job1",
			wantErr: `unknown index "bogus"`,
		},
		{
			name:    "not on pending queue",
			state:   "pending",
			jobID:   "missing",
			wantErr: "not on the pending queue",
		},
		{
			name:    "no successes recorded",
			state:   "success",
			jobID:   "job1",
			wantErr: "no success jobs recorded",
		},
		{
			name:    "absent from failure days",
			state:   "failure",
			jobID:   "missing",
			wantErr: "not found under failure",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := printJob(context.Background(), store, cliService, tc.state, tc.jobID)
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestRetryJob(t *testing.T) {
	store := testutil.NewMemStore()
	failedKey := fileFailedJob(t, store, "2024-06-01", map[string]any{
		"type":    "email",
		"service": cliService,
		"config":  map[string]any{"to": "ops@example.org"},
		"status":  "failure",
		"result":  map[string]any{"reason": "mailer down"},
	})

	output, err := captureStdout(t, func() error {
		return retryJob(context.Background(), store, cliService, failedKey)
	})
	require.NoError(t, err)

	newKey := strings.TrimSpace(output)
	require.NotEmpty(t, newKey)
	require.NotEqual(t, failedKey, newKey)
	require.True(t, testutil.Exists(store, model.PendingEntry(cliService, newKey)))

	fresh := testutil.ReadJob(t, store, model.PendingEntry(cliService, newKey))
	require.Equal(t, "email", fresh.Type)
	require.Equal(t, cliService, fresh.Service)
	require.Equal(t, map[string]any{"to": "ops@example.org"}, fresh.Config)
	require.Empty(t, fresh.Status)
	require.Nil(t, fresh.Result)
}

func TestRetryJobErrors(t *testing.T) {
	store := testutil.NewMemStore()
	untypedKey := fileFailedJob(t, store, "2024-06-01", map[string]any{
		"service": cliService,
	})

	err := retryJob(context.Background(), store, cliService, "missing")
	require.ErrorContains(t, err, "not found under failure")

	err = retryJob(context.Background(), store, cliService, untypedKey)
	require.ErrorContains(t, err, "carries no type")
}

func TestPrintUsage(t *testing.T) {
	output, err := captureStdout(t, printUsage)
	require.NoError(t, err)

	require.Contains(t, output, "Usage: oada-jobs")
	for name := range commands() {
		require.Contains(t, output, name)
	}
}
