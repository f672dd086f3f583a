package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaths(t *testing.T) {
	const svc = "my-service"

	assert.Equal(t, "/bookmarks/services/my-service", ServicePath(svc))
	assert.Equal(t, "/bookmarks/services/my-service/jobs", JobsPath(svc))
	assert.Equal(t, "/bookmarks/services/my-service/jobs/pending", PendingPath(svc))
	assert.Equal(t, "/bookmarks/services/my-service/jobs/pending/01HV", PendingEntry(svc, "01HV"))
	assert.Equal(t, "/bookmarks/services/my-service/jobs/success", IndexPath(svc, JobStatusSuccess))
	assert.Equal(t, "/bookmarks/services/my-service/jobs/failure", IndexPath(svc, JobStatusFailure))
	assert.Equal(t, "/bookmarks/services/my-service/jobs/typed-failure", TypedFailurePath(svc))
	assert.Equal(t,
		"/bookmarks/services/my-service/jobs/success/day-index/2024-06-01",
		DayPath(svc, JobStatusSuccess, "2024-06-01"))
	assert.Equal(t,
		"/bookmarks/services/my-service/jobs/failure/day-index/2024-06-01/01HV",
		DayEntry(svc, JobStatusFailure, "2024-06-01", "01HV"))
	assert.Equal(t,
		"/bookmarks/services/my-service/jobs/typed-failure/bad-input/day-index/2024-06-01",
		TypedFailureDayPath(svc, "bad-input", "2024-06-01"))
	assert.Equal(t,
		"/bookmarks/services/my-service/jobs/typed-failure/bad-input/day-index/2024-06-01/01HV",
		TypedFailureDayEntry(svc, "bad-input", "2024-06-01", "01HV"))
	assert.Equal(t, "/bookmarks/services/my-service/jobs/reports", ReportsPath(svc))
	assert.Equal(t,
		"/bookmarks/services/my-service/jobs/reports/daily/day-index/2024-06-01",
		ReportDayPath(svc, "daily", "2024-06-01"))
	assert.Equal(t,
		"/bookmarks/services/my-service/jobs/reports/daily/day-index/2024-06-01/01HV",
		ReportRowPath(svc, "daily", "2024-06-01", "01HV"))
}

func TestResourcePath(t *testing.T) {
	assert.Equal(t, "/resources/abc", ResourcePath("resources/abc"))
	assert.Equal(t, "/resources/abc", ResourcePath("/resources/abc"))
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus("success")
	require.NoError(t, err)
	assert.Equal(t, JobStatusSuccess, status)

	status, err = ParseStatus("failure")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailure, status)

	_, err = ParseStatus("pending")
	assert.Error(t, err)
	_, err = ParseStatus("bogus")
	assert.Error(t, err)
}
