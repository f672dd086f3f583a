package model

import (
	"fmt"
	"strings"
)

// Store layout segments. The service writes and reads these exact layouts.
const (
	// DayIndexSegment names the dated bucket level under each filed index.
	DayIndexSegment = "day-index"

	indexSuccess      = "success"
	indexFailure      = "failure"
	indexTypedFailure = "typed-failure"
)

// ServicePath returns the namespace root for a service.
func ServicePath(service string) string {
	return "/bookmarks/services/" + service
}

// JobsPath returns the jobs container for a service.
func JobsPath(service string) string {
	return ServicePath(service) + "/jobs"
}

// PendingPath returns the pending list for a service.
func PendingPath(service string) string {
	return JobsPath(service) + "/pending"
}

// PendingEntry returns the pending slot for one job key.
func PendingEntry(service, key string) string {
	return PendingPath(service) + "/" + key
}

// IndexPath returns the success or failure container for a service.
func IndexPath(service string, status JobStatus) string {
	return JobsPath(service) + "/" + string(status)
}

// TypedFailurePath returns the typed-failure container for a service.
func TypedFailurePath(service string) string {
	return JobsPath(service) + "/" + indexTypedFailure
}

// DayPath returns the dated bucket under a terminal index.
func DayPath(service string, status JobStatus, day string) string {
	return IndexPath(service, status) + "/" + DayIndexSegment + "/" + day
}

// DayEntry returns the filed slot for one job key under a terminal index.
func DayEntry(service string, status JobStatus, day, key string) string {
	return DayPath(service, status, day) + "/" + key
}

// TypedFailureDayPath returns the dated bucket under one fail kind.
func TypedFailureDayPath(service, failKind, day string) string {
	return TypedFailurePath(service) + "/" + failKind + "/" + DayIndexSegment + "/" + day
}

// TypedFailureDayEntry returns the mirrored slot for one job key.
func TypedFailureDayEntry(service, failKind, day, key string) string {
	return TypedFailureDayPath(service, failKind, day) + "/" + key
}

// ReportsPath returns the reports container for a service.
func ReportsPath(service string) string {
	return JobsPath(service) + "/reports"
}

// ReportDayPath returns the dated row bucket for one report.
func ReportDayPath(service, report, day string) string {
	return ReportsPath(service) + "/" + report + "/" + DayIndexSegment + "/" + day
}

// ReportRowPath returns the row slot for one job key under a report.
func ReportRowPath(service, report, day, key string) string {
	return ReportDayPath(service, report, day) + "/" + key
}

// ResourcePath turns a store document id into a request path.
func ResourcePath(id string) string {
	return "/" + strings.TrimPrefix(id, "/")
}

// ParseStatus maps an index name back to its terminal status.
func ParseStatus(index string) (JobStatus, error) {
	switch index {
	case indexSuccess:
		return JobStatusSuccess, nil
	case indexFailure:
		return JobStatusFailure, nil
	}
	return "", fmt.Errorf("unknown index %q", index)
}
