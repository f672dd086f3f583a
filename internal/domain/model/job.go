// Package model defines the data types shared across the jobs library: the
// job document, its status and update log, store links, and report shapes.
package model

import (
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JobStatus represents the lifecycle state recorded on a job document. The
// zero value means the document carries no status yet.
type JobStatus string

const (
	// JobStatusPending indicates a job is waiting to run or running.
	JobStatusPending JobStatus = "pending"
	// JobStatusSuccess indicates a job finished and its worker returned a result.
	JobStatusSuccess JobStatus = "success"
	// JobStatusFailure indicates a job finished with an error.
	JobStatusFailure JobStatus = "failure"
)

// Valid returns true if the JobStatus is one of the recognized states.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusSuccess || s == JobStatusFailure
}

// Terminal returns true once a job may no longer change status or result.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailure
}

// Job is the typed view of one job document in the store.
type Job struct {
	// ID is the document identifier assigned by the store.
	ID string `json:"_id,omitempty"`
	// Service names the service namespace the job targets.
	Service string `json:"service"`
	// Type is the dispatch key into the worker registry.
	Type string `json:"type"`
	// Config is the worker input.
	Config map[string]any `json:"config,omitempty"`
	// Status is absent until the Runner first touches the job.
	Status JobStatus `json:"status,omitempty"`
	// Result holds the worker's returned value, or a serialized error for
	// failures. Terminal results never change.
	Result any `json:"result,omitempty"`
	// Updates is the append-only progress log, keyed so that lexicographic
	// order is creation order.
	Updates map[string]Update `json:"updates,omitempty"`
}

// Update is one entry in a job's progress log.
type Update struct {
	Status string `json:"status"`
	Time   string `json:"time"`
	Meta   any    `json:"meta,omitempty"`
}

// Timestamp parses the update's recorded time.
func (u Update) Timestamp() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, u.Time)
}

// LatestUpdateTime returns the time of the most recent update whose status
// matches, leaning on the K-sortable key order. The second return is false
// when no update matches or its time does not parse.
func (j *Job) LatestUpdateTime(status JobStatus) (time.Time, bool) {
	var bestKey string
	for key, update := range j.Updates {
		if update.Status != string(status) {
			continue
		}
		if bestKey == "" || key > bestKey {
			bestKey = key
		}
	}
	if bestKey == "" {
		return time.Time{}, false
	}
	ts, err := j.Updates[bestKey].Timestamp()
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

const jobSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["service", "type", "config"],
	"properties": {
		"service": {"type": "string", "minLength": 1},
		"type": {"type": "string", "minLength": 1},
		"status": {"type": "string"},
		"updates": {"type": "object"}
	}
}`

var jobDocument = jsonschema.MustCompileString("job.json", jobSchema)

// ValidateJobDocument checks that a decoded store document has the fields a
// job requires. Creation-before-link races can expose a momentarily empty
// document, so callers re-read once before treating a failure as final.
func ValidateJobDocument(doc map[string]any) error {
	return jobDocument.Validate(doc)
}
