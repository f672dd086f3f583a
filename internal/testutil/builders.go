package testutil

import (
	"context"
	"encoding/json"

	"github.com/OADA/jobs/internal/core"
	"github.com/OADA/jobs/internal/domain/keys"
	"github.com/OADA/jobs/internal/domain/model"
)

// JobBuilder provides a fluent interface for assembling job documents in
// tests.
type JobBuilder struct {
	job model.Job
}

// NewJob creates a JobBuilder with sensible defaults.
func NewJob(service string) *JobBuilder {
	return &JobBuilder{
		job: model.Job{
			Service: service,
			Type:    "basic",
			Config:  map[string]any{"do": "success"},
		},
	}
}

// WithType sets the job type.
func (b *JobBuilder) WithType(jobType string) *JobBuilder {
	b.job.Type = jobType
	return b
}

// WithConfig sets the job config.
func (b *JobBuilder) WithConfig(config map[string]any) *JobBuilder {
	b.job.Config = config
	return b
}

// WithStatus sets a pre-existing status.
func (b *JobBuilder) WithStatus(status model.JobStatus) *JobBuilder {
	b.job.Status = status
	return b
}

// Build returns the assembled job document.
func (b *JobBuilder) Build() model.Job {
	return b.job
}

// EnsureJobs materializes the service's job containers, as Service.Start
// would. Tests that queue work before starting a service call this first.
func EnsureJobs(t TestingTB, s core.Store, service string) {
	t.Helper()
	tree := core.JobsTree()
	for _, path := range []string{
		model.PendingPath(service),
		model.IndexPath(service, model.JobStatusSuccess),
		model.IndexPath(service, model.JobStatusFailure),
	} {
		if err := core.EnsureTree(context.Background(), s, tree, path); err != nil {
			t.Fatalf("ensure %s: %v", path, err)
		}
	}
}

// PostJob creates the job document and links it into the service's pending
// list under a fresh key, the way external producers queue work. The
// containers must already exist. Returns the pending key and the job id.
func PostJob(t TestingTB, s core.Store, job model.Job) (string, string) {
	t.Helper()
	ctx := context.Background()

	id, err := s.Post(ctx, core.PostRequest{
		Path:        "/resources",
		ContentType: core.ContentTypeJob,
		Body:        job,
	})
	if err != nil {
		t.Fatalf("post job document: %v", err)
	}
	key := keys.New()
	err = s.Put(ctx, core.PutRequest{
		Path:        model.PendingPath(job.Service),
		ContentType: core.ContentTypeJobs,
		Body:        map[string]any{key: model.Link{ID: id}},
	})
	if err != nil {
		t.Fatalf("link job into pending: %v", err)
	}
	return key, id
}

// PostDocument creates a bare document under /resources and returns its id.
func PostDocument(t TestingTB, s core.Store, doc map[string]any) string {
	t.Helper()
	id, err := s.Post(context.Background(), core.PostRequest{
		Path:        "/resources",
		ContentType: core.ContentTypeJob,
		Body:        doc,
	})
	if err != nil {
		t.Fatalf("post document: %v", err)
	}
	return id
}

// LinkPending links an existing document into the service's pending list
// under a fresh key.
func LinkPending(t TestingTB, s core.Store, service, id string) string {
	t.Helper()
	key := keys.New()
	err := s.Put(context.Background(), core.PutRequest{
		Path:        model.PendingPath(service),
		ContentType: core.ContentTypeJobs,
		Body:        map[string]any{key: model.Link{ID: id}},
	})
	if err != nil {
		t.Fatalf("link document into pending: %v", err)
	}
	return key
}

// ReadDocument fetches path and decodes it into a generic map.
func ReadDocument(t TestingTB, s core.Store, path string) map[string]any {
	t.Helper()
	res, err := s.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(res.Data, &doc); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return doc
}

// ReadJob fetches path and decodes it as a job document.
func ReadJob(t TestingTB, s core.Store, path string) model.Job {
	t.Helper()
	res, err := s.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	var job model.Job
	if err := json.Unmarshal(res.Data, &job); err != nil {
		t.Fatalf("decode job at %s: %v", path, err)
	}
	return job
}

// Exists reports whether path currently resolves.
func Exists(s core.Store, path string) bool {
	return s.Head(context.Background(), path) == nil
}
