// Package core defines the ports and cross-layer contracts of the job
// service: the store client abstraction, the worker calling convention, and
// the container tree the service materializes under its namespace.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// This file contains the store port (hexagonal architecture). Service
// implementations depend on this interface, never on a concrete client, so
// the whole engine runs unchanged against the HTTP store or the in-memory
// store used in tests.

// ChangeType discriminates change-feed events.
type ChangeType string

const (
	// ChangeMerge is a deep-merge write to the watched resource or one of
	// its descendants.
	ChangeMerge ChangeType = "merge"
	// ChangeDelete is a removal. The engine logs and ignores these.
	ChangeDelete ChangeType = "delete"
)

// Change is one event from a watch stream. Body is the merged fragment,
// relative to Path. Rev is the resource revision after the change applied.
type Change struct {
	Type ChangeType
	Path string
	Body map[string]any
	Rev  string
}

// GetResult carries a document body together with the revision it was read
// at, so a watch can resume from exactly that point.
type GetResult struct {
	Data json.RawMessage
	Rev  string
}

// PutRequest groups parameters for Store.Put to keep param count ≤3.
// Put performs a deep merge of Body into the document at Path.
type PutRequest struct {
	Path        string
	ContentType string
	Body        any
}

// PostRequest groups parameters for Store.Post. Post creates a new document
// under Path and returns its location.
type PostRequest struct {
	Path        string
	ContentType string
	Body        any
}

// WatchRequest groups parameters for Store.Watch. Rev, when non-empty,
// resumes the change stream from just after that revision.
type WatchRequest struct {
	Path string
	Rev  string
}

// Watch is an open change subscription. Changes is closed when the
// subscription ends, whether by Close or by a collapsed connection.
type Watch interface {
	Changes() <-chan Change
	Close() error
}

// Store defines the capability set the engine requires from the document
// store. Implementations must be safe for concurrent use.
type Store interface {
	// Head checks existence of a document without transferring its body.
	Head(ctx context.Context, path string) error
	// Get reads the document at path.
	Get(ctx context.Context, path string) (*GetResult, error)
	// Put deep-merges a body into the document at the request path.
	Put(ctx context.Context, req PutRequest) error
	// Post creates a new document under the request path and returns its
	// id, e.g. "resources/abc123".
	Post(ctx context.Context, req PostRequest) (string, error)
	// Delete removes the document or link at path.
	Delete(ctx context.Context, path string) error
	// Watch opens a change subscription on path.
	Watch(ctx context.Context, req WatchRequest) (Watch, error)
}

// ConcurrencyHinter is an optional extension for stores that carry a
// client-side parallelism hint. The service uses it as its default worker
// pool size when no explicit concurrency is configured.
type ConcurrencyHinter interface {
	Concurrency() int
}

// Clock abstracts wall-clock reads so tests control job timing.
type Clock interface {
	Now() time.Time
}

// SystemClock is the Clock used outside tests.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// GetDocument reads path and decodes the body into a generic map.
func GetDocument(ctx context.Context, s Store, path string) (map[string]any, error) {
	res, err := s.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(res.Data, &doc); err != nil {
		return nil, fmt.Errorf("decode document at %s: %w", path, err)
	}
	return doc, nil
}
