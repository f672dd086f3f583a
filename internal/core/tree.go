package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/OADA/jobs/internal/domain/keys"
	"github.com/OADA/jobs/internal/domain/model"

	apperrors "github.com/OADA/jobs/internal/errors"
)

// Media types the store validates on container documents.
const (
	ContentTypeBookmarks = "application/vnd.oada.bookmarks.1+json"
	ContentTypeServices  = "application/vnd.oada.services.1+json"
	ContentTypeService   = "application/vnd.oada.service.1+json"
	ContentTypeJobs      = "application/vnd.oada.service.jobs.1+json"
	ContentTypeJob       = "application/vnd.oada.service.job.1+json"
	ContentTypeReports   = "application/vnd.oada.service.reports.1+json"
	ContentTypeReport    = "application/vnd.oada.service.report.1+json"
)

// Wildcard matches any single path segment in a Tree.
const Wildcard = "*"

// Tree is a container template. Nodes with a ContentType are standalone
// documents linked from their nearest document ancestor; nodes without one
// are plain keys inside that ancestor.
type Tree struct {
	ContentType string
	Children    map[string]*Tree
}

// Child resolves one path segment, falling back to the wildcard entry.
func (t *Tree) Child(segment string) *Tree {
	if t == nil || t.Children == nil {
		return nil
	}
	if c, ok := t.Children[segment]; ok {
		return c
	}
	return t.Children[Wildcard]
}

// JobsTree is the template for everything the service keeps under
// /bookmarks/services/<svc>/jobs: the pending list, the terminal day
// indexes, the typed-failure mirror, and the report day indexes.
func JobsTree() *Tree {
	dayOfJobs := &Tree{
		Children: map[string]*Tree{
			Wildcard: {
				ContentType: ContentTypeJobs,
				Children:    map[string]*Tree{Wildcard: {ContentType: ContentTypeJob}},
			},
		},
	}
	terminal := &Tree{
		ContentType: ContentTypeJobs,
		Children:    map[string]*Tree{model.DayIndexSegment: dayOfJobs},
	}
	return &Tree{
		ContentType: ContentTypeBookmarks,
		Children: map[string]*Tree{
			"services": {
				ContentType: ContentTypeServices,
				Children: map[string]*Tree{
					Wildcard: {
						ContentType: ContentTypeService,
						Children: map[string]*Tree{
							"jobs": {
								ContentType: ContentTypeJobs,
								Children: map[string]*Tree{
									"pending": {
										ContentType: ContentTypeJobs,
										Children:    map[string]*Tree{Wildcard: {ContentType: ContentTypeJob}},
									},
									"success": terminal,
									"failure": terminal,
									"typed-failure": {
										ContentType: ContentTypeJobs,
										Children:    map[string]*Tree{Wildcard: terminal},
									},
									"reports": {
										ContentType: ContentTypeReports,
										Children: map[string]*Tree{
											Wildcard: {
												ContentType: ContentTypeReport,
												Children: map[string]*Tree{
													model.DayIndexSegment: {
														Children: map[string]*Tree{
															Wildcard: {ContentType: ContentTypeReport},
														},
													},
												},
											},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

// EnsureTree lazily materializes every container document along path,
// following the tree template for media types. Existing documents are left
// untouched. Missing ones are created empty and linked into their nearest
// document ancestor.
func EnsureTree(ctx context.Context, s Store, tree *Tree, path string) error {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] != "bookmarks" {
		return fmt.Errorf("ensure %s: path must live under /bookmarks", path)
	}

	node := tree
	current := "/bookmarks"
	// The bookmarks document always exists; creation starts below it.
	anchor := current
	anchorType := tree.ContentType
	var inner []string

	for _, segment := range segments[1:] {
		child := node.Child(segment)
		if child == nil {
			return fmt.Errorf("ensure %s: segment %q not covered by tree", path, segment)
		}
		node = child
		current += "/" + segment

		if node.ContentType == "" {
			inner = append(inner, segment)
			continue
		}

		err := s.Head(ctx, current)
		switch {
		case err == nil:
		case apperrors.IsNotFound(err):
			id, postErr := s.Post(ctx, PostRequest{
				Path:        "/resources",
				ContentType: node.ContentType,
				Body:        map[string]any{},
			})
			if postErr != nil {
				return fmt.Errorf("ensure %s: create %s: %w", path, current, postErr)
			}
			link := nestBody(append(inner, segment), model.Link{ID: id})
			putErr := s.Put(ctx, PutRequest{
				Path:        anchor,
				ContentType: anchorType,
				Body:        link,
			})
			if putErr != nil {
				return fmt.Errorf("ensure %s: link %s: %w", path, current, putErr)
			}
		default:
			return fmt.Errorf("ensure %s: head %s: %w", path, current, err)
		}

		anchor = current
		anchorType = node.ContentType
		inner = nil
	}
	return nil
}

// PostJob creates body as a job document and links it into service's
// pending list under a fresh K-sortable key, materializing the list first
// when absent. Returns the pending key and the new document id.
func PostJob(ctx context.Context, s Store, service string, body any) (string, string, error) {
	id, err := s.Post(ctx, PostRequest{
		Path:        "/resources",
		ContentType: ContentTypeJob,
		Body:        body,
	})
	if err != nil {
		return "", "", fmt.Errorf("create job document: %w", err)
	}

	pending := model.PendingPath(service)
	if err := EnsureTree(ctx, s, JobsTree(), pending); err != nil {
		return "", "", fmt.Errorf("ensure %s: %w", pending, err)
	}
	key := keys.New()
	err = s.Put(ctx, PutRequest{
		Path:        pending,
		ContentType: ContentTypeJobs,
		Body:        map[string]any{key: model.Link{ID: id}},
	})
	if err != nil {
		return "", "", fmt.Errorf("queue job %s: %w", id, err)
	}
	return key, id, nil
}

// nestBody wraps leaf in one map layer per segment, innermost last.
func nestBody(segments []string, leaf any) map[string]any {
	body := map[string]any{segments[len(segments)-1]: leaf}
	for i := len(segments) - 2; i >= 0; i-- {
		body = map[string]any{segments[i]: body}
	}
	return body
}
