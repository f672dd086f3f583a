// Package testutil provides testing utilities for the job service, chiefly
// an in-memory document store that honors the same path, link, merge, and
// change-feed semantics as the HTTP store.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/OADA/jobs/internal/core"
	apperrors "github.com/OADA/jobs/internal/errors"
)

// watchBuffer is the per-subscription channel capacity. Tests never come
// close; overflowing it indicates a consumer stopped draining.
const watchBuffer = 1024

// MemStore is an in-memory core.Store. Documents live in a flat resource
// table linked together by {_id} values, mirroring the hierarchical store:
// reads resolve through links, writes deep-merge and bump the containing
// resource's revision, and watches deliver merge events per resource.
type MemStore struct {
	mu        sync.Mutex
	resources map[string]map[string]any
	types     map[string]string
	revs      map[string]int
	watches   map[int]*memWatch
	nextWatch int
	faults    map[string]error

	// WorkerSlots is reported through the ConcurrencyHinter extension.
	WorkerSlots int
}

type memWatch struct {
	store    *MemStore
	id       int
	resource string
	ch       chan core.Change
	closed   bool
}

// NewMemStore returns an empty store holding only the bookmarks root.
func NewMemStore() *MemStore {
	s := &MemStore{
		resources: make(map[string]map[string]any),
		types:     make(map[string]string),
		revs:      make(map[string]int),
		watches:   make(map[int]*memWatch),
		faults:    make(map[string]error),
	}
	s.resources["bookmarks"] = map[string]any{}
	s.types["bookmarks"] = "application/vnd.oada.bookmarks.1+json"
	s.revs["bookmarks"] = 1
	return s
}

// Concurrency implements core.ConcurrencyHinter.
func (s *MemStore) Concurrency() int {
	if s.WorkerSlots > 0 {
		return s.WorkerSlots
	}
	return 1
}

// FailNext arranges for the next call of method ("head", "get", "put",
// "post", "delete", "watch") on exactly path to fail with err. The fault is
// consumed by that call.
func (s *MemStore) FailNext(method, path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method+" "+path] = err
}

func (s *MemStore) takeFault(method, path string) error {
	key := method + " " + path
	if err, ok := s.faults[key]; ok {
		delete(s.faults, key)
		return err
	}
	return nil
}

// Head implements core.Store.
func (s *MemStore) Head(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault("head", path); err != nil {
		return err
	}
	_, _, _, err := s.resolve(path)
	return err
}

// Get implements core.Store. Reading a path whose final value is a link
// returns the linked document, the way the hierarchical store serves link
// traversal. Document roots carry synthesized _id, _rev, and _type keys.
func (s *MemStore) Get(ctx context.Context, path string) (*core.GetResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault("get", path); err != nil {
		return nil, err
	}
	id, inner, value, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	out := deepCopy(value)
	if len(inner) == 0 {
		doc, ok := out.(map[string]any)
		if !ok {
			doc = map[string]any{}
		}
		doc["_id"] = id
		doc["_rev"] = float64(s.revs[id])
		doc["_type"] = s.types[id]
		doc["_meta"] = map[string]any{"_id": id + "/_meta", "_rev": float64(s.revs[id])}
		out = doc
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", path, err)
	}
	return &core.GetResult{Data: raw, Rev: strconv.Itoa(s.revs[id])}, nil
}

// Put implements core.Store.
func (s *MemStore) Put(ctx context.Context, req core.PutRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault("put", req.Path); err != nil {
		return err
	}

	id, inner, err := s.resolveContainer(req.Path)
	if err != nil {
		return err
	}
	body, err := normalize(req.Body)
	if err != nil {
		return fmt.Errorf("put %s: %w", req.Path, err)
	}

	doc := s.resources[id]
	target := doc
	for _, seg := range inner {
		next, ok := target[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			target[seg] = next
		}
		target = next
	}
	fragment, ok := body.(map[string]any)
	if !ok {
		return fmt.Errorf("put %s: body must be an object", req.Path)
	}
	deepMerge(target, fragment)

	s.revs[id]++
	s.broadcast(id, core.ChangeMerge, inner, fragment)
	return nil
}

// Post implements core.Store. Only the /resources collection accepts new
// documents.
func (s *MemStore) Post(ctx context.Context, req core.PostRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault("post", req.Path); err != nil {
		return "", err
	}
	if strings.Trim(req.Path, "/") != "resources" {
		return "", apperrors.Newf(apperrors.ErrCodeStoreRequest, "post not supported at %s", req.Path)
	}
	body, err := normalize(req.Body)
	if err != nil {
		return "", fmt.Errorf("post: %w", err)
	}
	doc, ok := body.(map[string]any)
	if !ok {
		return "", apperrors.New(apperrors.ErrCodeStoreRequest, "post body must be an object")
	}

	id := "resources/" + uuid.NewString()
	s.resources[id] = doc
	s.types[id] = req.ContentType
	s.revs[id] = 1
	return id, nil
}

// Delete implements core.Store. Deleting a link slot removes the link from
// its container; the linked document itself survives.
func (s *MemStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault("delete", path); err != nil {
		return err
	}

	trimmed := strings.Trim(path, "/")
	cut := strings.LastIndex(trimmed, "/")
	if cut < 0 {
		return apperrors.Newf(apperrors.ErrCodeStoreRequest, "refusing to delete document root %s", path)
	}
	parent, last := "/"+trimmed[:cut], trimmed[cut+1:]

	id, inner, err := s.resolveContainer(parent)
	if err != nil {
		return err
	}
	target := s.resources[id]
	for _, seg := range inner {
		next, ok := target[seg].(map[string]any)
		if !ok {
			return apperrors.NotFound(path)
		}
		target = next
	}
	if _, ok := target[last]; !ok {
		return apperrors.NotFound(path)
	}
	delete(target, last)

	s.revs[id]++
	s.broadcast(id, core.ChangeDelete, inner, map[string]any{last: nil})
	return nil
}

// Watch implements core.Store. The watched path must resolve to a document
// root. Only changes made after the call are delivered.
func (s *MemStore) Watch(ctx context.Context, req core.WatchRequest) (core.Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault("watch", req.Path); err != nil {
		return nil, err
	}
	id, inner, _, err := s.resolve(req.Path)
	if err != nil {
		return nil, err
	}
	if len(inner) != 0 {
		return nil, apperrors.Newf(apperrors.ErrCodeStoreRequest, "watch must target a document, got %s", req.Path)
	}

	s.nextWatch++
	w := &memWatch{
		store:    s,
		id:       s.nextWatch,
		resource: id,
		ch:       make(chan core.Change, watchBuffer),
	}
	s.watches[w.id] = w
	return w, nil
}

// Changes implements core.Watch.
func (w *memWatch) Changes() <-chan core.Change { return w.ch }

// Close implements core.Watch.
func (w *memWatch) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	delete(w.store.watches, w.id)
	close(w.ch)
	return nil
}

// broadcast fans a change out to every watch on resource id. Callers hold
// the store mutex.
func (s *MemStore) broadcast(id string, typ core.ChangeType, inner []string, fragment map[string]any) {
	var subs []*memWatch
	for _, w := range s.watches {
		if w.resource == id {
			subs = append(subs, w)
		}
	}
	if len(subs) == 0 {
		return
	}

	body := deepCopy(fragment).(map[string]any)
	for i := len(inner) - 1; i >= 0; i-- {
		body = map[string]any{inner[i]: body}
	}
	body["_rev"] = float64(s.revs[id])

	change := core.Change{
		Type: typ,
		Path: "",
		Body: body,
		Rev:  strconv.Itoa(s.revs[id]),
	}
	for _, w := range subs {
		select {
		case w.ch <- change:
		default:
			panic(fmt.Sprintf("testutil: watch buffer overflow on %s", id))
		}
	}
}

// resolve walks path across link boundaries. It returns the id of the
// document the final value belongs to, the remaining key path inside it,
// and the value itself. A final value that is a link resolves to the linked
// document root.
func (s *MemStore) resolve(path string) (string, []string, any, error) {
	id, segments, err := s.anchor(path)
	if err != nil {
		return "", nil, nil, err
	}

	doc, ok := s.resources[id]
	if !ok {
		return "", nil, nil, apperrors.NotFound(path)
	}
	var value any = doc
	var inner []string

	for _, seg := range segments {
		m, ok := value.(map[string]any)
		if !ok {
			return "", nil, nil, apperrors.NotFound(path)
		}
		if linked, ok := linkTarget(m); ok {
			next, exists := s.resources[linked]
			if !exists {
				return "", nil, nil, apperrors.NotFound(path)
			}
			id, value, inner = linked, next, nil
			m = next
		}
		child, ok := m[seg]
		if !ok {
			return "", nil, nil, apperrors.NotFound(path)
		}
		value = child
		inner = append(inner, seg)
	}

	if m, ok := value.(map[string]any); ok {
		if linked, ok := linkTarget(m); ok {
			next, exists := s.resources[linked]
			if !exists {
				return "", nil, nil, apperrors.NotFound(path)
			}
			return linked, nil, next, nil
		}
	}
	return id, inner, value, nil
}

// resolveContainer walks path like resolve but returns the document whose
// body the final segments address, without requiring those segments to
// exist yet. A path ending at a link addresses the linked document root.
// Used by Put and by Delete's parent lookup.
func (s *MemStore) resolveContainer(path string) (string, []string, error) {
	id, segments, err := s.anchor(path)
	if err != nil {
		return "", nil, err
	}
	doc, ok := s.resources[id]
	if !ok {
		return "", nil, apperrors.NotFound(path)
	}

	var value any = doc
	var inner []string
	for i, seg := range segments {
		m, ok := value.(map[string]any)
		if !ok {
			return "", nil, apperrors.Newf(apperrors.ErrCodeStoreRequest, "path %s descends into a non-object", path)
		}
		if linked, ok := linkTarget(m); ok {
			next, exists := s.resources[linked]
			if !exists {
				return "", nil, apperrors.NotFound(path)
			}
			id, inner = linked, nil
			m = next
		}
		child, exists := m[seg]
		if !exists {
			// Everything below here is new; Put vivifies it.
			return id, append(inner, segments[i:]...), nil
		}
		value = child
		inner = append(inner, seg)
	}

	if m, ok := value.(map[string]any); ok {
		if linked, ok := linkTarget(m); ok {
			if _, exists := s.resources[linked]; !exists {
				return "", nil, apperrors.NotFound(path)
			}
			return linked, nil, nil
		}
	}
	return id, inner, nil
}

// anchor splits path into its root document id and the segments below it.
func (s *MemStore) anchor(path string) (string, []string, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "", nil, apperrors.New(apperrors.ErrCodeStoreRequest, "empty path")
	}
	switch segments[0] {
	case "bookmarks":
		return "bookmarks", segments[1:], nil
	case "resources":
		if len(segments) < 2 {
			return "", nil, apperrors.New(apperrors.ErrCodeStoreRequest, "resource path needs an id")
		}
		return "resources/" + segments[1], segments[2:], nil
	}
	return "", nil, apperrors.Newf(apperrors.ErrCodeStoreRequest, "unrecognized path root %q", segments[0])
}

func linkTarget(m map[string]any) (string, bool) {
	id, ok := m["_id"].(string)
	if !ok || id == "" {
		return "", false
	}
	// Anything beyond _id and _rev is document content, not a link.
	for k := range m {
		if k != "_id" && k != "_rev" {
			return "", false
		}
	}
	return id, true
}

// deepMerge merges src into dst recursively. Non-map values overwrite.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				deepMerge(dv, sv)
				continue
			}
			merged := map[string]any{}
			deepMerge(merged, sv)
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

// normalize round-trips a body through JSON so stored values use the same
// generic types a decoded wire body would.
func normalize(body any) (any, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
