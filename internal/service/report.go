package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-openapi/jsonpointer"
	"github.com/robfig/cron/v3"

	"github.com/OADA/jobs/internal/core"
	"github.com/OADA/jobs/internal/domain/keys"
	"github.com/OADA/jobs/internal/domain/model"

	apperrors "github.com/OADA/jobs/internal/errors"
)

// reportEventBuffer sizes the channel merging all index watches into the
// single row-emission consumer.
const reportEventBuffer = 64

// cronParser validates report frequencies: six fields, seconds first.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ReportOptions configures one report on a service.
type ReportOptions struct {
	Name      string                    // Required: report name, keys the row buckets
	Config    model.ReportConfig        // Required: column mappings
	Frequency string                    // Required: six-field cron expression, seconds precision
	Email     func() model.EmailJob     // Required: template for the aggregation email
	Types     []string                  // Optional: only file jobs of these types
	Filter    func(map[string]any) bool // Optional: per-job predicate over the job document
	SendEmpty bool                      // Optional: email even when a window has no rows
}

// reportDeps carries the service-level handles a Report shares.
type reportDeps struct {
	Service string
	Store   core.Store
	Logger  *slog.Logger
	Clock   core.Clock
	Loc     *time.Location
}

type reportState int

const (
	reportIdle reportState = iota
	reportRunning
	reportStopped
)

type nodeKind int

const (
	// nodeDays is a container whose day-index entries link day buckets.
	nodeDays nodeKind = iota
	// nodeKinds is the typed-failure root, whose entries link per-kind
	// containers of day buckets.
	nodeKinds
	// nodeDay is a day bucket: its entries are filed jobs.
	nodeDay
)

// watchNode is one watched container in the index hierarchy, carrying the
// context a filed job inherits from its location.
type watchNode struct {
	kind     nodeKind
	path     string
	status   model.JobStatus
	failKind string
	day      string
}

type listEvent struct {
	node   *watchNode
	change core.Change
}

// Report files finished jobs as rows while running and mails the collected
// rows on a cron schedule. Rows come from three index watches: the success
// days, the failure days, and the typed-failure mirror. A job with a fail
// kind appears under both failure indexes; the typed row carries the mapped
// outcome and wins the row slot.
type Report struct {
	name      string
	service   string
	cfg       model.ReportConfig
	frequency string
	email     func() model.EmailJob
	types     []string
	filter    func(map[string]any) bool
	sendEmpty bool

	store  core.Store
	logger *slog.Logger
	clock  core.Clock
	loc    *time.Location
	tree   *core.Tree

	mu       sync.Mutex
	state    reportState
	watched  map[string]core.Watch
	events   chan listEvent
	cron     *cron.Cron
	lastCron time.Time

	aggMu      sync.Mutex
	pumpWg     sync.WaitGroup
	consumerWg sync.WaitGroup
}

// newReport validates the configuration and builds an idle report.
func newReport(opts ReportOptions, deps reportDeps) (*Report, error) {
	if opts.Name == "" {
		return nil, errors.New("report name is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("report %s: %w", opts.Name, err)
	}
	if opts.Email == nil {
		return nil, fmt.Errorf("report %s: email template is required", opts.Name)
	}
	if _, err := cronParser.Parse(opts.Frequency); err != nil {
		return nil, fmt.Errorf("report %s: frequency %q: %w", opts.Name, opts.Frequency, err)
	}

	return &Report{
		name:      opts.Name,
		service:   deps.Service,
		cfg:       opts.Config,
		frequency: opts.Frequency,
		email:     opts.Email,
		types:     opts.Types,
		filter:    opts.Filter,
		sendEmpty: opts.SendEmpty,
		store:     deps.Store,
		logger:    deps.Logger.With("component", "report", "report", opts.Name),
		clock:     deps.Clock,
		loc:       deps.Loc,
		tree:      core.JobsTree(),
	}, nil
}

// Name returns the report's name.
func (r *Report) Name() string {
	return r.name
}

// Start materializes the report's containers, begins watching the terminal
// indexes for newly filed jobs, and arms the aggregation cron.
func (r *Report) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state == reportRunning {
		r.mu.Unlock()
		return fmt.Errorf("report %s already started", r.name)
	}
	r.state = reportRunning
	r.watched = make(map[string]core.Watch)
	r.events = make(chan listEvent, reportEventBuffer)
	r.lastCron = r.clock.Now()
	events := r.events
	r.mu.Unlock()

	roots := []*watchNode{
		{kind: nodeDays, path: model.IndexPath(r.service, model.JobStatusSuccess), status: model.JobStatusSuccess},
		{kind: nodeDays, path: model.IndexPath(r.service, model.JobStatusFailure), status: model.JobStatusFailure},
		{kind: nodeKinds, path: model.TypedFailurePath(r.service), status: model.JobStatusFailure},
	}

	ensure := append(
		[]string{model.ReportsPath(r.service) + "/" + r.name},
		roots[0].path, roots[1].path, roots[2].path,
	)
	for _, path := range ensure {
		if err := core.EnsureTree(ctx, r.store, r.tree, path); err != nil {
			r.abortStart()
			return fmt.Errorf("ensure %s: %w", path, err)
		}
	}

	for _, root := range roots {
		if err := r.openNode(ctx, root, false); err != nil {
			r.abortStart()
			return fmt.Errorf("watch %s: %w", root.path, err)
		}
	}

	r.consumerWg.Add(1)
	go r.consume(ctx, events)

	c := cron.New(cron.WithSeconds(), cron.WithLocation(r.loc))
	_, err := c.AddFunc(r.frequency, func() { r.aggregate(ctx) })
	if err != nil {
		r.Stop()
		return fmt.Errorf("schedule report %s: %w", r.name, err)
	}
	c.Start()

	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "report started", "frequency", r.frequency)
	return nil
}

// abortStart rolls a failed Start back to idle.
func (r *Report) abortStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = reportIdle
	for _, w := range r.watched {
		_ = w.Close()
	}
	r.watched = nil
}

// Stop halts the cron, letting an in-flight aggregation complete, and tears
// the index watches down. The report can be started again.
func (r *Report) Stop() error {
	r.mu.Lock()
	if r.state != reportRunning {
		r.mu.Unlock()
		return nil
	}
	r.state = reportStopped
	watches := make([]core.Watch, 0, len(r.watched))
	for _, w := range r.watched {
		watches = append(watches, w)
	}
	r.watched = nil
	c := r.cron
	r.cron = nil
	events := r.events
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	for _, w := range watches {
		_ = w.Close()
	}
	r.pumpWg.Wait()
	close(events)
	r.consumerWg.Wait()

	r.logger.Info("report stopped")
	return nil
}

// openNode reads a container, registers a watch from the read revision, and
// walks its current content. Containers found in the walk are opened the
// same way; filed jobs are emitted as rows only when replay is set, so
// content predating the report's start is never re-filed.
func (r *Report) openNode(ctx context.Context, node *watchNode, replay bool) error {
	r.mu.Lock()
	if r.state != reportRunning {
		r.mu.Unlock()
		return nil
	}
	if _, ok := r.watched[node.path]; ok {
		r.mu.Unlock()
		return nil
	}
	events := r.events
	r.mu.Unlock()

	res, err := r.store.Get(ctx, node.path)
	if err != nil {
		return err
	}
	var doc map[string]any
	if err := json.Unmarshal(res.Data, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", node.path, err)
	}

	watch, err := r.store.Watch(ctx, core.WatchRequest{Path: node.path, Rev: res.Rev})
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.state != reportRunning {
		r.mu.Unlock()
		_ = watch.Close()
		return nil
	}
	if _, ok := r.watched[node.path]; ok {
		r.mu.Unlock()
		_ = watch.Close()
		return nil
	}
	r.watched[node.path] = watch
	r.pumpWg.Add(1)
	r.mu.Unlock()

	go r.pump(node, watch, events)

	r.walk(ctx, node, doc, replay)
	return nil
}

// pump forwards one watch's changes into the shared event channel.
func (r *Report) pump(node *watchNode, watch core.Watch, events chan<- listEvent) {
	defer r.pumpWg.Done()
	for change := range watch.Changes() {
		events <- listEvent{node: node, change: change}
	}
}

// consume serializes all index events through one goroutine, so row writes
// for the same job never race each other.
func (r *Report) consume(ctx context.Context, events <-chan listEvent) {
	defer r.consumerWg.Done()
	for ev := range events {
		if ev.change.Type != core.ChangeMerge {
			r.logger.DebugContext(ctx, "ignoring change", "type", ev.change.Type, "path", ev.node.path)
			continue
		}
		r.walk(ctx, ev.node, ev.change.Body, true)
	}
}

// walk interprets one container document or change body at its node's level.
func (r *Report) walk(ctx context.Context, node *watchNode, doc map[string]any, replay bool) {
	switch node.kind {
	case nodeKinds:
		for _, kind := range sortedContentKeys(doc) {
			if _, ok := model.LinkFrom(doc[kind]); !ok {
				continue
			}
			child := &watchNode{
				kind:     nodeDays,
				path:     node.path + "/" + kind,
				status:   node.status,
				failKind: kind,
			}
			if err := r.openNode(ctx, child, replay); err != nil {
				r.logger.WarnContext(ctx, "watching fail kind failed", "path", child.path, "error", err)
			}
		}
	case nodeDays:
		dayIndex, _ := doc[model.DayIndexSegment].(map[string]any)
		for _, day := range sortedContentKeys(dayIndex) {
			if _, ok := model.LinkFrom(dayIndex[day]); !ok {
				continue
			}
			child := &watchNode{
				kind:     nodeDay,
				path:     node.path + "/" + model.DayIndexSegment + "/" + day,
				status:   node.status,
				failKind: node.failKind,
				day:      day,
			}
			if err := r.openNode(ctx, child, replay); err != nil {
				r.logger.WarnContext(ctx, "watching day bucket failed", "path", child.path, "error", err)
			}
		}
	case nodeDay:
		if !replay {
			return
		}
		for _, key := range sortedContentKeys(doc) {
			if _, ok := model.LinkFrom(doc[key]); !ok {
				continue
			}
			r.emit(ctx, node, key)
		}
	}
}

// emit files one finished job as a report row.
func (r *Report) emit(ctx context.Context, node *watchNode, key string) {
	doc, err := core.GetDocument(ctx, r.store, node.path+"/"+key)
	if err != nil {
		r.logger.WarnContext(ctx, "reading filed job failed", "path", node.path+"/"+key, "error", err)
		return
	}

	if len(r.types) > 0 {
		jobType, _ := doc["type"].(string)
		if !slices.Contains(r.types, jobType) {
			return
		}
	}
	if r.filter != nil && !r.filter(doc) {
		return
	}

	// A kinded failure is filed under both failure indexes. The plain
	// failure watcher yields its row slot so the typed row's mapped outcome
	// survives regardless of arrival order.
	rowPath := model.ReportRowPath(r.service, r.name, node.day, key)
	if node.status == model.JobStatusFailure && node.failKind == "" {
		if err := r.store.Head(ctx, rowPath); err == nil {
			return
		} else if !apperrors.IsNotFound(err) {
			r.logger.WarnContext(ctx, "checking row slot failed", "path", rowPath, "error", err)
		}
	}

	row := r.buildRow(doc, node.status, node.failKind)

	dayPath := model.ReportDayPath(r.service, r.name, node.day)
	if err := core.EnsureTree(ctx, r.store, r.tree, dayPath); err != nil {
		r.logger.WarnContext(ctx, "ensuring report day bucket failed", "path", dayPath, "error", err)
		return
	}
	err = r.store.Put(ctx, core.PutRequest{
		Path:        dayPath,
		ContentType: core.ContentTypeReport,
		Body:        map[string]any{key: row},
	})
	if err != nil {
		r.logger.WarnContext(ctx, "writing report row failed", "path", rowPath, "error", err)
		return
	}
	r.logger.DebugContext(ctx, "report row written", "job_key", key, "day", node.day, "fail_kind", node.failKind)
}

// buildRow resolves every column mapping against the job document.
func (r *Report) buildRow(doc map[string]any, status model.JobStatus, failKind string) model.ReportRow {
	row := make(model.ReportRow, len(r.cfg.JobMappings))
	for _, m := range r.cfg.JobMappings {
		if m.Pointer == model.ErrorMappingsPointer {
			row[m.Column] = r.cfg.OutcomeLabel(status, failKind)
			continue
		}
		row[m.Column] = resolvePointer(doc, m.Pointer)
	}
	return row
}

// aggregate runs one cron fire: collect the window's rows, render and mail
// them, advance the watermark. Failures leave the watermark alone so the
// next fire retries the window.
func (r *Report) aggregate(ctx context.Context) {
	r.aggMu.Lock()
	defer r.aggMu.Unlock()

	r.mu.Lock()
	if r.state != reportRunning {
		r.mu.Unlock()
		return
	}
	from := r.lastCron
	r.mu.Unlock()

	to := r.clock.Now()
	if !to.After(from) {
		return
	}

	rows, err := r.collectRows(ctx, from, to)
	if err != nil {
		r.logger.ErrorContext(ctx, "report aggregation failed", "error", err)
		return
	}

	if len(rows) == 0 && !r.sendEmpty {
		r.advance(to)
		r.logger.DebugContext(ctx, "no rows in window, skipping email",
			"from", from, "to", to)
		return
	}

	if err := r.send(ctx, rows); err != nil {
		r.logger.ErrorContext(ctx, "sending report email failed", "error", err)
		return
	}

	r.advance(to)
	r.logger.InfoContext(ctx, "report emailed", "rows", len(rows), "from", from, "to", to)
}

func (r *Report) advance(to time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if to.After(r.lastCron) {
		r.lastCron = to
	}
}

// collectRows reads every day bucket overlapping the window, in day order.
// Keys minted after a bucket's day ended are left for a later window; keys
// that embed no timestamp are kept.
func (r *Report) collectRows(ctx context.Context, from, to time.Time) ([]model.ReportRow, error) {
	var rows []model.ReportRow
	for _, day := range keys.DaysBetween(from, to, r.loc) {
		doc, err := core.GetDocument(ctx, r.store, model.ReportDayPath(r.service, r.name, day))
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("read report day %s: %w", day, err)
		}
		cutoff, err := keys.NextMidnight(day, r.loc)
		if err != nil {
			return nil, err
		}
		for _, key := range sortedContentKeys(doc) {
			if ts, ok := keys.Time(key); ok && !ts.Before(cutoff) {
				continue
			}
			entry, ok := doc[key].(map[string]any)
			if !ok {
				continue
			}
			row := make(model.ReportRow, len(entry))
			for col, v := range entry {
				row[col] = cellString(v)
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// send renders the rows as CSV and queues the email job on the downstream
// service.
func (r *Report) send(ctx context.Context, rows []model.ReportRow) error {
	emailJob := r.email()
	if err := emailJob.Validate(); err != nil {
		return fmt.Errorf("email template: %w", err)
	}

	rendered, err := renderCSV(r.cfg.Columns(), rows)
	if err != nil {
		return fmt.Errorf("render csv: %w", err)
	}
	emailJob.Config.Attachments[0].Content = base64.StdEncoding.EncodeToString(rendered)

	if _, _, err := core.PostJob(ctx, r.store, emailJob.Service, emailJob); err != nil {
		return fmt.Errorf("queue email job: %w", err)
	}
	return nil
}

// renderCSV writes the header and one record per row, columns in mapping
// order.
func renderCSV(columns []string, rows []model.ReportRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, err
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			record[i] = row[col]
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// resolvePointer evaluates an RFC 6901 pointer against a job document,
// yielding "" for anything unresolvable.
func resolvePointer(doc map[string]any, pointer string) string {
	p, err := jsonpointer.New(pointer)
	if err != nil {
		return ""
	}
	v, _, err := p.Get(doc)
	if err != nil {
		return ""
	}
	return cellString(v)
}

// cellString renders one resolved value as a CSV cell.
func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func sortedContentKeys(doc map[string]any) []string {
	contentKeys := model.ContentKeys(doc)
	sort.Strings(contentKeys)
	return contentKeys
}
