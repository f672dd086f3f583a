// Command oada-jobs inspects and repairs a service's job queue from the
// command line: list the pending queue, print any job document, and queue a
// fresh copy of a failed job.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/OADA/jobs/config"
	"github.com/OADA/jobs/internal/bootstrap"
	"github.com/OADA/jobs/internal/core"
	"github.com/OADA/jobs/internal/domain/keys"
	"github.com/OADA/jobs/internal/domain/model"

	apperrors "github.com/OADA/jobs/internal/errors"
)

type commandFn func(cmdCtx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

const commandTimeout = 2 * time.Minute

func main() {
	logger := bootstrap.InitLogger(slog.LevelInfo)

	if len(os.Args) < 2 {
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2)
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2)
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1)
	}
	if level, levelErr := cfg.Observability.SlogLevel(); levelErr == nil && level != slog.LevelInfo {
		logger = bootstrap.InitLogger(level)
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1)
	}
}

func commands() map[string]command {
	return map[string]command{
		"list": {
			name:        "list",
			description: "List jobs on the service's pending queue",
			run:         runList,
		},
		"print": {
			name:        "print",
			description: "Print a job document: print {pending|success|failure} <jobId>",
			run:         runPrint,
		},
		"retry": {
			name:        "retry",
			description: "Queue a fresh copy of a failed job: retry <jobId>",
			run:         runRetry,
		},
	}
}

func printUsage() error {
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := writef(os.Stdout, "Usage: oada-jobs <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(os.Stdout, "Available commands:\n"); err != nil {
		return err
	}
	for _, name := range names {
		c := cmds[name]
		if err := writef(os.Stdout, "  %-8s %s\n", c.name, c.description); err != nil {
			return err
		}
	}
	return nil
}

// withStore dials the store and runs f under a signal-aware timeout.
func withStore(cmdCtx *commandContext, f func(context.Context, core.Store) error) error {
	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	store, err := bootstrap.Connect(ctx, cmdCtx.Config, cmdCtx.Logger)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	return f(ctx, store)
}

func runList(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return errors.New("list takes no arguments")
	}

	return withStore(cmdCtx, func(ctx context.Context, store core.Store) error {
		return listPending(ctx, store, cmdCtx.Config.ServiceName)
	})
}

func runPrint(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("print", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: print {pending|success|failure} <jobId>")
	}
	state, jobID := fs.Arg(0), fs.Arg(1)

	return withStore(cmdCtx, func(ctx context.Context, store core.Store) error {
		return printJob(ctx, store, cmdCtx.Config.ServiceName, state, jobID)
	})
}

func runRetry(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: retry <jobId>")
	}
	jobID := fs.Arg(0)

	return withStore(cmdCtx, func(ctx context.Context, store core.Store) error {
		return retryJob(ctx, store, cmdCtx.Config.ServiceName, jobID)
	})
}

// listPending renders the pending queue as a table, one row per job.
func listPending(ctx context.Context, store core.Store, service string) error {
	doc, err := core.GetDocument(ctx, store, model.PendingPath(service))
	if err != nil && !apperrors.IsNotFound(err) {
		return fmt.Errorf("read pending list: %w", err)
	}

	jobKeys := model.ContentKeys(doc)
	sort.Strings(jobKeys)
	if len(jobKeys) == 0 {
		return writeln(os.Stdout, "(no pending jobs)")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "KEY\tTYPE\tCREATED"); err != nil {
		return err
	}
	for _, key := range jobKeys {
		jobType, created := describePending(ctx, store, service, key)
		if err := writef(w, "%s\t%s\t%s\n", key, jobType, created); err != nil {
			return err
		}
	}
	return w.Flush()
}

// describePending reads one pending job for display. Unreadable jobs still
// list; their columns degrade to "-".
func describePending(ctx context.Context, store core.Store, service, key string) (string, string) {
	jobType, created := "-", "-"
	if t, ok := keys.Time(key); ok {
		created = t.UTC().Format(time.RFC3339)
	}
	doc, err := core.GetDocument(ctx, store, model.PendingEntry(service, key))
	if err != nil {
		return jobType, created
	}
	if s, ok := doc["type"].(string); ok && s != "" {
		jobType = s
	}
	return jobType, created
}

// printJob writes the job document as indented JSON.
func printJob(ctx context.Context, store core.Store, service, state, jobID string) error {
	path, err := locateJob(ctx, store, service, state, jobID)
	if err != nil {
		return err
	}
	res, err := store.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("read job %s: %w", jobID, err)
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, res.Data, "", "  "); err != nil {
		return fmt.Errorf("format job %s: %w", jobID, err)
	}
	return writef(os.Stdout, "%s\n", buf.Bytes())
}

// locateJob resolves the store path of a job by its queue state. Terminal
// jobs are filed under a day index, so success and failure walk the days
// newest first.
func locateJob(ctx context.Context, store core.Store, service, state, jobID string) (string, error) {
	if state == "pending" {
		path := model.PendingEntry(service, jobID)
		if err := store.Head(ctx, path); err != nil {
			if apperrors.IsNotFound(err) {
				return "", fmt.Errorf("job %s is not on the pending queue", jobID)
			}
			return "", err
		}
		return path, nil
	}

	status, err := model.ParseStatus(state)
	if err != nil {
		return "", err
	}
	day, err := findJobDay(ctx, store, service, status, jobID)
	if err != nil {
		return "", err
	}
	return model.DayEntry(service, status, day, jobID), nil
}

// findJobDay scans the status day index newest first for the job key.
func findJobDay(ctx context.Context, store core.Store, service string, status model.JobStatus, jobID string) (string, error) {
	dayIndex := model.IndexPath(service, status) + "/" + model.DayIndexSegment
	index, err := core.GetDocument(ctx, store, dayIndex)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return "", fmt.Errorf("no %s jobs recorded", status)
		}
		return "", fmt.Errorf("read %s index: %w", status, err)
	}

	days := model.ContentKeys(index)
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	for _, day := range days {
		entries, err := core.GetDocument(ctx, store, model.DayPath(service, status, day))
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return "", fmt.Errorf("read %s day %s: %w", status, day, err)
		}
		if _, ok := entries[jobID]; ok {
			return day, nil
		}
	}
	return "", fmt.Errorf("job %s not found under %s", jobID, status)
}

// retryJob creates a fresh job copying type, service, and config from a
// failed one, links it under pending, and prints the new key.
func retryJob(ctx context.Context, store core.Store, service, jobID string) error {
	day, err := findJobDay(ctx, store, service, model.JobStatusFailure, jobID)
	if err != nil {
		return err
	}
	failed, err := core.GetDocument(ctx, store, model.DayEntry(service, model.JobStatusFailure, day, jobID))
	if err != nil {
		return fmt.Errorf("read failed job %s: %w", jobID, err)
	}

	jobType, _ := failed["type"].(string)
	if jobType == "" {
		return fmt.Errorf("failed job %s carries no type", jobID)
	}
	target, _ := failed["service"].(string)
	if target == "" {
		target = service
	}

	fresh := model.Job{
		Service: target,
		Type:    jobType,
	}
	if jobConfig, ok := failed["config"].(map[string]any); ok {
		fresh.Config = jobConfig
	}

	key, _, err := core.PostJob(ctx, store, target, fresh)
	if err != nil {
		return fmt.Errorf("queue retry job: %w", err)
	}
	return writef(os.Stdout, "%s\n", key)
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	if len(args) == 0 {
		_, err := fmt.Fprintln(w)
		return err
	}
	_, err := fmt.Fprintln(w, args...)
	return err
}
