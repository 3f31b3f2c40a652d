// Package scheduler drives a scheduling session: it walks the workloads of a
// table strictly one after another and, for each, assigns identities,
// resolves hardware, enables shared-context mode, runs the orchestrator and
// commits the results.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/syncbench/internal/command"
	"github.com/loykin/syncbench/internal/config"
	"github.com/loykin/syncbench/internal/env"
	"github.com/loykin/syncbench/internal/history"
	"github.com/loykin/syncbench/internal/identity"
	"github.com/loykin/syncbench/internal/logger"
	"github.com/loykin/syncbench/internal/metrics"
	"github.com/loykin/syncbench/internal/mps"
	"github.com/loykin/syncbench/internal/orchestrator"
	"github.com/loykin/syncbench/internal/partition"
	"github.com/loykin/syncbench/internal/reconcile"
	"github.com/loykin/syncbench/internal/table"
	"github.com/loykin/syncbench/internal/tracking"
)

// ErrDuplicateIdentity means two rows of a workload would share an identity.
var ErrDuplicateIdentity = errors.New("duplicate row identity")

// Workload outcomes as counted in metrics.
const (
	OutcomeSkipped     = "skipped"
	OutcomeCompleted   = "completed"
	OutcomeTimeout     = "timeout"
	OutcomeInterrupted = "interrupted"
	OutcomeAborted     = "aborted"
)

type Options struct {
	Config   *config.Config
	Table    *table.Table
	Runner   command.Runner
	Tracking tracking.Client
	Sinks    []history.Sink
	Console  *logger.Console
	// Abort is closed on a second interrupt.
	Abort <-chan struct{}
}

// Session is one pass over a workload table. It is not safe for concurrent
// use; only Tracker may be read from other goroutines.
type Session struct {
	ID string

	cfg      *config.Config
	table    *table.Table
	runner   command.Runner
	resolver *partition.Resolver
	mps      *mps.Manager
	tracking tracking.Client
	history  *history.Recorder
	console  *logger.Console
	env      *env.Env
	tracker  *Tracker
	abort    <-chan struct{}

	cacheWarned bool
}

func New(opts Options) (*Session, error) {
	if opts.Config == nil || opts.Table == nil {
		return nil, errors.New("scheduler: config and table are required")
	}
	if opts.Runner == nil {
		opts.Runner = command.Exec{}
	}
	if opts.Tracking == nil {
		opts.Tracking = tracking.Nop{}
	}
	vars, err := opts.Config.SessionEnv()
	if err != nil {
		return nil, fmt.Errorf("session environment: %w", err)
	}
	e := env.New()
	for k, v := range vars {
		e.Set(k, v)
	}
	id := uuid.NewString()
	cfg := opts.Config
	return &Session{
		ID:     id,
		cfg:    cfg,
		table:  opts.Table,
		runner: opts.Runner,
		resolver: partition.NewResolver(opts.Runner, partition.Tools{
			SMI:   cfg.Tools.SMI,
			DCGMI: cfg.Tools.DCGMI,
		}),
		mps:      mps.New(opts.Runner, cfg.Tools.MPSControl),
		tracking: opts.Tracking,
		history:  history.NewRecorder(id, opts.Sinks...),
		console:  opts.Console,
		env:      e,
		tracker:  NewTracker(id, len(opts.Table.Workloads())),
		abort:    opts.Abort,
	}, nil
}

func (s *Session) Tracker() *Tracker { return s.tracker }

// Close releases the history sinks.
func (s *Session) Close() error { return s.history.Close() }

// Run schedules every workload of the table in order. It stops at the first
// configuration error or interruption; orchestrator.ErrInterrupted is
// returned in the latter case.
func (s *Session) Run(ctx context.Context) error {
	slog.Info("Scheduling session started", "session", s.ID, "workloads", len(s.table.Workloads()))
	s.resolver.Discover(ctx)
	for _, w := range s.table.Workloads() {
		if ctx.Err() != nil {
			return orchestrator.ErrInterrupted
		}
		if err := s.runWorkload(ctx, w); err != nil {
			return err
		}
	}
	slog.Info("Scheduling session finished", "session", s.ID)
	return nil
}

func (s *Session) runWorkload(ctx context.Context, w *table.Workload) error {
	base := history.Event{Experiment: w.Experiment, Workload: w.Workload}
	if w.ShouldSkip(s.cfg.Rerun) {
		s.console.System("SKIPPING Workload: %s", w.Key)
		s.record(ctx, base, history.EventWorkloadSkipped, "")
		metrics.IncWorkload(OutcomeSkipped)
		s.tracker.Skip()
		return nil
	}

	ids := identity.Assign(w.Rows)
	s.tracker.Begin(w.Key, w.Rows, ids)
	outcome := OutcomeAborted
	defer func() { s.tracker.End(outcome) }()
	if !identity.Valid(ids) {
		metrics.IncWorkload(OutcomeAborted)
		return fmt.Errorf("workload %s: %w: %v", w.Key, ErrDuplicateIdentity, ids)
	}

	s.resolver.Reset(ctx)
	assignments := s.resolver.Resolve(ctx, w.Rows, func(*table.Row) { s.prepare(ctx) })
	monitoring := s.resolver.Group(ctx, assignments)
	defer s.teardown(context.WithoutCancel(ctx))

	if err := s.mps.StartFor(ctx, w.Rows, s.resolver.UUID); err != nil {
		metrics.IncWorkload(OutcomeAborted)
		slog.Error("Workload aborted before launch", "workload", w.Key, "error", err)
		return fmt.Errorf("workload %s: %w", w.Key, err)
	}

	tasks, err := s.tasks(w, ids, assignments, monitoring)
	if err != nil {
		metrics.IncWorkload(OutcomeAborted)
		return fmt.Errorf("workload %s: %w", w.Key, err)
	}
	if ctx.Err() != nil {
		outcome = OutcomeInterrupted
		return orchestrator.ErrInterrupted
	}

	s.console.System("RUNNING WORKLOAD: %s", w.Key)
	s.record(ctx, base, history.EventWorkloadStarted, "")
	orch := orchestrator.New(orchestrator.Options{
		LockFile:       s.cfg.LockFile,
		DescriptorFile: s.cfg.DescriptorFile,
		Tick:           s.cfg.Tick,
		Quiescence:     s.cfg.Quiescence,
		LaunchSettle:   s.cfg.LaunchSettle,
		Budget:         s.cfg.MaxDuration() + s.cfg.Grace,
		Experiment:     w.Experiment,
		Workload:       w.Workload,
		Console:        s.console,
		Logs:           s.cfg.Log,
		Tracking:       s.tracking,
		Abort:          s.abort,
		OnState:        s.tracker.SetState,
	})
	out, runErr := orch.Run(ctx, tasks)
	if out == nil {
		return runErr
	}
	bg := context.WithoutCancel(ctx)
	for _, r := range out.Results {
		e := base
		e.Identity = r.Identity
		e.RunID = r.RunID
		e.ExitCode = r.ExitCode
		e.DurationMS = out.Duration.Milliseconds()
		status, _ := reconcile.Status(r)
		s.record(bg, e, history.EventRowFinished, status)
	}
	metrics.ObserveWorkloadDuration(out.Duration.Seconds())

	if errors.Is(runErr, orchestrator.ErrInterrupted) {
		e := base
		e.DurationMS = out.Duration.Milliseconds()
		outcome = OutcomeInterrupted
		s.record(bg, e, history.EventWorkloadInterrupted, outcome)
		metrics.IncWorkload(outcome)
		slog.Warn("Workload interrupted, results not persisted", "workload", w.Key)
		return runErr
	}
	if runErr != nil {
		return runErr
	}

	if err := reconcile.Commit(s.table, out.Results); err != nil {
		return fmt.Errorf("workload %s: %w", w.Key, err)
	}
	outcome = OutcomeCompleted
	if out.TimedOut {
		outcome = OutcomeTimeout
	}
	e := base
	e.DurationMS = out.Duration.Milliseconds()
	s.record(bg, e, history.EventWorkloadFinished, outcome)
	metrics.IncWorkload(outcome)
	slog.Info("Workload finished", "workload", w.Key, "outcome", outcome, "duration", out.Duration.Round(time.Millisecond))
	return nil
}

// tasks builds the launch description of every row.
func (s *Session) tasks(w *table.Workload, ids []string, as []partition.Assignment, monitoring bool) ([]orchestrator.Task, error) {
	out := make([]orchestrator.Task, len(w.Rows))
	for i, row := range w.Rows {
		file, err := filepath.Abs(row.File)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row.ID, err)
		}
		dir, name := filepath.Split(file)
		dir = filepath.Clean(dir)

		l := SplitListeners(row.Listeners, row.Experiment, row.Workload, ids[i], monitoring)
		desc, err := NewDescriptor(DescriptorSpec{
			Project:      s.cfg.ProjectName,
			Conda:        s.cfg.UseConda,
			EntryCommand: s.cfg.EntryCommand,
			Prefix:       l.Prefix,
			Listeners:    l.Joined(),
			File:         name,
			Params:       row.Params,
		}).Marshal()
		if err != nil {
			return nil, err
		}
		vars := env.Row{
			Experiment: row.Experiment,
			Visible:    as[i].VisibleDevices(),
			Group:      as[i].Group,
			Devices:    row.Devices,
			MaxEpoch:   s.cfg.MaxEpoch,
			MaxTime:    s.cfg.MaxDuration(),
			Manual:     s.cfg.Manual,
			Listeners:  l.Flags,
		}.Vars()
		out[i] = orchestrator.Task{
			Row:      row,
			Identity: ids[i],
			Dir:      dir,
			Argv: LaunchSpec{
				Launcher:  s.cfg.Launcher,
				Dir:       dir,
				Conda:     s.cfg.UseConda,
				Identity:  ids[i],
				Workload:  row.Workload,
				Listeners: l.Joined(),
				File:      name,
				Prefix:    l.Prefix,
			}.Argv(),
			Env:              s.env.Merge(vars),
			Descriptor:       desc,
			WorkloadListener: l.Prefix,
		}
	}
	return out, nil
}

// prepare runs before each row's partitions are created.
func (s *Session) prepare(ctx context.Context) {
	s.mps.Stop(ctx)
	if !s.cfg.DropCaches {
		return
	}
	_, err := s.runner.Run(ctx, command.Invocation{
		Name: "sudo",
		Args: []string{"-n", "sh", "-c", "echo 3 > /proc/sys/vm/drop_caches"},
	})
	if err != nil && !s.cacheWarned {
		s.cacheWarned = true
		slog.Warn("Cannot drop page cache", "error", err)
	}
}

func (s *Session) teardown(ctx context.Context) {
	s.mps.Stop(ctx)
	s.resolver.Release(ctx)
}

func (s *Session) record(ctx context.Context, e history.Event, t history.EventType, status string) {
	e.Type = t
	e.Status = status
	s.history.Record(ctx, e)
}
