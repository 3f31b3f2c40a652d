// Package orchestrator launches the processes of one workload, holds them at
// a shared start barrier, monitors them to completion and reports what it
// observed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/loykin/syncbench/internal/logger"
	"github.com/loykin/syncbench/internal/metrics"
	"github.com/loykin/syncbench/internal/table"
	"github.com/loykin/syncbench/internal/tracking"
)

// ErrInterrupted is returned when the workload was cancelled by the user.
var ErrInterrupted = errors.New("workload interrupted")

var errDeadline = errors.New("workload deadline exceeded")

type State string

const (
	StatePending     State = "PENDING"
	StateLaunched    State = "LAUNCHED"
	StateBarrierWait State = "BARRIER_WAIT"
	StateRunning     State = "RUNNING"
	StateDone        State = "DONE"
	StateNotStarted  State = "FAILED_TO_START"
	StateTimeout     State = "TIMEOUT"
	StateInterrupted State = "INTERRUPTED"
)

// Task is everything needed to launch one row.
type Task struct {
	Row      *table.Row
	Identity string
	// Dir is the working directory holding the lock and descriptor files.
	Dir        string
	Argv       []string
	Env        []string
	Descriptor []byte
	// WorkloadListener is the command prefix wrapping the workload, if any.
	WorkloadListener string
}

// Result is the observed end state of one row.
type Result struct {
	Row           *table.Row
	Identity      string
	RunID         string
	ExitCode      int
	Exited        bool
	FailedToStart bool
	TimedOut      bool
	Interrupted   bool
	// Run is the tracking service's view of the run, nil when unavailable.
	Run *tracking.Run
	Err error
}

type Outcome struct {
	Results     []Result
	TimedOut    bool
	Interrupted bool
	BarrierWait time.Duration
	Duration    time.Duration
}

type Options struct {
	LockFile       string
	DescriptorFile string
	Tick           time.Duration
	Quiescence     time.Duration
	LaunchSettle   time.Duration
	// Budget bounds the whole workload, launch included.
	Budget time.Duration

	Experiment int
	Workload   int

	Console  *logger.Console
	Logs     logger.Config
	Tracking tracking.Client
	// Abort is closed on a second interrupt to cut cancellation draining short.
	Abort <-chan struct{}
	// OnState is called from the coordinating goroutine on every row state change.
	OnState func(identity string, s State)
}

type Orchestrator struct {
	opts Options
}

func New(opts Options) *Orchestrator {
	if opts.LockFile == "" {
		opts.LockFile = "radtlock"
	}
	if opts.DescriptorFile == "" {
		opts.DescriptorFile = "MLproject"
	}
	if opts.Tick <= 0 {
		opts.Tick = 2 * time.Second
	}
	if opts.Quiescence <= 0 {
		opts.Quiescence = time.Second
	}
	if opts.Budget <= 0 {
		opts.Budget = 48*time.Hour + time.Minute
	}
	if opts.Tracking == nil {
		opts.Tracking = tracking.Nop{}
	}
	return &Orchestrator{opts: opts}
}

// workload is the coordinator state of a single Run call.
type workload struct {
	opts     Options
	handles  []*handle
	wake     chan struct{}
	ticker   *time.Ticker
	watcher  *fsnotify.Watcher
	combined []string
	comboLog io.WriteCloser
	written  map[string]bool // descriptor paths created by us
	released bool
	start    time.Time
	deadline <-chan time.Time
}

// Run executes the tasks as one synchronized workload. On cancellation of
// ctx it drains output, finalizes and returns ErrInterrupted together with
// the outcome. Processes are never killed.
func (o *Orchestrator) Run(ctx context.Context, tasks []Task) (*Outcome, error) {
	w := &workload{
		opts:    o.opts,
		wake:    make(chan struct{}, 1),
		ticker:  time.NewTicker(o.opts.Tick),
		written: make(map[string]bool),
		start:   time.Now(),
	}
	for i := range tasks {
		w.handles = append(w.handles, newHandle(&tasks[i], logger.Colour(i)))
	}
	timer := time.NewTimer(o.opts.Budget)
	defer timer.Stop()
	w.deadline = timer.C
	w.comboLog = o.opts.Logs.WorkloadWriter(o.opts.Experiment, o.opts.Workload)
	w.watch()
	defer w.dispose()

	out := &Outcome{}
	err := w.launch(ctx)
	if err == nil {
		w.group(ctx)
		w.release()
		out.BarrierWait = time.Since(w.start)
		metrics.ObserveBarrierWait(out.BarrierWait.Seconds())
		err = w.monitor(ctx)
	}
	switch {
	case err == nil:
	case errors.Is(err, errDeadline):
		out.TimedOut = true
		w.opts.Console.System("Workload time budget exceeded, abandoning remaining processes")
		slog.Warn("Workload deadline exceeded", "experiment", w.opts.Experiment, "workload", w.opts.Workload)
	default:
		out.Interrupted = true
		w.interrupt()
	}
	out.Results = w.finalize(context.WithoutCancel(ctx), out.TimedOut, out.Interrupted)
	out.Duration = time.Since(w.start)
	if out.Interrupted {
		return out, ErrInterrupted
	}
	return out, nil
}

func (w *workload) setState(h *handle, s State) {
	if h.state == s {
		return
	}
	h.state = s
	slog.Debug("Row state", "identity", h.task.Identity, "state", s)
	if w.opts.OnState != nil {
		w.opts.OnState(h.task.Identity, s)
	}
}

func (w *workload) lockPath(t *Task) string       { return filepath.Join(t.Dir, w.opts.LockFile) }
func (w *workload) descriptorPath(t *Task) string { return filepath.Join(t.Dir, w.opts.DescriptorFile) }

// watch subscribes to the working directories so descriptor removal wakes the
// coordinator before the next tick. Without a watcher the tick alone is used.
func (w *workload) watch() {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("File watcher unavailable", "error", err)
		return
	}
	seen := make(map[string]bool)
	for _, h := range w.handles {
		if seen[h.task.Dir] {
			continue
		}
		seen[h.task.Dir] = true
		if err := fw.Add(h.task.Dir); err != nil {
			slog.Debug("Cannot watch directory", "dir", h.task.Dir, "error", err)
		}
	}
	w.watcher = fw
}

// wait blocks until something may have changed: new output, a process exit,
// a descriptor removal, or the next tick.
func (w *workload) wait(ctx context.Context) error {
	var events chan fsnotify.Event
	var errs chan error
	if w.watcher != nil {
		events, errs = w.watcher.Events, w.watcher.Errors
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.deadline:
		return errDeadline
	case <-w.wake:
	case <-w.ticker.C:
	case ev := <-events:
		if filepath.Base(ev.Name) != w.opts.DescriptorFile {
			return nil
		}
	case err := <-errs:
		slog.Debug("File watcher error", "error", err)
	}
	return nil
}

// pump forwards all queued output of every row.
func (w *workload) pump() {
	for _, h := range w.handles {
		w.pumpOne(h)
	}
}

func (w *workload) pumpOne(h *handle) int {
	lines := h.queue.drain()
	for _, l := range lines {
		h.log = append(h.log, l)
		combined := logger.RunLine(h.task.Identity, l)
		w.combined = append(w.combined, combined)
		w.opts.Console.Run(h.colour, h.task.Identity, l)
		if h.rowLog != nil {
			_, _ = io.WriteString(h.rowLog, l+"\n")
		}
		if w.comboLog != nil {
			_, _ = io.WriteString(w.comboLog, combined+"\n")
		}
		if h.runID != "" {
			continue
		}
		if id, ok := ParseRunID(l); ok {
			h.runID = id
			w.opts.Console.Run(h.colour, h.task.Identity, "MAPPED TO "+id)
		}
	}
	return len(lines)
}

// dispose releases every resource held for the workload. Readers of exited
// processes are given the quiescence window to reach end of output; readers
// of abandoned processes keep draining their pipe into nothing.
func (w *workload) dispose() {
	w.ticker.Stop()
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	for p := range w.written {
		if err := os.Remove(p); err == nil {
			slog.Debug("Removed leftover descriptor", "path", p)
		}
	}
	w.removeIdleLocks()
	for _, h := range w.handles {
		if h.cmd != nil {
			if h.hasExited() {
				h.settle(w.opts.Quiescence)
				_ = h.pipe.Close()
			} else {
				h.queue.detach()
			}
		}
		if h.rowLog != nil {
			_ = h.rowLog.Close()
		}
	}
	if w.comboLog != nil {
		_ = w.comboLog.Close()
	}
	metrics.SetRunning(0)
}

// removeIdleLocks deletes the lock files of an unreleased barrier that no
// live process waits on. Live rows stay parked.
func (w *workload) removeIdleLocks() {
	if w.released {
		return
	}
	parked := make(map[string]bool)
	for _, h := range w.handles {
		if h.cmd != nil && !h.hasExited() {
			parked[w.lockPath(h.task)] = true
		}
	}
	for _, h := range w.handles {
		p := w.lockPath(h.task)
		if parked[p] {
			continue
		}
		if err := os.Remove(p); err == nil {
			slog.Debug("Removed idle lock file", "path", p)
		}
	}
	if len(parked) > 0 {
		slog.Warn("Barrier never released, leaving waiting rows parked", "locks", len(parked))
	}
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func (r Result) String() string {
	return fmt.Sprintf("%s run=%s exit=%d exited=%t timeout=%t", r.Identity, r.RunID, r.ExitCode, r.Exited, r.TimedOut)
}
