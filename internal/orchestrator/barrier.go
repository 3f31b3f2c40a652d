package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/loykin/syncbench/internal/tracking"
)

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// removeStale deletes descriptors left behind by earlier sessions so that a
// stale file cannot be mistaken for one that has not been consumed yet.
func (w *workload) removeStale() {
	for _, h := range w.handles {
		p := w.descriptorPath(h.task)
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Cannot remove stale descriptor", "path", p, "error", err)
		}
	}
}

// launch spawns the rows one at a time. Each row must consume its descriptor
// and report its run id before the next one is spawned, since rows may share
// a working directory. Every spawned row blocks on its lock file until
// release.
func (w *workload) launch(ctx context.Context) error {
	w.removeStale()
	for _, h := range w.handles {
		if err := w.spawn(h); err != nil {
			h.spawnErr = err
			h.failed = true
			w.setState(h, StateNotStarted)
			slog.Error("Failed to launch row", "identity", h.task.Identity, "error", err)
			continue
		}
		w.setState(h, StateLaunched)
		if err := w.sleep(ctx, w.opts.LaunchSettle); err != nil {
			return err
		}
		if err := w.awaitReady(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

func (w *workload) spawn(h *handle) error {
	t := h.task
	if len(t.Argv) == 0 {
		return errors.New("empty command")
	}
	w.opts.Console.Run(h.colour, t.Identity, fmt.Sprintf("context: %s-%d-%s-%v-%s", rowID(t), h.colour, t.Identity, t.Argv, t.Dir))
	lock := w.lockPath(t)
	if err := os.WriteFile(lock, nil, 0o600); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	desc := w.descriptorPath(t)
	if err := os.WriteFile(desc, t.Descriptor, 0o600); err != nil {
		return fmt.Errorf("write descriptor: %w", err)
	}
	w.written[desc] = true
	h.rowLog = w.opts.Logs.RowWriter(w.opts.Experiment, w.opts.Workload, t.Identity)
	return h.start(w.wake)
}

func rowID(t *Task) string {
	if t.Row == nil {
		return "-"
	}
	return strconv.Itoa(t.Row.ID)
}

// sleep waits for d while still forwarding output.
func (w *workload) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		w.pump()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.deadline:
			return errDeadline
		case <-t.C:
			return nil
		case <-w.wake:
		}
	}
}

// awaitReady blocks until h has consumed its descriptor and printed its run
// id, or has exited without doing so.
func (w *workload) awaitReady(ctx context.Context, h *handle) error {
	desc := w.descriptorPath(h.task)
	for {
		w.pump()
		if h.runID != "" && !exists(desc) {
			h.ready = true
			w.setState(h, StateBarrierWait)
			return nil
		}
		if h.hasExited() {
			h.settle(w.opts.Quiescence)
			w.pump()
			if h.runID != "" && !exists(desc) {
				h.ready = true
				w.setState(h, StateBarrierWait)
				return nil
			}
			h.failed = true
			w.setState(h, StateNotStarted)
			slog.Warn("Row exited before reaching the barrier",
				"identity", h.task.Identity, "exit_code", h.exitCode, "run_id", h.runID)
			return nil
		}
		if err := w.wait(ctx); err != nil {
			return err
		}
	}
}

// group names every run after its workload and identity and attaches all
// runs to the first one, so the tracking UI shows the workload as a unit.
func (w *workload) group(ctx context.Context) {
	parent := ""
	for _, h := range w.handles {
		if h.runID == "" {
			continue
		}
		run, err := w.opts.Tracking.GetRun(ctx, h.runID)
		if err != nil {
			logTracking("Cannot fetch run for grouping", h, err)
			continue
		}
		wl := run.Params["workload"]
		if wl == "" {
			wl = strconv.Itoa(w.opts.Workload)
		}
		name := fmt.Sprintf("(%s %s) %s", wl, h.task.Identity, run.Name)
		if err := w.opts.Tracking.SetTag(ctx, h.runID, tracking.TagRunName, name); err != nil {
			logTracking("Cannot rename run", h, err)
		}
		switch {
		case parent == "":
			parent = h.runID
		case parent != h.runID:
			if err := w.opts.Tracking.SetTag(ctx, h.runID, tracking.TagParentRunID, parent); err != nil {
				logTracking("Cannot set parent run", h, err)
			}
		}
	}
}

func logTracking(msg string, h *handle, err error) {
	if errors.Is(err, tracking.ErrUnavailable) {
		slog.Debug(msg, "identity", h.task.Identity, "error", err)
		return
	}
	slog.Warn(msg, "identity", h.task.Identity, "run_id", h.runID, "error", err)
}

// release lifts the barrier for every row at once by deleting all lock files.
func (w *workload) release() {
	running := 0
	for _, h := range w.handles {
		p := w.lockPath(h.task)
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Cannot remove lock file", "path", p, "error", err)
		}
	}
	w.released = true
	for _, h := range w.handles {
		if h.ready {
			w.setState(h, StateRunning)
			running++
		}
	}
	slog.Info("Barrier released", "rows", len(w.handles), "running", running)
	w.opts.Console.System("Barrier released for %d rows", running)
}
