package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loykin/syncbench/internal/tracking"
)

// finalize builds the per-row results and pushes logs and artifacts of every
// row with a captured run id to the tracking service.
func (w *workload) finalize(ctx context.Context, timedOut, interrupted bool) []Result {
	w.opts.Console.System("Sending logs to server.")
	combined := joinLines(w.combined)
	results := make([]Result, 0, len(w.handles))
	for _, h := range w.handles {
		r := Result{
			Row:           h.task.Row,
			Identity:      h.task.Identity,
			RunID:         h.runID,
			ExitCode:      -1,
			FailedToStart: h.failed,
			Err:           h.spawnErr,
		}
		if h.cmd != nil && h.hasExited() {
			r.Exited = true
			r.ExitCode = h.exitCode
		}
		switch {
		case r.Exited || h.failed:
		case interrupted:
			r.Interrupted = true
			w.setState(h, StateInterrupted)
		case timedOut:
			r.TimedOut = true
			w.setState(h, StateTimeout)
		}
		if h.runID != "" {
			r.Run = w.upload(ctx, h, combined)
		}
		results = append(results, r)
	}
	return results
}

func (w *workload) upload(ctx context.Context, h *handle, combined string) *tracking.Run {
	c := w.opts.Tracking
	run, err := c.GetRun(ctx, h.runID)
	if err != nil {
		logTracking("Cannot fetch run", h, err)
		return nil
	}
	if err := c.LogText(ctx, h.runID, joinLines(h.log), "log_"+h.runID+".txt"); err != nil {
		logTracking("Cannot upload row log", h, err)
	}
	if err := c.LogText(ctx, h.runID, combined, "log_workload.txt"); err != nil {
		logTracking("Cannot upload workload log", h, err)
	}
	prefix := ArtifactPrefix(h.task.WorkloadListener)
	if prefix == "" {
		return run
	}
	matches, err := filepath.Glob(filepath.Join(h.task.Dir, prefix+"*.*-rep"))
	if err != nil {
		slog.Warn("Invalid artifact pattern", "prefix", prefix, "error", err)
		return run
	}
	for _, m := range matches {
		if err := c.LogArtifact(ctx, h.runID, m); err != nil {
			logTracking("Cannot upload artifact", h, err)
			continue
		}
		if err := os.Remove(m); err != nil {
			slog.Warn("Cannot remove uploaded artifact", "path", m, "error", err)
		}
	}
	return run
}
