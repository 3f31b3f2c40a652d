// Package reconcile writes the observed outcome of a workload back into the
// workload table and persists it.
package reconcile

import (
	"fmt"
	"log/slog"

	"github.com/loykin/syncbench/internal/metrics"
	"github.com/loykin/syncbench/internal/orchestrator"
	"github.com/loykin/syncbench/internal/table"
)

// Local status words used when the tracking service cannot tell.
const (
	StatusFinished    = table.MarkerFinished
	StatusFailed      = table.MarkerFailed
	StatusTimeout     = "TIMEOUT"
	StatusInterrupted = "INTERRUPTED"
	StatusUntracked   = "UNTRACKED"
)

const unnamed = "-"

// Status decides the status word and run name recorded for a row.
func Status(r orchestrator.Result) (status, name string) {
	alive := !r.Exited && !r.FailedToStart
	local := func() string {
		switch {
		case alive && r.Interrupted:
			return StatusInterrupted
		case alive:
			return StatusTimeout
		case r.FailedToStart || r.ExitCode != 0:
			return StatusFailed
		case r.RunID == "":
			return StatusUntracked
		default:
			return StatusFinished
		}
	}
	if r.Run == nil {
		return local(), unnamed
	}
	name = r.Run.Name
	if name == "" {
		name = unnamed
	}
	if alive || r.Run.Status == "" {
		return local(), name
	}
	return r.Run.Status, name
}

// Compose renders "<status> <run name> (<identity>)".
func Compose(r orchestrator.Result) string {
	status, name := Status(r)
	return fmt.Sprintf("%s %s (%s)", status, name, r.Identity)
}

// Apply records every result on its row.
func Apply(results []orchestrator.Result) {
	for _, r := range results {
		if r.Row == nil {
			continue
		}
		status, _ := Status(r)
		r.Row.Run = r.RunID
		r.Row.Status = Compose(r)
		metrics.IncRow(status)
		slog.Info("Row reconciled", "identity", r.Identity, "run_id", r.RunID, "status", r.Row.Status)
	}
}

// Commit applies results and atomically rewrites the table file. In-memory
// tables are only updated.
func Commit(t *table.Table, results []orchestrator.Result) error {
	Apply(results)
	if !t.Persisted() {
		return nil
	}
	if err := t.Save(); err != nil {
		return fmt.Errorf("persist %s: %w", t.Path, err)
	}
	return nil
}
