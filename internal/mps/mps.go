// Package mps manages the shared-context (multi-process service) control
// daemon that lets collocated rows share one physical device.
package mps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/loykin/syncbench/internal/command"
	"github.com/loykin/syncbench/internal/table"
)

// ErrConflict is a configuration error: shared-context mode was requested on
// more than one device group in the same workload.
var ErrConflict = errors.New("shared-context mode requested on multiple device groups")

// Mode is the collocation value that selects shared-context execution.
const Mode = "mps"

// Requested reports whether a row asks for shared-context mode.
func Requested(r *table.Row) bool {
	return strings.EqualFold(table.NormalizeCollocation(r.Collocation), Mode)
}

// Manager starts and stops the control daemon. It remembers the device
// group it started the daemon for, so repeated starts for the same group
// are no-ops and a start for a different group is rejected.
type Manager struct {
	Runner  command.Runner
	Control string // control binary, nvidia-cuda-mps-control by default

	active string
}

func New(runner command.Runner, control string) *Manager {
	if control == "" {
		control = "nvidia-cuda-mps-control"
	}
	return &Manager{Runner: runner, Control: control}
}

// Start launches the daemon restricted to the given hardware identifiers.
func (m *Manager) Start(ctx context.Context, group string, visible []string) error {
	if m.active == group {
		return nil
	}
	if m.active != "" {
		return fmt.Errorf("%w: active on %q, requested %q", ErrConflict, m.active, group)
	}
	lines, err := m.Runner.Run(ctx, command.Invocation{
		Name: m.Control,
		Args: []string{"-d"},
		Env:  map[string]string{"CUDA_VISIBLE_DEVICES": strings.Join(visible, ",")},
	})
	if err != nil {
		return fmt.Errorf("start %s: %w", m.Control, err)
	}
	if strings.Contains(command.Joined(lines), "is already running") {
		return fmt.Errorf("%w: %s", ErrConflict, strings.Join(lines, " "))
	}
	m.active = group
	slog.Info("Shared-context mode enabled", "devices", group)
	return nil
}

// StartFor starts the daemon for every distinct device group of rows that
// request shared-context mode. uuid translates logical indices to the
// identifiers the daemon is restricted to. Nothing is started when the
// request is contradictory.
func (m *Manager) StartFor(ctx context.Context, rows []*table.Row, uuid func(string) string) error {
	var groups []string
	seen := make(map[string]bool)
	for _, r := range rows {
		if !Requested(r) {
			continue
		}
		g := strings.TrimSpace(r.Devices)
		if !seen[g] {
			seen[g] = true
			groups = append(groups, g)
		}
	}
	sort.Strings(groups)
	if len(groups) > 1 || (len(groups) == 1 && m.active != "" && m.active != groups[0]) {
		return fmt.Errorf("%w: %v", ErrConflict, groups)
	}
	for _, g := range groups {
		var visible []string
		for _, d := range strings.Split(g, "+") {
			if d = strings.TrimSpace(d); d != "" {
				visible = append(visible, uuid(d))
			}
		}
		if err := m.Start(ctx, g, visible); err != nil {
			return err
		}
	}
	return nil
}

// Stop asks the daemon to quit. It is best-effort: a missing binary or an
// absent daemon is ignored.
func (m *Manager) Stop(ctx context.Context) {
	_, err := m.Runner.Run(ctx, command.Invocation{Name: m.Control, Stdin: "quit\n"})
	if err != nil && !errors.Is(err, command.ErrToolMissing) {
		slog.Debug("Shared-context stop failed", "error", err)
	}
	m.active = ""
}
