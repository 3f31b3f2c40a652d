// Package partition maps logical device strings and collocation
// modes to the concrete hardware identifiers exposed to each run, and owns
// the exclusive partitions and monitoring groups created for a workload.
package partition

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/loykin/syncbench/internal/command"
	"github.com/loykin/syncbench/internal/metrics"
	"github.com/loykin/syncbench/internal/table"
)

// Tools names the external binaries used by the resolver.
type Tools struct {
	SMI   string
	DCGMI string
}

// Assignment is the resolved hardware of one row.
type Assignment struct {
	Devices     []string // logical device indices from the row
	Visible     []string // identifiers exposed to the process
	Entities    []string // monitoring entities the row is grouped by
	Group       string   // monitoring group id; empty when unsupported
	Partitioned bool     // whether sub-instances were created for the row
}

// VisibleDevices renders Visible the way device-selection variables expect.
func (a Assignment) VisibleDevices() string { return strings.Join(a.Visible, ",") }

// Resolver is used by the scheduling coordinator only and is not safe for
// concurrent use.
type Resolver struct {
	runner    command.Runner
	tools     Tools
	allocator Allocator
	groups    *Groups

	uuids      map[string]string
	discovered bool
}

func NewResolver(runner command.Runner, tools Tools) *Resolver {
	if tools.SMI == "" {
		tools.SMI = "nvidia-smi"
	}
	if tools.DCGMI == "" {
		tools.DCGMI = "dcgmi"
	}
	return &Resolver{
		runner:    runner,
		tools:     tools,
		allocator: &MIG{Runner: runner, SMI: tools.SMI},
		groups:    &Groups{Runner: runner, DCGMI: tools.DCGMI, Prefix: "syncbench"},
	}
}

// ParseDevices splits a "+"-joined device string into its distinct
// logical indices, keeping their order.
func ParseDevices(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, d := range strings.Split(s, "+") {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// IsPartitionProfile reports whether a collocation value names a partition
// profile rather than none or shared-context mode.
func IsPartitionProfile(collocation string) bool {
	c := table.NormalizeCollocation(collocation)
	return c != "" && !strings.EqualFold(c, "mps")
}

// Discover builds the index to UUID lookup of installed devices. It runs
// once per session; later calls are no-ops.
func (r *Resolver) Discover(ctx context.Context) {
	if r.discovered {
		return
	}
	r.discovered = true
	r.uuids = map[string]string{}
	lines, err := r.runner.Run(ctx, command.Invocation{Name: r.tools.SMI, Args: []string{"-L"}})
	if err != nil {
		degrade(r.tools.SMI, "Device listing unavailable, using logical indices", err)
		return
	}
	r.uuids = ParseDeviceList(lines)
	slog.Info("Discovered devices", "count", len(r.uuids))
}

// UUID returns the hardware identifier of a logical index, or the index
// itself when it is unknown.
func (r *Resolver) UUID(index string) string {
	if u, ok := r.uuids[index]; ok {
		return u
	}
	return index
}

// Reset destroys partitions left over from earlier workloads.
func (r *Resolver) Reset(ctx context.Context) {
	if err := r.allocator.ReleaseAll(ctx); err != nil && !errors.Is(err, command.ErrToolMissing) {
		slog.Warn("Partition reset failed", "error", err)
	}
}

// Resolve computes the assignment of every row. prepare runs before each
// row's partitions are created. Failures to partition degrade that row to
// its unpartitioned devices and never fail the workload.
func (r *Resolver) Resolve(ctx context.Context, rows []*table.Row, prepare func(*table.Row)) []Assignment {
	out := make([]Assignment, len(rows))
	claimed := make(map[string]int)
	for i, row := range rows {
		devices := ParseDevices(row.Devices)
		a := Assignment{Devices: devices, Visible: devices, Entities: devices}
		if prepare != nil {
			prepare(row)
		}
		if IsPartitionProfile(row.Collocation) {
			if p, ok := r.partition(ctx, i, row, devices, claimed); ok {
				a = p
			}
		}
		a.Visible = r.translate(a.Visible)
		out[i] = a
	}
	return out
}

func (r *Resolver) partition(ctx context.Context, idx int, row *table.Row, devices []string, claimed map[string]int) (Assignment, bool) {
	profile := table.NormalizeCollocation(row.Collocation)
	a := Assignment{Devices: devices, Partitioned: true}
	for _, d := range devices {
		alloc, err := r.allocator.Allocate(ctx, d, profile)
		if err != nil {
			degrade(r.tools.SMI, "Partitioning unavailable, running row unpartitioned", err,
				"row", row.ID, "device", d, "profile", profile)
			return Assignment{}, false
		}
		slog.Info("Partition allocated", "row", row.ID, "device", d, "profile", profile,
			"instance", alloc.InstanceID, "partitions", len(alloc.UUIDs))
		for _, u := range alloc.UUIDs {
			if owner, taken := claimed[u]; taken && owner != idx {
				slog.Warn("Partition already assigned to another row, skipping", "uuid", u, "row", row.ID)
				continue
			}
			claimed[u] = idx
			a.Visible = append(a.Visible, u)
		}
		if alloc.EntityID != "" {
			a.Entities = append(a.Entities, alloc.EntityID)
		} else {
			a.Entities = append(a.Entities, d)
		}
	}
	if len(a.Visible) == 0 {
		return Assignment{}, false
	}
	sort.Strings(a.Visible)
	return a, true
}

func (r *Resolver) translate(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.UUID(id))
	}
	return out
}

// Group creates monitoring groups for the assignments, filling in Group. It
// reports false, leaving every Group empty, when grouping is unavailable.
func (r *Resolver) Group(ctx context.Context, as []Assignment) bool {
	err := r.groups.Clear(ctx)
	var ids []string
	if err == nil {
		sets := make([][]string, len(as))
		for i, a := range as {
			sets[i] = a.Entities
		}
		ids, err = r.groups.Build(ctx, sets)
	}
	if err != nil {
		degrade(r.tools.DCGMI, "Monitoring groups unavailable, continuing without them", err)
		r.groups.Release(ctx)
		for i := range as {
			as[i].Group = ""
		}
		return false
	}
	for i := range as {
		as[i].Group = ids[i]
	}
	return true
}

// Release tears down the monitoring groups and partitions of the workload.
func (r *Resolver) Release(ctx context.Context) {
	r.groups.Release(ctx)
	r.Reset(ctx)
}

func degrade(tool, msg string, err error, kv ...any) {
	metrics.IncDegraded(tool)
	args := append([]any{"tool", tool, "error", err}, kv...)
	if errors.Is(err, command.ErrToolMissing) {
		slog.Warn(msg+" (tool not found)", args...)
		return
	}
	slog.Warn(msg, args...)
}
