package partition

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loykin/syncbench/internal/command"
)

// Allocation is the result of creating a partition on one physical device.
type Allocation struct {
	InstanceID string   // GPU instance id reported by the tool
	EntityID   string   // monitoring entity the instance is grouped by
	UUIDs      []string // sub-instance UUIDs created by this call
}

// Allocator creates and destroys exclusive hardware partitions.
type Allocator interface {
	Allocate(ctx context.Context, device, profile string) (Allocation, error)
	ReleaseAll(ctx context.Context) error
}

// MIG allocates multi-instance partitions through nvidia-smi.
type MIG struct {
	Runner command.Runner
	SMI    string
}

func (m *MIG) list(ctx context.Context) (map[string]string, error) {
	lines, err := m.Runner.Run(ctx, command.Invocation{Name: m.SMI, Args: []string{"-L"}})
	if err != nil {
		return nil, err
	}
	return ParsePartitionUUIDs(lines), nil
}

// Allocate creates a GPU instance with a default compute instance of the
// given profile on device. The tool reports global state only, so the UUIDs
// belonging to this call are found by diffing the listing before and after.
func (m *MIG) Allocate(ctx context.Context, device, profile string) (Allocation, error) {
	before, err := m.list(ctx)
	if err != nil {
		return Allocation{}, err
	}
	lines, err := m.Runner.Run(ctx, command.Invocation{
		Name: m.SMI,
		Args: []string{"mig", "-i", device, "-cgi", profile, "-C"},
	})
	if err != nil {
		return Allocation{}, err
	}
	if err := CheckAllocation(lines); err != nil {
		return Allocation{}, fmt.Errorf("device %s profile %s: %w", device, profile, err)
	}
	after, err := m.list(ctx)
	if err != nil {
		return Allocation{}, err
	}
	a := Allocation{UUIDs: Diff(before, after)}
	if ids := ParseInstanceIDs(lines); len(ids) > 0 {
		a.InstanceID = ids[0]
		a.EntityID = "i:" + ids[0]
	}
	if len(a.UUIDs) == 0 {
		return Allocation{}, fmt.Errorf("device %s profile %s: no new partition listed: %w", device, profile, ErrAllocationFailed)
	}
	return a, nil
}

// ReleaseAll destroys every compute instance and then every GPU instance.
// Both commands fail harmlessly when nothing is allocated.
func (m *MIG) ReleaseAll(ctx context.Context) error {
	for _, args := range [][]string{{"mig", "-dci"}, {"mig", "-dgi"}} {
		lines, err := m.Runner.Run(ctx, command.Invocation{Name: m.SMI, Args: args})
		if err != nil {
			return err
		}
		slog.Debug("Partition teardown", "args", args, "output", lines)
	}
	return nil
}
