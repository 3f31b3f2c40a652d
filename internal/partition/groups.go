package partition

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/loykin/syncbench/internal/command"
)

// Groups manages monitoring groups through dcgmi.
type Groups struct {
	Runner command.Runner
	DCGMI  string
	Prefix string

	created []int
}

// Clear deletes every non-reserved group left behind by previous sessions.
func (g *Groups) Clear(ctx context.Context) error {
	lines, err := g.Runner.Run(ctx, command.Invocation{Name: g.DCGMI, Args: []string{"group", "-l"}})
	if err != nil {
		return err
	}
	for _, id := range ParseGroupIDs(lines) {
		if Reserved(id) {
			continue
		}
		if err := g.delete(ctx, id); err != nil {
			return err
		}
	}
	g.created = nil
	return nil
}

func (g *Groups) delete(ctx context.Context, id int) error {
	lines, err := g.Runner.Run(ctx, command.Invocation{Name: g.DCGMI, Args: []string{"group", "-d", strconv.Itoa(id)}})
	if err != nil {
		return err
	}
	if err := CheckGroupResponse(lines); err != nil {
		return fmt.Errorf("delete group %d: %w", id, err)
	}
	return nil
}

// Build creates one group per distinct entity set and returns the group id
// of each input set, in input order.
func (g *Groups) Build(ctx context.Context, sets [][]string) ([]string, error) {
	keys := make([]string, len(sets))
	distinct := make(map[string][]string)
	for i, s := range sets {
		keys[i] = setKey(s)
		distinct[keys[i]] = s
	}
	order := make([]string, 0, len(distinct))
	for k := range distinct {
		order = append(order, k)
	}
	sort.Strings(order)

	ids := make(map[string]int, len(order))
	for i, k := range order {
		name := fmt.Sprintf("%s_%d", g.Prefix, i)
		lines, err := g.Runner.Run(ctx, command.Invocation{Name: g.DCGMI, Args: []string{"group", "-c", name}})
		if err != nil {
			return nil, err
		}
		id, err := ParseCreatedGroup(lines)
		if err != nil {
			return nil, fmt.Errorf("create group %s: %w", name, err)
		}
		g.created = append(g.created, id)
		lines, err = g.Runner.Run(ctx, command.Invocation{
			Name: g.DCGMI,
			Args: []string{"group", "-g", strconv.Itoa(id), "-a", k},
		})
		if err != nil {
			return nil, err
		}
		if err := CheckGroupResponse(lines); err != nil {
			return nil, fmt.Errorf("add %s to group %d: %w", k, id, err)
		}
		ids[k] = id
	}
	out := make([]string, len(sets))
	for i, k := range keys {
		out[i] = strconv.Itoa(ids[k])
	}
	return out, nil
}

// Release deletes the groups created by Build. Errors are ignored.
func (g *Groups) Release(ctx context.Context) {
	for _, id := range g.created {
		if Reserved(id) {
			continue
		}
		_ = g.delete(ctx, id)
	}
	g.created = nil
}

func setKey(s []string) string {
	c := append([]string(nil), s...)
	sort.Strings(c)
	return strings.Join(c, ",")
}
