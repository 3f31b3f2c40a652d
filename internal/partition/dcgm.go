package partition

import (
	"errors"
	"strconv"
	"strings"
)

// Parsing adapters for `dcgmi group` output.

// ErrGroupTool is returned when the monitoring grouping tool reports an error.
var ErrGroupTool = errors.New("monitoring group tool error")

// ParseGroupIDs extracts group ids from `dcgmi group -l`, where each group
// is listed as a table row like
//
//	| Group ID           | 2                                              |
func ParseGroupIDs(lines []string) []int {
	var out []int
	for _, l := range lines {
		if !strings.Contains(l, "Group ID") {
			continue
		}
		parts := strings.Split(l, "|")
		if len(parts) < 3 {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(parts[len(parts)-2]))
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// ParseCreatedGroup extracts the new group id from `dcgmi group -c <name>`:
//
//	Successfully created group "syncbench_0" with a group ID of 2
func ParseCreatedGroup(lines []string) (int, error) {
	if err := CheckGroupResponse(lines); err != nil {
		return 0, err
	}
	s := strings.ToLower(strings.Join(lines, "\n"))
	parts := strings.SplitN(s, "group id of ", 2)
	if len(parts) < 2 {
		return 0, ErrGroupTool
	}
	f := strings.Fields(parts[1])
	if len(f) == 0 {
		return 0, ErrGroupTool
	}
	id, err := strconv.Atoi(f[0])
	if err != nil {
		return 0, ErrGroupTool
	}
	return id, nil
}

// CheckGroupResponse fails when the response mentions "error".
func CheckGroupResponse(lines []string) error {
	if strings.Contains(strings.ToLower(strings.Join(lines, "\n")), "error") {
		return ErrGroupTool
	}
	return nil
}

// Reserved reports whether a group id belongs to the tool's built-in groups,
// which are never deleted.
func Reserved(id int) bool { return id == 0 || id == 1 }
