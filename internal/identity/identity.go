// Package identity assigns each row of a workload its display and
// synchronisation key.
package identity

import (
	"strings"

	"github.com/loykin/syncbench/internal/table"
)

// Ordinal returns the n-th (1-based) label of the sequence A..Z, AA, AB, ...
func Ordinal(n int) string {
	if n <= 0 {
		return ""
	}
	var b []byte
	for n > 0 {
		n--
		b = append([]byte{byte('A' + n%26)}, b...)
		n /= 26
	}
	return string(b)
}

// Assign computes the identity of every row, returned in row order.
//
// Rows are grouped by their raw Devices value. A row in a group of one is
// identified by its Devices value alone; otherwise the row's ordinal within
// its group is appended ("0_A", "0_B"). A collocation mode other than none
// is appended as a further suffix ("0_A_mps").
func Assign(rows []*table.Row) []string {
	ordinal := make([]int, len(rows))
	count := make(map[string]int)
	for i, r := range rows {
		count[r.Devices]++
		ordinal[i] = count[r.Devices]
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		id := r.Devices
		if count[r.Devices] > 1 {
			id += "_" + Ordinal(ordinal[i])
		}
		if c := table.NormalizeCollocation(r.Collocation); c != "" {
			id += "_" + c
		}
		out[i] = id
	}
	return out
}

// Valid reports whether every identity is distinct.
func Valid(ids []string) bool {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return false
		}
		seen[id] = struct{}{}
	}
	return true
}

// FileSafe maps an identity to a string usable in file names.
func FileSafe(id string) string {
	return strings.NewReplacer("/", "-", "\\", "-", " ", "-", "+", "-").Replace(id)
}
