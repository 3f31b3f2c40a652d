package partition

import (
	"errors"
	"sort"
	"strings"
)

// Parsing adapters for nvidia-smi output. They only look at the markers the
// tool has printed for years, so that the orchestration code never matches
// text directly.

// ParseDeviceList maps physical device indices to their UUIDs from the
// output of `nvidia-smi -L`:
//
//	GPU 0: NVIDIA A100-SXM4-40GB (UUID: GPU-5f1c...)
func ParseDeviceList(lines []string) map[string]string {
	out := make(map[string]string)
	for _, l := range lines {
		if !strings.Contains(l, "UUID: GPU") {
			continue
		}
		parts := strings.SplitN(l, "GPU", 2)
		if len(parts) < 2 {
			continue
		}
		idx := strings.TrimSpace(strings.SplitN(parts[1], ":", 2)[0])
		uuid := uuidAfterMarker(l)
		if idx == "" || uuid == "" {
			continue
		}
		out[idx] = uuid
	}
	return out
}

// ParsePartitionUUIDs returns the sub-instance UUIDs listed by
// `nvidia-smi -L`, keyed by UUID with the owning physical index as value:
//
//	GPU 0: NVIDIA A100 (UUID: GPU-...)
//	  MIG 1g.5gb      Device  0: (UUID: MIG-...)
func ParsePartitionUUIDs(lines []string) map[string]string {
	out := make(map[string]string)
	current := ""
	for _, l := range lines {
		if strings.Contains(l, "UUID: GPU") {
			parts := strings.SplitN(l, "GPU", 2)
			if len(parts) == 2 {
				current = strings.TrimSpace(strings.SplitN(parts[1], ":", 2)[0])
			}
			continue
		}
		if strings.Contains(l, "UUID: MIG") {
			if uuid := uuidAfterMarker(l); uuid != "" {
				out[uuid] = current
			}
		}
	}
	return out
}

func uuidAfterMarker(l string) string {
	parts := strings.SplitN(l, "UUID:", 2)
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(strings.SplitN(parts[1], ")", 2)[0])
}

// ErrAllocationFailed is returned when the partition tool reports a failure.
var ErrAllocationFailed = errors.New("partition allocation failed")

// CheckAllocation inspects the output of a partition create/destroy command.
// Success responses contain none of "failed", "unable" or "error",
// case-insensitively.
func CheckAllocation(lines []string) error {
	s := strings.ToLower(strings.Join(lines, "\n"))
	for _, marker := range []string{"failed", "unable", "error"} {
		if strings.Contains(s, marker) {
			return ErrAllocationFailed
		}
	}
	return nil
}

// ParseInstanceIDs returns the GPU instance ids reported by
// `nvidia-smi mig -cgi <profile> -C`:
//
//	Successfully created GPU instance ID  1 on GPU  0 using profile MIG 1g.5gb (ID 19)
func ParseInstanceIDs(lines []string) []string {
	const marker = "created GPU instance ID"
	var out []string
	for _, l := range lines {
		i := strings.Index(l, marker)
		if i < 0 {
			continue
		}
		f := strings.Fields(l[i+len(marker):])
		if len(f) > 0 {
			out = append(out, f[0])
		}
	}
	return out
}

// Diff returns the keys of after that are not present in before, sorted.
func Diff(before, after map[string]string) []string {
	var out []string
	for k := range after {
		if _, ok := before[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
