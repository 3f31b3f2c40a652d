package orchestrator

import "strings"

// sentinel precedes the run id in the line a workload process prints once it
// has registered with the tracking service.
const sentinel = "in run with ID '"

// ParseRunID extracts the run id from a sentinel line.
func ParseRunID(line string) (string, bool) {
	i := strings.LastIndex(line, sentinel)
	if i < 0 {
		return "", false
	}
	rest := line[i+len(sentinel):]
	if j := strings.IndexByte(rest, '\''); j >= 0 {
		rest = rest[:j]
	}
	id := strings.TrimSpace(rest)
	return id, id != ""
}

// ArtifactPrefix returns the output prefix a workload listener command writes
// its reports under (the token following "-o "), or "" if it has none.
func ArtifactPrefix(listener string) string {
	_, after, ok := strings.Cut(listener, "-o ")
	if !ok {
		return ""
	}
	f := strings.Fields(after)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}
