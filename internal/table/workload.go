package table

import "strings"

// Status markers written by the tracking service.
const (
	MarkerFinished = "FINISHED"
	MarkerFailed   = "FAILED"
)

// Workload is the set of rows sharing an (Experiment, Workload) pair, in
// table order.
type Workload struct {
	Key        string
	Experiment int
	Workload   int
	Rows       []*Row
}

// Workloads groups rows by workload key in order of first appearance.
func (t *Table) Workloads() []*Workload {
	var out []*Workload
	byKey := make(map[string]*Workload)
	for _, r := range t.Rows {
		k := r.WorkloadKey()
		w, ok := byKey[k]
		if !ok {
			w = &Workload{Key: k, Experiment: r.Experiment, Workload: r.Workload}
			byKey[k] = w
			out = append(out, w)
		}
		w.Rows = append(w.Rows, r)
	}
	return out
}

// RowDone reports whether a single row needs no further execution: it
// finished, or it failed and reruns were not requested.
func RowDone(status string, rerun bool) bool {
	s := strings.TrimSpace(status)
	return strings.Contains(s, MarkerFinished) || (strings.Contains(s, MarkerFailed) && !rerun)
}

// ShouldSkip reports whether the whole workload can be skipped. Either every
// row is done, or the entire workload runs again, including rows that
// already finished, so that collocated runs are always measured together.
func (w *Workload) ShouldSkip(rerun bool) bool {
	for _, r := range w.Rows {
		if !RowDone(r.Status, rerun) {
			return false
		}
	}
	return true
}
