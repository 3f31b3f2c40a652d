package scheduler

import (
	"sync"
	"time"

	"github.com/loykin/syncbench/internal/orchestrator"
	"github.com/loykin/syncbench/internal/table"
)

// RowStatus is the live view of one row of the current workload.
type RowStatus struct {
	Identity    string `json:"identity"`
	Devices     string `json:"devices"`
	Collocation string `json:"collocation"`
	State       string `json:"state"`
}

// Snapshot is a point-in-time view of a scheduling session.
type Snapshot struct {
	Session     string      `json:"session"`
	Started     time.Time   `json:"started"`
	Workload    string      `json:"workload,omitempty"`
	Total       int         `json:"total"`
	Completed   int         `json:"completed"`
	Skipped     int         `json:"skipped"`
	Aborted     int         `json:"aborted"`
	Interrupted int         `json:"interrupted"`
	Rows        []RowStatus `json:"rows"`
}

// Tracker records session progress. It is written by the coordinator and
// read concurrently by the status API.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

func NewTracker(session string, total int) *Tracker {
	return &Tracker{snap: Snapshot{Session: session, Started: time.Now(), Total: total}}
}

func (t *Tracker) Begin(key string, rows []*table.Row, ids []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Workload = key
	t.snap.Rows = make([]RowStatus, len(rows))
	for i, r := range rows {
		t.snap.Rows[i] = RowStatus{
			Identity:    ids[i],
			Devices:     r.Devices,
			Collocation: r.Collocation,
			State:       string(orchestrator.StatePending),
		}
	}
}

// SetState matches orchestrator.Options.OnState.
func (t *Tracker) SetState(identity string, s orchestrator.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.snap.Rows {
		if t.snap.Rows[i].Identity == identity {
			t.snap.Rows[i].State = string(s)
			return
		}
	}
}

// End counts the current workload under its outcome. Completed covers both
// finished and timed out workloads, since both are committed.
func (t *Tracker) End(outcome string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch outcome {
	case OutcomeCompleted, OutcomeTimeout:
		t.snap.Completed++
	case OutcomeInterrupted:
		t.snap.Interrupted++
	default:
		t.snap.Aborted++
	}
}

func (t *Tracker) Skip() {
	t.mu.Lock()
	t.snap.Skipped++
	t.mu.Unlock()
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.snap
	s.Rows = append([]RowStatus(nil), t.snap.Rows...)
	return s
}
