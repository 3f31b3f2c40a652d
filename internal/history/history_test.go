package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("down")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestRecorderStampsAndFansOut(t *testing.T) {
	a, b := &memSink{}, &memSink{fail: true}
	r := NewRecorder("sess-1", a, b)
	r.Record(context.Background(), Event{Type: EventWorkloadStarted, Experiment: 1, Workload: 2})

	require.Len(t, a.events, 1)
	e := a.events[0]
	assert.Equal(t, "sess-1", e.Session)
	assert.False(t, e.OccurredAt.IsZero())
	assert.Equal(t, EventWorkloadStarted, e.Type)

	require.NoError(t, r.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), Event{Type: EventRowFinished})
	assert.NoError(t, r.Close())
}
