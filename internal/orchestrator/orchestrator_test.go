package orchestrator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/syncbench/internal/logger"
	"github.com/loykin/syncbench/internal/table"
	"github.com/loykin/syncbench/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// worker honours the launch protocol: consume the descriptor, announce the
// run id, wait for the lock to disappear, then run its body.
const worker = `
dir="$1"; id="$2"; code="$3"; body="$4"
touch "$dir/ready_$id"
rm -f "$dir/MLproject"
echo "=== Running in run with ID '$id' ==="
while [ -f "$dir/radtlock" ]; do sleep 0.02; done
[ -f "$dir/ready_a" ] && [ -f "$dir/ready_b" ] || echo "BARRIER BROKEN"
echo "body $id"
eval "$body"
exit "$code"
`

type fakeTracking struct {
	mu        sync.Mutex
	tags      map[string]map[string]string
	texts     map[string][]string
	artifacts []string
}

func newFakeTracking() *fakeTracking {
	return &fakeTracking{tags: map[string]map[string]string{}, texts: map[string][]string{}}
}

func (f *fakeTracking) GetRun(_ context.Context, id string) (*tracking.Run, error) {
	if id == "unknown" {
		return nil, tracking.ErrNotFound
	}
	return &tracking.Run{ID: id, Name: "name-" + id, Status: "FINISHED", Params: map[string]string{"workload": "7"}}, nil
}

func (f *fakeTracking) SetTag(_ context.Context, id, k, v string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tags[id] == nil {
		f.tags[id] = map[string]string{}
	}
	f.tags[id][k] = v
	return nil
}

func (f *fakeTracking) LogText(_ context.Context, id, text, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts[id] = append(f.texts[id], name+":"+text)
	return nil
}

func (f *fakeTracking) LogArtifact(_ context.Context, id, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts = append(f.artifacts, id+":"+filepath.Base(p))
	return nil
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func task(dir, id string, code string, body string) Task {
	return Task{
		Row:        &table.Row{Experiment: 1, Workload: 7},
		Identity:   id,
		Dir:        dir,
		Argv:       []string{"/bin/sh", "-c", worker, "sh", dir, id, code, body},
		Env:        os.Environ(),
		Descriptor: []byte("name: test\n"),
	}
}

type states struct {
	mu   sync.Mutex
	seen map[string][]State
}

func (s *states) record(id string, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = map[string][]State{}
	}
	s.seen[id] = append(s.seen[id], st)
}

func fastOptions(tr tracking.Client, console *bytes.Buffer) Options {
	return Options{
		Tick:       20 * time.Millisecond,
		Quiescence: 50 * time.Millisecond,
		Budget:     20 * time.Second,
		Experiment: 1,
		Workload:   7,
		Console:    logger.NewConsole(console, false),
		Tracking:   tr,
	}
}

func TestRunSynchronizesRows(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	tr := newFakeTracking()
	var console bytes.Buffer
	st := &states{}
	opts := fastOptions(tr, &console)
	opts.OnState = st.record

	out, err := New(opts).Run(context.Background(), []Task{
		task(dir, "a", "0", ""),
		task(dir, "b", "3", "sleep 0.1"),
	})
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	assert.False(t, out.TimedOut)
	assert.False(t, out.Interrupted)

	a, b := out.Results[0], out.Results[1]
	assert.Equal(t, "a", a.RunID)
	assert.Equal(t, "b", b.RunID)
	assert.True(t, a.Exited)
	assert.Equal(t, 0, a.ExitCode)
	assert.Equal(t, 3, b.ExitCode)
	assert.NotNil(t, a.Run)

	assert.NotContains(t, console.String(), "BARRIER BROKEN")
	assert.Contains(t, console.String(), "MAPPED TO a")
	assert.Contains(t, console.String(), "[RUN b]:")

	assert.Equal(t, "(7 a) name-a", tr.tags["a"][tracking.TagRunName])
	assert.Equal(t, "(7 b) name-b", tr.tags["b"][tracking.TagRunName])
	assert.Empty(t, tr.tags["a"][tracking.TagParentRunID])
	assert.Equal(t, "a", tr.tags["b"][tracking.TagParentRunID])

	require.Len(t, tr.texts["b"], 2)
	assert.True(t, strings.HasPrefix(tr.texts["b"][0], "log_b.txt:"))
	assert.Contains(t, tr.texts["b"][0], "body b")
	assert.NotContains(t, tr.texts["b"][0], "body a")
	assert.True(t, strings.HasPrefix(tr.texts["b"][1], "log_workload.txt:"))
	assert.Contains(t, tr.texts["b"][1], logger.RunLine("a", "body a"))

	assert.Equal(t, []State{StateLaunched, StateBarrierWait, StateRunning, StateDone}, st.seen["a"])
	assert.NoFileExists(t, filepath.Join(dir, "radtlock"))
	assert.NoFileExists(t, filepath.Join(dir, "MLproject"))
}

func TestRowExitingBeforeBarrierDoesNotHoldIt(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	var console bytes.Buffer
	early := Task{
		Row:        &table.Row{},
		Identity:   "x",
		Dir:        t.TempDir(),
		Argv:       []string{"/bin/sh", "-c", "echo starting; exit 2"},
		Descriptor: []byte("x"),
	}
	out, err := New(fastOptions(newFakeTracking(), &console)).Run(context.Background(), []Task{
		early,
		task(dir, "a", "0", ""),
	})
	require.NoError(t, err)
	x, a := out.Results[0], out.Results[1]
	assert.True(t, x.FailedToStart)
	assert.Equal(t, 2, x.ExitCode)
	assert.Empty(t, x.RunID)
	assert.Equal(t, "a", a.RunID)
	assert.Equal(t, 0, a.ExitCode)
	assert.NoFileExists(t, filepath.Join(early.Dir, "MLproject"), "unconsumed descriptor is cleaned up")
}

func TestSpawnFailure(t *testing.T) {
	requireShell(t)
	var console bytes.Buffer
	missing := Task{Identity: "m", Dir: t.TempDir(), Argv: []string{filepath.Join(t.TempDir(), "nope")}}
	out, err := New(fastOptions(nil, &console)).Run(context.Background(), []Task{missing})
	require.NoError(t, err)
	r := out.Results[0]
	assert.True(t, r.FailedToStart)
	assert.Error(t, r.Err)
	assert.False(t, r.Exited)
	assert.NoFileExists(t, filepath.Join(missing.Dir, "radtlock"))
}

func TestDeadlineAbandonsLiveRows(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	var console bytes.Buffer
	opts := fastOptions(newFakeTracking(), &console)
	opts.Budget = 1500 * time.Millisecond

	start := time.Now()
	out, err := New(opts).Run(context.Background(), []Task{
		task(dir, "a", "0", ""),
		task(dir, "b", "0", "sleep 4"),
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.True(t, out.TimedOut)
	a, b := out.Results[0], out.Results[1]
	assert.True(t, a.Exited)
	assert.False(t, a.TimedOut)
	assert.False(t, b.Exited)
	assert.True(t, b.TimedOut)
	assert.Equal(t, "b", b.RunID, "partial state is still reported")
}

// patient waits a bounded time for the barrier and only runs its body once
// the lock is gone.
const patient = `
dir="$1"
rm -f "$dir/MLproject"
echo "=== Running in run with ID 'p' ==="
i=0
while [ -f "$dir/radtlock" ] && [ $i -lt 100 ]; do sleep 0.02; i=$((i+1)); done
if [ -f "$dir/radtlock" ]; then touch "$dir/gave_up"; exit 0; fi
touch "$dir/body_started"
`

func TestDeadlineBeforeReleaseKeepsRowsParked(t *testing.T) {
	requireShell(t)
	readyDir, stuckDir := t.TempDir(), t.TempDir()
	var console bytes.Buffer
	opts := fastOptions(newFakeTracking(), &console)
	opts.Budget = 800 * time.Millisecond

	out, err := New(opts).Run(context.Background(), []Task{
		{Row: &table.Row{}, Identity: "p", Dir: readyDir, Argv: []string{"/bin/sh", "-c", patient, "sh", readyDir}, Descriptor: []byte("x")},
		{Row: &table.Row{}, Identity: "q", Dir: stuckDir, Argv: []string{"/bin/sh", "-c", "sleep 3"}, Descriptor: []byte("x")},
	})
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	assert.FileExists(t, filepath.Join(readyDir, "radtlock"), "unreleased barrier stays in place")
	assert.NoFileExists(t, filepath.Join(stuckDir, "MLproject"))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(readyDir, "gave_up"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.NoFileExists(t, filepath.Join(readyDir, "body_started"))
}

func TestInterruptDrainsOutput(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	var console bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts := fastOptions(newFakeTracking(), &console)
	opts.OnState = func(id string, s State) {
		if id == "b" && s == StateRunning {
			cancel()
		}
	}
	out, err := New(opts).Run(ctx, []Task{
		task(dir, "a", "0", "sleep 0.3; echo tail a"),
		task(dir, "b", "0", "sleep 0.3; echo tail b"),
	})
	require.ErrorIs(t, err, ErrInterrupted)
	assert.True(t, out.Interrupted)
	assert.Contains(t, console.String(), "Interrupting runs")
	assert.Contains(t, console.String(), "tail a")
	assert.Contains(t, console.String(), "tail b")
	for _, r := range out.Results {
		assert.True(t, r.Exited)
	}
}

func TestSecondInterruptStopsDraining(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	var console bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	abort := make(chan struct{})
	opts := fastOptions(newFakeTracking(), &console)
	opts.Abort = abort
	opts.OnState = func(id string, s State) {
		if id == "b" && s == StateRunning {
			cancel()
			time.AfterFunc(200*time.Millisecond, func() { close(abort) })
		}
	}
	start := time.Now()
	out, err := New(opts).Run(ctx, []Task{
		task(dir, "a", "0", "sleep 3"),
		task(dir, "b", "0", "sleep 3"),
	})
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Less(t, time.Since(start), 2500*time.Millisecond)
	for _, r := range out.Results {
		assert.True(t, r.Interrupted)
		assert.False(t, r.Exited)
	}
}

func TestArtifactsUploadedAndRemoved(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	tr := newFakeTracking()
	var console bytes.Buffer
	report := filepath.Join(dir, "nsys_1_7_a.nsys-rep")
	require.NoError(t, os.WriteFile(report, []byte("r"), 0o644))
	unrelated := filepath.Join(dir, "other.nsys-rep")
	require.NoError(t, os.WriteFile(unrelated, []byte("r"), 0o644))

	ta := task(dir, "a", "0", "")
	ta.WorkloadListener = "nsys profile -o nsys_1_7_a -f true -t cuda,nvtx "
	_, err := New(fastOptions(tr, &console)).Run(context.Background(), []Task{ta})
	require.NoError(t, err)
	assert.Equal(t, []string{"a:nsys_1_7_a.nsys-rep"}, tr.artifacts)
	assert.NoFileExists(t, report)
	assert.FileExists(t, unrelated)
}

func TestRowLogFiles(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	logs := t.TempDir()
	var console bytes.Buffer
	opts := fastOptions(nil, &console)
	opts.Logs = logger.Config{File: logger.FileConfig{Dir: logs}}
	_, err := New(opts).Run(context.Background(), []Task{task(dir, "a", "0", "")})
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(logs, "1_7_a.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "body a\n")
	b, err = os.ReadFile(filepath.Join(logs, "1_7.workload.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), logger.RunLine("a", "body a"))
}

func TestParseRunID(t *testing.T) {
	cases := []struct {
		line string
		id   string
		ok   bool
	}{
		{"=== Running command in run with ID 'abc123' ===", "abc123", true},
		{"in run with ID ' spaced '", "spaced", true},
		{"in run with ID 'unterminated", "unterminated", true},
		{"in run with ID ''", "", false},
		{"no sentinel here", "", false},
	}
	for _, c := range cases {
		id, ok := ParseRunID(c.line)
		assert.Equal(t, c.id, id, c.line)
		assert.Equal(t, c.ok, ok, c.line)
	}
}

func TestArtifactPrefix(t *testing.T) {
	assert.Equal(t, "ncu_1_2_0_A", ArtifactPrefix("ncu -o ncu_1_2_0_A -f -c 100 "))
	assert.Equal(t, "", ArtifactPrefix("ncu --mode=launch "))
	assert.Equal(t, "", ArtifactPrefix(""))
}
