package orchestrator

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// lineQueue is an unbounded FIFO filled by a reader goroutine and drained by
// the coordinator without blocking.
type lineQueue struct {
	mu     sync.Mutex
	lines  []string
	closed bool
}

func (q *lineQueue) push(l string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.lines = append(q.lines, l)
	return true
}

func (q *lineQueue) drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.lines
	q.lines = nil
	return out
}

// detach makes further pushes no-ops; the reader keeps consuming the pipe so
// an abandoned process never blocks on a full pipe.
func (q *lineQueue) detach() {
	q.mu.Lock()
	q.closed = true
	q.lines = nil
	q.mu.Unlock()
}

// handle is one spawned workload process.
type handle struct {
	task   *Task
	colour int
	state  State

	cmd      *exec.Cmd
	pipe     *os.File
	queue    lineQueue
	exited   chan struct{}
	readDone chan struct{}
	exitCode int
	spawnErr error

	log     []string
	runID   string
	ready   bool
	failed  bool
	rowLog  io.WriteCloser
	started time.Time
}

func newHandle(t *Task, colour int) *handle {
	return &handle{
		task:     t,
		colour:   colour,
		state:    StatePending,
		exited:   make(chan struct{}),
		readDone: make(chan struct{}),
		exitCode: -1,
	}
}

// start spawns the process with stdout and stderr merged into one pipe and
// starts its reader and waiter goroutines. wake is signalled whenever new
// output is queued or the process exits.
func (h *handle) start(wake chan<- struct{}) error {
	pr, pw, err := os.Pipe()
	if err != nil {
		return err
	}
	argv := h.task.Argv
	// #nosec G204
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = h.task.Env
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return err
	}
	_ = pw.Close()
	h.cmd = cmd
	h.pipe = pr
	h.started = time.Now()

	go h.read(wake)
	go func() {
		err := cmd.Wait()
		h.exitCode = exitCode(err)
		close(h.exited)
		notify(wake)
	}()
	return nil
}

func (h *handle) read(wake chan<- struct{}) {
	defer close(h.readDone)
	br := bufio.NewReader(h.pipe)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if h.queue.push(strings.TrimRight(line, "\r\n")) {
				notify(wake)
			}
		}
		if err != nil {
			return
		}
	}
}

func notify(wake chan<- struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func (h *handle) hasExited() bool {
	if h.cmd == nil {
		return true
	}
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// settle waits up to d for the reader to reach end of output.
func (h *handle) settle(d time.Duration) {
	if h.cmd == nil {
		return
	}
	select {
	case <-h.readDone:
	case <-time.After(d):
	}
}
