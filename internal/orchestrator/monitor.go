package orchestrator

import (
	"context"
	"time"

	"github.com/loykin/syncbench/internal/metrics"
)

// monitor forwards output until every process has exited. It returns
// errDeadline when the workload budget runs out first.
func (w *workload) monitor(ctx context.Context) error {
	for {
		w.pump()
		running := 0
		for _, h := range w.handles {
			if h.hasExited() {
				if h.state == StateRunning {
					w.setState(h, StateDone)
				}
				continue
			}
			running++
		}
		metrics.SetRunning(running)
		if running == 0 {
			for _, h := range w.handles {
				h.settle(w.opts.Quiescence)
			}
			w.pump()
			return nil
		}
		if err := w.wait(ctx); err != nil {
			return err
		}
	}
}

// interrupt drains each row until its output has been quiet for the
// quiescence window and its process has exited. Closing Options.Abort stops
// draining immediately.
func (w *workload) interrupt() {
	w.opts.Console.System("Interrupting runs... Please wait")
	poll := w.opts.Quiescence / 4
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	for _, h := range w.handles {
		if h.cmd == nil {
			continue
		}
		last := time.Now()
		for {
			if w.pumpOne(h) > 0 {
				last = time.Now()
			}
			if time.Since(last) >= w.opts.Quiescence && h.hasExited() {
				break
			}
			select {
			case <-w.opts.Abort:
				w.pump()
				return
			case <-w.wake:
			case <-time.After(poll):
			}
		}
	}
	w.pump()
}
