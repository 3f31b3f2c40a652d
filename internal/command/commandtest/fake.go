// Package commandtest provides a scripted command.Runner for tests.
package commandtest

import (
	"context"
	"strings"
	"sync"

	"github.com/loykin/syncbench/internal/command"
)

// Response is the scripted result for one invocation.
type Response struct {
	Output string
	Err    error
}

// Fake matches invocations by their rendered command line. Entries queued
// with Push are consumed in order; entries set with Set are returned every
// time. Unknown invocations return empty output.
type Fake struct {
	mu      sync.Mutex
	queued  map[string][]Response
	fixed   map[string]Response
	missing map[string]bool
	Calls   []command.Invocation
}

func New() *Fake {
	return &Fake{
		queued:  make(map[string][]Response),
		fixed:   make(map[string]Response),
		missing: make(map[string]bool),
	}
}

// Set always answers cmdline with output.
func (f *Fake) Set(cmdline, output string) *Fake {
	f.mu.Lock()
	f.fixed[cmdline] = Response{Output: output}
	f.mu.Unlock()
	return f
}

// Push queues a one-shot answer for cmdline.
func (f *Fake) Push(cmdline, output string) *Fake {
	f.mu.Lock()
	f.queued[cmdline] = append(f.queued[cmdline], Response{Output: output})
	f.mu.Unlock()
	return f
}

// Missing makes every invocation of the named binary fail with ErrToolMissing.
func (f *Fake) Missing(name string) *Fake {
	f.mu.Lock()
	f.missing[name] = true
	f.mu.Unlock()
	return f
}

func (f *Fake) Run(_ context.Context, inv command.Invocation) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, inv)
	if f.missing[inv.Name] {
		return nil, command.ErrToolMissing
	}
	key := inv.String()
	if q := f.queued[key]; len(q) > 0 {
		f.queued[key] = q[1:]
		return command.Lines(q[0].Output), q[0].Err
	}
	if r, ok := f.fixed[key]; ok {
		return command.Lines(r.Output), r.Err
	}
	return nil, nil
}

// Count returns how many calls started with prefix.
func (f *Fake) Count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if strings.HasPrefix(c.String(), prefix) {
			n++
		}
	}
	return n
}

// Find returns the calls that started with prefix.
func (f *Fake) Find(prefix string) []command.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []command.Invocation
	for _, c := range f.Calls {
		if strings.HasPrefix(c.String(), prefix) {
			out = append(out, c)
		}
	}
	return out
}
