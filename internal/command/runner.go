// Package command runs short-lived external tools (device listing, partition
// allocation, monitoring groups, shared-context control) and returns their
// output as lines for the per-tool parsing adapters.
package command

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// ErrToolMissing is returned when the requested binary cannot be found.
var ErrToolMissing = errors.New("tool not found")

// Invocation describes a single tool call.
type Invocation struct {
	Name  string
	Args  []string
	Env   map[string]string // overlay on top of the current environment
	Stdin string
}

// String renders the invocation the way it is logged and matched by fakes.
func (i Invocation) String() string {
	if len(i.Args) == 0 {
		return i.Name
	}
	return i.Name + " " + strings.Join(i.Args, " ")
}

// Runner executes tools. Implementations must be safe for sequential use by
// the scheduling coordinator; concurrent use is not required.
type Runner interface {
	Run(ctx context.Context, inv Invocation) ([]string, error)
}

// Exec runs tools as OS processes and captures stdout and stderr together.
// A non-zero exit status is not an error: tools report failures in their
// text output and the adapters decide from that.
type Exec struct{}

func (Exec) Run(ctx context.Context, inv Invocation) ([]string, error) {
	if len(inv.Env) > 0 {
		slog.Debug("Executing command", "cmd", inv.String(), "env", inv.Env)
	} else {
		slog.Debug("Executing command", "cmd", inv.String())
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, inv.Name, inv.Args...)
	if len(inv.Env) > 0 {
		env := os.Environ()
		for k, v := range inv.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	if inv.Stdin != "" {
		cmd.Stdin = strings.NewReader(inv.Stdin)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err != nil {
		var ee *exec.ExitError
		switch {
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%s: %w", inv.Name, ErrToolMissing)
		case errors.As(err, &ee):
			// exit status is carried by the output
		default:
			return nil, fmt.Errorf("run %s: %w", inv.Name, err)
		}
	}
	return Lines(out.String()), nil
}

// Lines splits tool output into lines without trailing newlines.
func Lines(s string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}

// Joined lower-cases and concatenates output lines, the form most marker
// checks operate on.
func Joined(lines []string) string {
	return strings.ToLower(strings.Join(lines, "\n"))
}
