package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Palette is the rotating set of ANSI colours assigned to rows by index.
var Palette = []int{31, 32, 34, 35, 36, 33}

// SystemColour is used for scheduler messages on the console.
const SystemColour = 33

const prefixWidth = 20

// Colour returns the palette entry for the i-th row of a workload.
func Colour(i int) int {
	return Palette[i%len(Palette)]
}

// Prefix renders "[RUN <identity>]:" padded to the prefix column width.
func Prefix(identity string) string {
	p := "[RUN " + identity + "]:"
	if n := prefixWidth - len(p); n > 0 {
		p += strings.Repeat(" ", n)
	}
	return p
}

// RunLine formats one line of row output without colour, as stored in the
// combined workload log.
func RunLine(identity, line string) string {
	return Prefix(identity) + " " + line
}

func coloured(colour int, s string) string {
	return fmt.Sprintf("\033[%dm%s\033[0m", colour, s)
}

// Console prints row output and scheduler messages to a terminal.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

func NewConsole(w io.Writer, color bool) *Console {
	return &Console{w: w, color: color}
}

// Run prints a line of output from a row.
func (c *Console) Run(colour int, identity, line string) {
	if c == nil || c.w == nil {
		return
	}
	p := Prefix(identity)
	if c.color {
		p = coloured(colour, p)
	}
	c.mu.Lock()
	_, _ = fmt.Fprintf(c.w, "%s %s\n", p, strings.TrimRight(line, "\r\n"))
	c.mu.Unlock()
}

// System prints a scheduler message.
func (c *Console) System(format string, args ...any) {
	if c == nil || c.w == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if c.color {
		msg = coloured(SystemColour, msg)
	}
	c.mu.Lock()
	_, _ = fmt.Fprintln(c.w, msg)
	c.mu.Unlock()
}
