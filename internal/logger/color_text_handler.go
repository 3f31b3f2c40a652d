package logger

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
)

// ColorTextHandler is a slog.TextHandler whose level field is rendered as an
// ANSI-coloured word instead of a level=... pair.
type ColorTextHandler struct {
	*slog.TextHandler
	showTime bool
}

// NewColorTextHandler creates a new ColorTextHandler. When showTime is false
// the time attribute is omitted.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	if !showTime {
		user := o.ReplaceAttr
		o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			if user != nil {
				return user(groups, a)
			}
			return a
		}
	}
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(levelColorWriter{w}, &o),
		showTime:    showTime,
	}
}

var levelKey = []byte(slog.LevelKey + "=")

// levelColorWriter rewrites the level=... field of each record. The text
// handler issues exactly one Write per record.
type levelColorWriter struct {
	w io.Writer
}

func (c levelColorWriter) Write(p []byte) (int, error) {
	i := bytes.Index(p, levelKey)
	if i < 0 {
		return c.w.Write(p)
	}
	j := i + len(levelKey)
	k := j
	for k < len(p) && p[k] != ' ' && p[k] != '\n' {
		k++
	}
	lvl := p[j:k]
	out := make([]byte, 0, len(p)+12)
	out = append(out, p[:i]...)
	out = append(out, levelColor(string(lvl))...)
	out = append(out, lvl...)
	out = append(out, "\033[0m"...)
	out = append(out, p[k:]...)
	if _, err := c.w.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

func levelColor(l string) string {
	switch {
	case strings.HasPrefix(l, "ERROR"):
		return "\033[31m" // Red
	case strings.HasPrefix(l, "WARN"):
		return "\033[33m" // Yellow
	case strings.HasPrefix(l, "INFO"):
		return "\033[32m" // Green
	case strings.HasPrefix(l, "DEBUG"):
		return "\033[36m" // Cyan
	default:
		return "\033[0m"
	}
}
