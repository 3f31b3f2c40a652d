package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestRowWriters_WithDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{Dir: dir}}
	rw := cfg.RowWriter(3, 4, "0_A")
	ww := cfg.WorkloadWriter(3, 4)
	require.NotNil(t, rw)
	require.NotNil(t, ww)
	_, _ = rw.Write([]byte("row\n"))
	_, _ = ww.Write([]byte("workload\n"))
	closeIf(rw)
	closeIf(ww)

	b, err := os.ReadFile(filepath.Join(dir, "3_4_0_A.log"))
	require.NoError(t, err)
	assert.Equal(t, "row\n", string(b))
	_, err = os.Stat(filepath.Join(dir, "3_4.workload.log"))
	require.NoError(t, err)
}

func TestRowWriterFileSafeName(t *testing.T) {
	dir := t.TempDir()
	rw := Config{File: FileConfig{Dir: dir}}.RowWriter(1, 2, "0+1_3g/40gb")
	require.NotNil(t, rw)
	_, _ = rw.Write([]byte("x\n"))
	closeIf(rw)
	assert.FileExists(t, filepath.Join(dir, "1_2_0-1_3g-40gb.log"))
}

func TestRowWriters_NoDir(t *testing.T) {
	cfg := Config{}
	assert.Nil(t, cfg.RowWriter(1, 1, "0"))
	assert.Nil(t, cfg.WorkloadWriter(1, 1))
}

func TestRotationDefaults(t *testing.T) {
	l := Config{}.rotating("x.log")
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)

	l = Config{File: FileConfig{MaxSizeMB: 1, MaxBackups: 2, MaxAgeDays: 3, Compress: true}}.rotating("y.log")
	assert.Equal(t, &lj.Logger{Filename: "y.log", MaxSize: 1, MaxBackups: 2, MaxAge: 3, Compress: true}, l)
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))
	log.With("workload", "1+2").Warn("Degraded", "tool", "dcgmi")

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\033[33mWARN\033[0m msg=Degraded"), out)
	assert.Contains(t, out, "workload=1+2")
	assert.Contains(t, out, "tool=dcgmi")
	assert.NotContains(t, out, "time=")
	assert.NotContains(t, out, "level=")
}

func TestNewSloggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.log")
	cfg := DefaultConfig()
	cfg.File.Path = path
	var console bytes.Buffer
	log := cfg.newSlogger(&console)
	log.Info("Workload started", "workload", "1+1")
	log.Debug("hidden")

	assert.Contains(t, console.String(), "Workload started")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "msg=\"Workload started\"")
	assert.NotContains(t, string(b), "\033[")
	assert.NotContains(t, string(b), "hidden")
}

func TestPrefixAndConsole(t *testing.T) {
	assert.Equal(t, "[RUN 0_A]:          ", Prefix("0_A"))
	assert.Len(t, Prefix("0_A"), 20)
	long := Prefix("0+1+2+3_AB_1g.10gb")
	assert.True(t, strings.HasPrefix(long, "[RUN 0+1+2+3_AB_1g.10gb]:"))

	assert.Equal(t, 31, Colour(0))
	assert.Equal(t, 33, Colour(5))
	assert.Equal(t, 31, Colour(6))

	var buf bytes.Buffer
	c := NewConsole(&buf, true)
	c.Run(32, "1", "hello\n")
	c.System("RUNNING WORKLOAD: %s", "1+1")
	assert.Equal(t,
		"\033[32m[RUN 1]:            \033[0m hello\n\033[33mRUNNING WORKLOAD: 1+1\033[0m\n",
		buf.String())

	buf.Reset()
	NewConsole(&buf, false).Run(32, "1", "plain")
	assert.Equal(t, RunLine("1", "plain")+"\n", buf.String())

	var nilConsole *Console
	nilConsole.Run(31, "x", "ignored")
}
