package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/syncbench/internal/config"
	"github.com/loykin/syncbench/internal/history"
	"github.com/loykin/syncbench/internal/history/factory"
	"github.com/loykin/syncbench/internal/logger"
	"github.com/loykin/syncbench/internal/metrics"
	"github.com/loykin/syncbench/internal/scheduler"
	"github.com/loykin/syncbench/internal/server"
	"github.com/loykin/syncbench/internal/table"
	"github.com/loykin/syncbench/internal/tracking"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func bind(v *viper.Viper, lookup func(string) *pflag.Flag, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, lookup(name)); err != nil {
			panic(err)
		}
	}
}

// loadConfig applies the environment selection flags, which have no key of
// their own, and decodes the configuration.
func loadConfig(v *viper.Viper, global *GlobalFlags, flags *ScheduleFlags) (*config.Config, error) {
	switch {
	case flags.Local:
		v.Set("use_conda", false)
	case flags.Conda:
		v.Set("use_conda", true)
	}
	cfg, err := config.Load(v, global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// loadTable builds the table to schedule. A workload file yields a single
// in-memory row whose parameters are the passthrough arguments.
func loadTable(target string, passthrough []string, flags *ScheduleFlags) (*table.Table, error) {
	if strings.HasSuffix(target, extTable) {
		if len(passthrough) > 0 {
			slog.Warn("Ignoring arguments after table file", "args", passthrough)
		}
		return table.Load(target)
	}
	return table.New(table.Row{
		Experiment:  flags.Experiment,
		Workload:    flags.Workload,
		Devices:     flags.Devices,
		Collocation: flags.Collocation,
		Listeners:   flags.Listeners,
		File:        target,
		Params:      strings.Join(passthrough, " "),
	}), nil
}

func historySinks(dsn string) ([]history.Sink, error) {
	if dsn == "" {
		return nil, nil
	}
	sink, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("history sink: %w", err)
	}
	return []history.Sink{sink}, nil
}

func runSchedule(parent context.Context, v *viper.Viper, global *GlobalFlags, flags *ScheduleFlags, args []string, out io.Writer) error {
	target, passthrough, err := splitTarget(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(v, global, flags)
	if err != nil {
		return err
	}
	slog.SetDefault(cfg.Log.NewSlogger())
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		slog.Warn("Metrics registration failed", "error", err)
	}

	tbl, err := loadTable(target, passthrough, flags)
	if err != nil {
		return err
	}
	sinks, err := historySinks(cfg.History.DSN)
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, abort, stop := interruptContext(parent)
	defer stop()

	session, err := scheduler.New(scheduler.Options{
		Config:   cfg,
		Table:    tbl,
		Tracking: tracking.New(cfg.Tracking.URI, tracking.WithTimeout(cfg.Tracking.Timeout)),
		Sinks:    sinks,
		Console:  logger.NewConsole(out, cfg.Log.Slog.Color),
		Abort:    abort,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Warn("Closing history sinks failed", "error", err)
		}
	}()

	servers := startServers(cfg, session.Tracker())
	defer shutdown(servers)

	return session.Run(ctx)
}

// interruptContext cancels the returned context on the first SIGINT or
// SIGTERM and closes abort on the second one.
func interruptContext(parent context.Context) (context.Context, <-chan struct{}, func()) {
	ctx, cancel := context.WithCancel(parent)
	abort := make(chan struct{})
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		n := 0
		for {
			select {
			case <-done:
				return
			case sig := <-sigs:
				n++
				if n == 1 {
					slog.Warn("Interrupt received, draining running workload", "signal", sig.String())
					cancel()
					continue
				}
				slog.Warn("Second interrupt received, stopping immediately")
				close(abort)
				return
			}
		}
	}()
	return ctx, abort, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}

func startServers(cfg *config.Config, tracker *scheduler.Tracker) []*http.Server {
	var servers []*http.Server
	if addr := cfg.Metrics.Addr; addr != "" {
		servers = append(servers, server.NewServer(addr, metrics.Handler()))
		slog.Info("Serving metrics", "addr", addr)
	}
	if addr := cfg.Status.Addr; addr != "" {
		gin.SetMode(gin.ReleaseMode)
		servers = append(servers, server.NewServer(addr, server.NewRouter(tracker, "").Handler()))
		slog.Info("Serving status API", "addr", addr)
	}
	return servers
}

func shutdown(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range servers {
		_ = s.Shutdown(ctx)
	}
}
