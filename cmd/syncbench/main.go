package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/loykin/syncbench/internal/config"
	"github.com/loykin/syncbench/internal/orchestrator"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// exitInterrupted is the conventional status of a process stopped by SIGINT.
const exitInterrupted = 130

func main() {
	root := buildRoot(config.New(), os.Stdout)
	if err := root.Execute(); err != nil {
		if errors.Is(err, orchestrator.ErrInterrupted) {
			os.Exit(exitInterrupted)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the command tree. Flags are bound to v so that they take
// precedence over the environment and the config file.
func buildRoot(v *viper.Viper, out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	scheduleFlags := &ScheduleFlags{}

	root := createRootCommand(v, globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createScheduleCommand(v, globalFlags, scheduleFlags, out),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(v *viper.Viper, flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "syncbench",
		Short: "Synchronized GPU workload scheduler",
		Long: `Syncbench runs groups of GPU workloads that must start together, so that
collocation effects (shared devices, partitions, shared-context mode) can be
benchmarked fairly. Results are written back to the workload table.

Examples:
  syncbench schedule workloads.csv
  syncbench schedule -e 1 -w 2 -d 0+1 -c mps train.py --lr 0.1
  syncbench schedule --config=syncbench.toml --rerun workloads.csv`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-dir", "", "directory receiving per-row and per-workload output logs")
	pf.String("tracking-uri", "", "tracking server URI (defaults to MLFLOW_TRACKING_URI)")
	pf.String("history-dsn", "", "history sink DSN (sqlite://, postgres://, clickhouse://, opensearch://)")
	pf.String("metrics-listen", "", "address serving Prometheus metrics, e.g. :9090")
	pf.String("status-listen", "", "address serving the status API, e.g. :8080")
	bind(v, pf.Lookup, map[string]string{
		"log.level":    "log-level",
		"log.dir":      "log-dir",
		"tracking.uri": "tracking-uri",
		"history.dsn":  "history-dsn",
		"metrics.addr": "metrics-listen",
		"status.addr":  "status-listen",
	})
	return root
}

func createScheduleCommand(v *viper.Viper, global *GlobalFlags, flags *ScheduleFlags, out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule [flags] <workloads.csv | workload.py [args...]>",
		Short: "Schedule a workload table or a single workload file",
		Long: `Schedule every workload of a table, or a single workload file.

A .csv argument selects table mode: workloads whose rows all finished (or
failed, without --rerun) are skipped, every other workload is run as a whole
and its results are written back to the table.

A .py argument schedules one row built from the flags below; any further
arguments are passed to the workload as its parameters.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchedule(cmd.Context(), v, global, flags, args, out)
		},
	}
	// everything after the target belongs to the workload
	cmd.Flags().SetInterspersed(false)

	f := cmd.Flags()
	f.IntVarP(&flags.Experiment, "experiment", "e", 0, "experiment id")
	f.IntVarP(&flags.Workload, "workload", "w", 0, "workload id")
	f.StringVarP(&flags.Devices, "devices", "d", "0", "devices to run on separated by +, e.g. 0, 1+2")
	f.StringVarP(&flags.Collocation, "collocation", "c", "-", "collocation: -, mps, or a partition profile")
	f.StringVarP(&flags.Listeners, "listeners", "l", "smi+top+dcgmi", "listeners separated by +")
	f.BoolVar(&flags.Conda, "conda", false, "use conda.yaml to create the workload environment (default)")
	f.BoolVar(&flags.Local, "local", false, "use the currently active environment")
	f.BoolP("rerun", "r", false, "rerun workloads that previously failed")
	f.IntP("epoch", "i", 5, "maximum number of epochs")
	f.IntP("time", "t", 2880, "maximum run time in minutes")
	f.Bool("manual", false, "start tracking only once the workload initialises its context")
	bind(v, f.Lookup, map[string]string{
		"rerun":     "rerun",
		"max_epoch": "epoch",
		"max_time":  "time",
		"manual":    "manual",
	})
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("syncbench " + version)
		},
	}
}
