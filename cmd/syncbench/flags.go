package main

import (
	"fmt"
	"strings"
)

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// ScheduleFlags describes the single row built when a workload file is
// scheduled directly instead of a table.
type ScheduleFlags struct {
	Experiment  int
	Workload    int
	Devices     string
	Collocation string
	Listeners   string
	Conda       bool
	Local       bool
}

// Target kinds accepted by schedule.
const (
	extWorkload = ".py"
	extTable    = ".csv"
)

// splitTarget returns the first workload or table argument and the
// arguments following it, which are passed through to the workload.
func splitTarget(args []string) (target string, passthrough []string, err error) {
	for i, a := range args {
		a = strings.TrimSpace(a)
		if strings.HasSuffix(a, extWorkload) || strings.HasSuffix(a, extTable) {
			return a, args[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("please supply a %s or %s file", extWorkload, extTable)
}
