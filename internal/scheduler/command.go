package scheduler

import "strconv"

// LaunchSpec describes the launcher invocation of one row.
type LaunchSpec struct {
	Launcher  string
	Dir       string // project directory holding the workload file
	Conda     bool
	Identity  string
	Workload  int
	Listeners string
	File      string // workload file name relative to Dir
	Prefix    string // workload listener prefix
}

// EnvManager is the launcher's environment manager selection.
func (s LaunchSpec) EnvManager() string {
	if s.Conda {
		return "conda"
	}
	return "local"
}

// Argv renders the launcher command line. The params parameter is a fixed
// placeholder; the real parameters travel in the descriptor.
func (s LaunchSpec) Argv() []string {
	return []string{
		s.Launcher, "run", s.Dir,
		"--env-manager=" + s.EnvManager(),
		"-P", "letter=" + s.Identity,
		"-P", "workload=" + strconv.Itoa(s.Workload),
		"-P", "listeners=" + s.Listeners,
		"-P", "file=" + s.File,
		"-P", `params="-"`,
		"-P", "workload_listener=" + s.Prefix,
	}
}
