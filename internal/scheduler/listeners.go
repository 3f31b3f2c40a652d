package scheduler

import (
	"strconv"
	"strings"
)

// RunListeners are the samplers a workload process attaches to itself. Each
// one is switched on or off through an environment flag.
var RunListeners = []string{"ps", "smi", "dcgmi", "top", "iostat"}

// WorkloadListeners are command prefixes wrapping the workload itself. The
// placeholders {Experiment}, {Workload} and {Letter} are substituted per row.
var WorkloadListeners = map[string]string{
	"nsys":      "nsys profile --capture-range nvtx --nvtx-capture profile --cuda-memory-usage=true --capture-range-end repeat -o nsys_{Experiment}_{Workload}_{Letter} -f true -w true -x true -t cuda,nvtx ",
	"nsysraw":   "nsys profile --cuda-memory-usage true -o nsys_{Experiment}_{Workload}_{Letter} -f true -w true -x true -t cuda,nvtx ",
	"ncu":       "ncu -o ncu_{Experiment}_{Workload}_{Letter} -f --nvtx --nvtx-include profile ",
	"ncuraw":    "ncu -o ncu_{Experiment}_{Workload}_{Letter} -f -c 100 ",
	"ncuattach": "ncu --mode=launch ",
}

const monitorListener = "dcgmi"

// Listeners is a row's listener list split by kind.
type Listeners struct {
	// Run holds the names passed on to the workload, workload listeners removed.
	Run []string
	// Flags maps every run listener to its enable flag.
	Flags map[string]bool
	// Prefix is the workload listener command prefix, empty when none.
	Prefix string
}

// Joined renders the run listeners the way the workload expects them.
func (l Listeners) Joined() string { return strings.Join(l.Run, "+") }

// SplitListeners parses a "+"-joined listener list. The monitoring
// listener stays in the list but is not enabled when monitoring groups are
// unavailable. When several workload listeners are named the last one wins.
func SplitListeners(spec string, experiment, workload int, identity string, monitoring bool) Listeners {
	l := Listeners{Flags: make(map[string]bool, len(RunListeners))}
	for _, name := range RunListeners {
		l.Flags[name] = false
	}
	for _, raw := range strings.Split(spec, "+") {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if tmpl, ok := WorkloadListeners[name]; ok {
			l.Prefix = strings.NewReplacer(
				"{Experiment}", strconv.Itoa(experiment),
				"{Workload}", strconv.Itoa(workload),
				"{Letter}", identity,
			).Replace(tmpl)
			continue
		}
		l.Run = append(l.Run, name)
		if strings.EqualFold(name, monitorListener) && !monitoring {
			continue
		}
		l.Flags[strings.ToLower(name)] = true
	}
	return l
}
