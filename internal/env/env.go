// Package env composes the environment handed to spawned workload processes:
// the scheduler's own environment overlaid with a per-row set of variables.
package env

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Var map[string]string

// Names of the variables a workload process reads.
const (
	ExperimentID   = "MLFLOW_EXPERIMENT_ID"
	VisibleDevices = "CUDA_VISIBLE_DEVICES"
	MonitorGroup   = "RADT_DCGMI_GROUP"
	DeviceIndices  = "SMI_GPU_ID"
	MaxEpoch       = "RADT_MAX_EPOCH"
	MaxTime        = "RADT_MAX_TIME"
	ManualMode     = "RADT_MANUAL_MODE"
	ListenerPrefix = "RADT_LISTENER_"
)

// Row is the per-row configuration serialised into a process environment.
type Row struct {
	Experiment int
	Visible    string // comma-joined hardware identifiers
	Group      string // monitoring group id, empty when unavailable
	Devices    string // raw "+"-joined device indices
	MaxEpoch   int
	MaxTime    time.Duration
	Manual     bool
	// Listeners maps every known run listener to its enable flag.
	Listeners map[string]bool
}

// Vars renders the row configuration as environment variables.
func (r Row) Vars() Var {
	v := Var{
		ExperimentID:   strconv.Itoa(r.Experiment),
		VisibleDevices: r.Visible,
		MonitorGroup:   r.Group,
		DeviceIndices:  r.Devices,
		MaxEpoch:       strconv.Itoa(r.MaxEpoch),
		MaxTime:        strconv.Itoa(int(r.MaxTime / time.Second)),
		ManualMode:     flag(r.Manual),
	}
	for name, on := range r.Listeners {
		v[ListenerPrefix+strings.ToUpper(name)] = flag(on)
	}
	return v
}

func flag(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

type Env struct {
	Var Var // session-wide variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	e.env = base
}

// Set sets a session-wide variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Merge composes the final environment in this order: the OS environment,
// then session-wide variables, then the row overlay. The result is sorted by
// key and ${VAR} references in values are expanded once against the composed
// map.
func (e *Env) Merge(overlay Var) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(overlay))
	for k, v := range e.env {
		m[k] = v
	}
	for _, layer := range []Var{e.Var, overlay} {
		for k, v := range layer {
			if k == "" {
				continue
			}
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		return m[k]
	})
}
