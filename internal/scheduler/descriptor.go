package scheduler

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Parameter is one typed entry point parameter of the project descriptor.
type Parameter struct {
	Type    string `yaml:"type"`
	Default string `yaml:"default"`
}

type EntryPoint struct {
	Parameters map[string]Parameter `yaml:"parameters"`
	Command    string               `yaml:"command"`
}

// Descriptor is the project file a workload process consumes at launch.
type Descriptor struct {
	Name        string                `yaml:"name"`
	CondaEnv    string                `yaml:"conda_env,omitempty"`
	EntryPoints map[string]EntryPoint `yaml:"entry_points"`
}

// DescriptorSpec carries the per-row values rendered into a descriptor.
type DescriptorSpec struct {
	Project      string
	Conda        bool
	EntryCommand string
	Prefix       string // workload listener prefix
	Listeners    string
	File         string
	Params       string
}

// NewDescriptor builds the descriptor of one row.
func NewDescriptor(s DescriptorSpec) Descriptor {
	str := func(def string) Parameter { return Parameter{Type: "string", Default: def} }
	params := s.Params
	if params == "" {
		params = `""`
	}
	d := Descriptor{
		Name: s.Project,
		EntryPoints: map[string]EntryPoint{
			"main": {
				Parameters: map[string]Parameter{
					"letter":            str(""),
					"workload":          str(""),
					"listeners":         str("smi+dcgmi+top"),
					"params":            str("-"),
					"file":              str("cifar10.py"),
					"workload_listener": str(""),
				},
				Command: fmt.Sprintf(`%s%s -l %s -c %s -p "%s"`, s.Prefix, s.EntryCommand, s.Listeners, s.File, params),
			},
		},
	}
	if s.Conda {
		d.CondaEnv = "conda.yaml"
	}
	return d
}

func (d Descriptor) Marshal() ([]byte, error) {
	b, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal descriptor: %w", err)
	}
	return b, nil
}
