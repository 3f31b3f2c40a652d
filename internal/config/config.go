// Package config loads scheduler settings from defaults, an optional TOML
// file, SYNCBENCH_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/syncbench/internal/logger"
	"github.com/spf13/viper"
)

const EnvPrefix = "SYNCBENCH"

type Tools struct {
	SMI        string `toml:"smi" mapstructure:"smi"`
	DCGMI      string `toml:"dcgmi" mapstructure:"dcgmi"`
	MPSControl string `toml:"mps_control" mapstructure:"mps_control"`
}

type TrackingConfig struct {
	URI     string        `toml:"uri" mapstructure:"uri"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type HistoryConfig struct {
	// DSN selects the sink: sqlite://, postgres://, clickhouse://,
	// opensearch:// or opensearch+https://. Empty disables history.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type AddrConfig struct {
	Addr string `toml:"addr" mapstructure:"addr"`
}

// Config is the full scheduler configuration.
type Config struct {
	MaxEpoch int  `toml:"max_epoch" mapstructure:"max_epoch"`
	MaxTime  int  `toml:"max_time" mapstructure:"max_time"` // minutes
	Rerun    bool `toml:"rerun" mapstructure:"rerun"`
	Manual   bool `toml:"manual" mapstructure:"manual"`
	UseConda bool `toml:"use_conda" mapstructure:"use_conda"`

	Grace        time.Duration `toml:"grace" mapstructure:"grace"`
	Tick         time.Duration `toml:"tick" mapstructure:"tick"`
	Quiescence   time.Duration `toml:"quiescence" mapstructure:"quiescence"`
	LaunchSettle time.Duration `toml:"launch_settle" mapstructure:"launch_settle"`

	LockFile       string `toml:"lock_file" mapstructure:"lock_file"`
	DescriptorFile string `toml:"descriptor_file" mapstructure:"descriptor_file"`
	ProjectName    string `toml:"project_name" mapstructure:"project_name"`
	Launcher       string `toml:"launcher" mapstructure:"launcher"`
	EntryCommand   string `toml:"entry_command" mapstructure:"entry_command"`
	DropCaches     bool   `toml:"drop_caches" mapstructure:"drop_caches"`

	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`

	Tools    Tools          `toml:"tools" mapstructure:"tools"`
	Tracking TrackingConfig `toml:"tracking" mapstructure:"tracking"`
	Log      logger.Config  `toml:"log" mapstructure:"log"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
	Metrics  AddrConfig     `toml:"metrics" mapstructure:"metrics"`
	Status   AddrConfig     `toml:"status" mapstructure:"status"`
}

// MaxDuration is the per-workload time budget handed to workload processes.
func (c *Config) MaxDuration() time.Duration {
	return time.Duration(c.MaxTime) * time.Minute
}

// SetDefaults registers every key so that environment variables are picked
// up by Unmarshal even when the key is absent from the file.
func SetDefaults(v *viper.Viper) {
	lc := logger.DefaultConfig()
	defaults := map[string]any{
		"max_epoch":         5,
		"max_time":          2880,
		"rerun":             false,
		"manual":            false,
		"use_conda":         true,
		"grace":             60 * time.Second,
		"tick":              2 * time.Second,
		"quiescence":        time.Second,
		"launch_settle":     3 * time.Second,
		"lock_file":         "radtlock",
		"descriptor_file":   "MLproject",
		"project_name":      "radt",
		"launcher":          "mlflow",
		"entry_command":     "python -m radt run",
		"drop_caches":       true,
		"env":               []string{},
		"env_files":         []string{},
		"tools.smi":         "nvidia-smi",
		"tools.dcgmi":       "dcgmi",
		"tools.mps_control": "nvidia-cuda-mps-control",
		"tracking.uri":      "",
		"tracking.timeout":  30 * time.Second,
		"log.level":         string(lc.Slog.Level),
		"log.format":        string(lc.Slog.Format),
		"log.color":         lc.Slog.Color,
		"log.timestamps":    lc.Slog.TimeStamps,
		"log.source":        lc.Slog.Source,
		"log.file":          "",
		"log.dir":           "",
		"log.max_size_mb":   lc.File.MaxSizeMB,
		"log.max_backups":   lc.File.MaxBackups,
		"log.max_age_days":  lc.File.MaxAgeDays,
		"log.compress":      false,
		"history.dsn":       "",
		"metrics.addr":      "",
		"status.addr":       "",
	}
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional TOML file at path into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.Tracking.URI == "" {
		c.Tracking.URI = os.Getenv("MLFLOW_TRACKING_URI")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.MaxEpoch < 0 {
		return fmt.Errorf("max_epoch must not be negative")
	}
	if c.MaxTime <= 0 {
		return fmt.Errorf("max_time must be positive")
	}
	if c.Tick <= 0 {
		return fmt.Errorf("tick must be positive")
	}
	if c.LockFile == "" || c.DescriptorFile == "" {
		return fmt.Errorf("lock_file and descriptor_file must be set")
	}
	if c.LockFile == c.DescriptorFile {
		return fmt.Errorf("lock_file and descriptor_file must differ")
	}
	return nil
}

// SessionEnv merges env_files contents and then the env list. Later entries
// override earlier ones.
func (c *Config) SessionEnv() (map[string]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
