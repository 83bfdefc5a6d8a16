// Package config holds the run configuration of a contigtax invocation.
// A RunConfig is assembled once at startup (defaults, optional YAML file,
// CONTIGTAX_* environment, command-line flags) and then passed by value to
// every component; nothing downstream reads process state for settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTool        = "mmseqs"
	DefaultThreads     = 28
	DefaultMemoryGB    = 112
	DefaultSensitivity = 3.0
)

// RunConfig holds all settings for one pipeline run.
type RunConfig struct {
	// Inputs and outputs
	Contigs  string `yaml:"contigs"`
	Database string `yaml:"database"`
	Output   string `yaml:"output"`

	// Classification parameters passed to the external tool
	Threads     int     `yaml:"threads"`
	MemoryGB    int     `yaml:"memory_gb"`
	Sensitivity float64 `yaml:"sensitivity"`

	// Tool is the classifier binary, resolved on PATH unless it contains a slash.
	Tool string `yaml:"tool"`

	// StepTimeout bounds each external invocation (e.g. "12h"). Empty or "0" means no limit.
	StepTimeout string `yaml:"step_timeout"`

	// CheckFasta parses the contigs file before any step runs.
	CheckFasta bool `yaml:"check_fasta"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DefaultRunConfig returns the default configuration.
// Contigs, Database and Output have no defaults and must be supplied.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Threads:     DefaultThreads,
		MemoryGB:    DefaultMemoryGB,
		Sensitivity: DefaultSensitivity,
		Tool:        DefaultTool,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file layered over the defaults,
// then applies environment overrides.
func Load(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return RunConfig{}, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Return defaults if config file doesn't exist
		default:
			return RunConfig{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

// applyEnvOverrides layers CONTIGTAX_* variables over file settings.
func (c *RunConfig) applyEnvOverrides() error {
	if tool := os.Getenv("CONTIGTAX_TOOL"); tool != "" {
		c.Tool = tool
	}
	if v := os.Getenv("CONTIGTAX_THREADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ValidationError{Field: "CONTIGTAX_THREADS", Reason: fmt.Sprintf("not an integer: %q", v)}
		}
		c.Threads = n
	}
	if v := os.Getenv("CONTIGTAX_MEMORY_GB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ValidationError{Field: "CONTIGTAX_MEMORY_GB", Reason: fmt.Sprintf("not an integer: %q", v)}
		}
		c.MemoryGB = n
	}
	if v := os.Getenv("CONTIGTAX_SENSITIVITY"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &ValidationError{Field: "CONTIGTAX_SENSITIVITY", Reason: fmt.Sprintf("not a number: %q", v)}
		}
		c.Sensitivity = f
	}
	if v := os.Getenv("CONTIGTAX_STEP_TIMEOUT"); v != "" {
		c.StepTimeout = v
	}
	return nil
}

// MemoryLimit renders the memory budget the way the classifier expects it.
func (c RunConfig) MemoryLimit() string {
	return strconv.Itoa(c.MemoryGB) + "G"
}

// SensitivityArg renders the sensitivity without trailing zeros ("3", "5.7").
func (c RunConfig) SensitivityArg() string {
	return strconv.FormatFloat(c.Sensitivity, 'f', -1, 64)
}

// StepTimeoutDuration parses StepTimeout. Zero means unlimited.
func (c RunConfig) StepTimeoutDuration() (time.Duration, error) {
	if c.StepTimeout == "" || c.StepTimeout == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.StepTimeout)
	if err != nil {
		return 0, &ValidationError{Field: "step-timeout", Reason: err.Error()}
	}
	return d, nil
}
