package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"contigtax/internal/config"
	"contigtax/internal/summary"
)

// Report records what a run did. It is returned for every run that got past
// argument validation, successful or not.
type Report struct {
	RunID      string           `yaml:"run_id"`
	StartedAt  time.Time        `yaml:"started_at"`
	FinishedAt time.Time        `yaml:"finished_at"`
	Duration   string           `yaml:"duration"`
	Success    bool             `yaml:"success"`
	Error      string           `yaml:"error,omitempty"`
	Config     config.RunConfig `yaml:"config"`
	ToolPath   string           `yaml:"tool_path,omitempty"`
	Steps      []StepRecord     `yaml:"steps"`

	// Labels and Contigs describe contigs_lca.tsv.
	Labels  int `yaml:"labels"`
	Contigs int `yaml:"contigs"`

	Tallies []summary.Tally `yaml:"-"`
}

// StepRecord is the outcome of one step.
type StepRecord struct {
	Name        string `yaml:"name"`
	Command     string `yaml:"command,omitempty"`
	ExitCode    int    `yaml:"exit_code"`
	Duration    string `yaml:"duration"`
	Log         string `yaml:"log,omitempty"`
	KillReason  string `yaml:"kill_reason,omitempty"`
	MaxRSSBytes int64  `yaml:"max_rss_bytes,omitempty"`
	CPUTimeMs   int64  `yaml:"cpu_time_ms,omitempty"`
}

func newReport(cfg config.RunConfig) *Report {
	return &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Config:    cfg,
	}
}

// finish stamps the outcome of the run.
func (r *Report) finish(err error) {
	r.FinishedAt = time.Now()
	r.Duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
	r.Success = err == nil
	if err != nil {
		r.Error = err.Error()
	}
}

// StepNames lists the steps that were started, in order.
func (r *Report) StepNames() []string {
	names := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		names = append(names, s.Name)
	}
	return names
}

// WriteManifest serialises the report as YAML to path.
func (r *Report) WriteManifest(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
