// Package tactile is the process-execution layer of contigtax. It is the only
// package that starts external programs: the classifier invocations of the
// pipeline go through an Executor, which runs one Command, streams its output
// to the step log and reports an ExecutionResult.
//
// Whether a result is fatal is the caller's decision. On timeout or
// cancellation the whole process group of the child is killed.
package tactile

import (
	"io"
	"strings"
	"time"
)

// Command is one external program invocation.
type Command struct {
	// Binary is a name resolved on PATH or a path (e.g. "mmseqs").
	Binary string `json:"binary" yaml:"binary"`

	Arguments []string `json:"arguments" yaml:"arguments"`

	// WorkingDirectory falls back to ExecutorConfig.DefaultWorkingDir, then to
	// the current directory.
	WorkingDirectory string `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`

	// Environment holds extra KEY=VALUE pairs appended to the inherited ones.
	Environment []string `json:"environment,omitempty" yaml:"environment,omitempty"`

	// Output receives stdout and stderr as they are produced, in addition to
	// the bounded capture kept in the result. Typically a step log file.
	Output io.Writer `json:"-" yaml:"-"`

	Limits *ResourceLimits `json:"limits,omitempty" yaml:"limits,omitempty"`

	// RequestID ties audit events to the caller's unit of work (the step name).
	RequestID string `json:"request_id,omitempty" yaml:"request_id,omitempty"`

	// Tags are copied into audit log fields as tag.<key>.
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// CommandString renders the invocation on one line, unquoted.
func (c Command) CommandString() string {
	if len(c.Arguments) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Arguments, " ")
}

// ResourceLimits bounds a single invocation.
type ResourceLimits struct {
	// TimeoutMs of zero defers to ExecutorConfig.DefaultTimeout.
	TimeoutMs int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`

	// MaxOutputBytes caps the in-memory capture of each stream. Output
	// streamed to Command.Output is never cut. Zero defers to the executor.
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"`
}

// ExecutionResult describes how an invocation ended.
type ExecutionResult struct {
	// Success is false only when the process could not be run at all. A
	// non-zero exit or a kill still leaves it true; see Succeeded.
	Success bool `json:"success" yaml:"success"`

	// ExitCode is -1 when the process never exited on its own.
	ExitCode int `json:"exit_code" yaml:"exit_code"`

	// Stdout and Stderr hold the bounded capture.
	Stdout string `json:"stdout" yaml:"-"`
	Stderr string `json:"stderr" yaml:"-"`

	Duration time.Duration `json:"duration" yaml:"duration"`

	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`

	// Killed is set on timeout or cancellation; KillReason says which.
	Killed     bool   `json:"killed" yaml:"killed,omitempty"`
	KillReason string `json:"kill_reason,omitempty" yaml:"kill_reason,omitempty"`

	// Truncated reports that the capture dropped TruncatedBytes.
	Truncated      bool  `json:"truncated" yaml:"-"`
	TruncatedBytes int64 `json:"truncated_bytes,omitempty" yaml:"-"`

	// ResourceUsage is nil when collection is off or unsupported.
	ResourceUsage *ResourceUsage `json:"resource_usage,omitempty" yaml:"resource_usage,omitempty"`

	// Error is the launch failure, if any.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`

	// Command is the invocation after executor defaults were applied.
	Command *Command `json:"command,omitempty" yaml:"-"`
}

// IsError reports a launch failure.
func (r *ExecutionResult) IsError() bool {
	return !r.Success || r.Error != ""
}

// IsNonZeroExit reports a process that ran and exited with a failure status.
func (r *ExecutionResult) IsNonZeroExit() bool {
	return r.Success && r.ExitCode != 0
}

// Succeeded is true only for a command that ran to completion with exit 0.
func (r *ExecutionResult) Succeeded() bool {
	return r.Success && r.Error == "" && !r.Killed && r.ExitCode == 0
}

// Output joins the captured streams with a newline between them.
func (r *ExecutionResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// ResourceUsage is taken from the child's rusage after it exits.
type ResourceUsage struct {
	UserTimeMs   int64 `json:"user_time_ms" yaml:"user_time_ms"`
	SystemTimeMs int64 `json:"system_time_ms" yaml:"system_time_ms"`

	// MaxRSSBytes is the peak resident set size, normalised to bytes.
	MaxRSSBytes int64 `json:"max_rss_bytes" yaml:"max_rss_bytes"`
}

// TotalCPUTimeMs sums user and system time.
func (r *ResourceUsage) TotalCPUTimeMs() int64 {
	return r.UserTimeMs + r.SystemTimeMs
}

// AuditEventType names a point in an invocation's life.
type AuditEventType string

const (
	AuditEventStart    AuditEventType = "start"
	AuditEventComplete AuditEventType = "complete"
	AuditEventKilled   AuditEventType = "killed"
	AuditEventError    AuditEventType = "error"
)

// AuditEvent is handed to ExecutorConfig.AuditCallback.
type AuditEvent struct {
	Type      AuditEventType
	Timestamp time.Time
	Command   Command

	// Result is nil for start events.
	Result *ExecutionResult

	ExecutorName string
}

// ExecutorConfig holds the defaults an executor applies to every Command.
type ExecutorConfig struct {
	DefaultWorkingDir string

	// DefaultTimeout is used when no timeout is specified. Zero means none:
	// a classification run can legitimately take many hours.
	DefaultTimeout time.Duration

	// MaxOutputBytes caps output capture (default 1MB).
	MaxOutputBytes int64

	// KillGracePeriod is how long Wait lingers for output pipes after the
	// process group has been killed.
	KillGracePeriod time.Duration

	// AuditCallback may be nil.
	AuditCallback func(AuditEvent)

	EnableResourceUsage bool
}

// DefaultExecutorConfig has no timeout, a 1MB capture and a 5s grace period.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxOutputBytes:      1024 * 1024,
		KillGracePeriod:     5 * time.Second,
		EnableResourceUsage: true,
	}
}

// Merge fills the unset fields of cmd from c. The returned command owns a
// fresh Limits value; cmd.Limits is never modified.
func (c ExecutorConfig) Merge(cmd Command) Command {
	merged := cmd
	if merged.WorkingDirectory == "" {
		merged.WorkingDirectory = c.DefaultWorkingDir
	}

	var limits ResourceLimits
	if cmd.Limits != nil {
		limits = *cmd.Limits
	}
	if limits.TimeoutMs == 0 {
		limits.TimeoutMs = c.DefaultTimeout.Milliseconds()
	}
	if limits.MaxOutputBytes == 0 {
		limits.MaxOutputBytes = c.MaxOutputBytes
	}
	merged.Limits = &limits
	return merged
}
