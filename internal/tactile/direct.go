package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"contigtax/internal/logging"
)

// DirectExecutor runs commands as child processes of contigtax.
type DirectExecutor struct {
	config ExecutorConfig
}

// NewDirectExecutor uses DefaultExecutorConfig.
func NewDirectExecutor() *DirectExecutor {
	return NewDirectExecutorWithConfig(DefaultExecutorConfig())
}

// NewDirectExecutorWithConfig takes its audit callback from config.
func NewDirectExecutorWithConfig(config ExecutorConfig) *DirectExecutor {
	logging.TactileDebug("direct executor: default timeout %s, capture %d bytes",
		config.DefaultTimeout, config.MaxOutputBytes)
	return &DirectExecutor{config: config}
}

func (e *DirectExecutor) emitAudit(eventType AuditEventType, cmd Command, result *ExecutionResult) {
	callback := e.config.AuditCallback
	if callback != nil {
		callback(AuditEvent{
			Type:         eventType,
			Timestamp:    time.Now(),
			Command:      cmd,
			Result:       result,
			ExecutorName: "direct",
		})
	}
}

// Validate rejects commands that cannot be started as given.
func (e *DirectExecutor) Validate(cmd Command) error {
	if cmd.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if cmd.Limits != nil && (cmd.Limits.TimeoutMs < 0 || cmd.Limits.MaxOutputBytes < 0) {
		return fmt.Errorf("resource limits must not be negative")
	}
	return nil
}

// Execute runs cmd to completion. The returned error is non-nil only for an
// invalid command; every other outcome is described by the result.
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	timer := logging.StartTimer(logging.CategoryTactile, "exec "+cmd.RequestID)
	defer timer.Stop()

	if err := e.Validate(cmd); err != nil {
		logging.TactileWarn("rejected %s: %v", cmd.CommandString(), err)
		return nil, err
	}

	cmd = e.config.Merge(cmd)
	logging.TactileDebug("exec %s (dir=%q timeout=%dms)",
		cmd.CommandString(), cmd.WorkingDirectory, cmd.Limits.TimeoutMs)

	result := &ExecutionResult{
		ExitCode: -1,
		Command:  &cmd,
	}

	e.emitAudit(AuditEventStart, cmd, nil)

	execCtx := ctx
	var timeout time.Duration
	if cmd.Limits.TimeoutMs > 0 {
		timeout = time.Duration(cmd.Limits.TimeoutMs) * time.Millisecond
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(execCtx, cmd.Binary, cmd.Arguments...)
	execCmd.Dir = cmd.WorkingDirectory
	execCmd.Env = buildEnvironment(cmd.Environment)
	setupProcessGroup(execCmd)
	execCmd.Cancel = func() error { return killProcessGroup(execCmd) }
	execCmd.WaitDelay = e.config.KillGracePeriod

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: cmd.Limits.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: cmd.Limits.MaxOutputBytes}

	var stdout, stderr io.Writer = stdoutLimited, stderrLimited
	if cmd.Output != nil {
		// os/exec copies the two pipes from separate goroutines.
		shared := &syncWriter{w: cmd.Output}
		stdout = io.MultiWriter(stdoutLimited, shared)
		stderr = io.MultiWriter(stderrLimited, shared)
	}
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	result.StartedAt = time.Now()
	err := execCmd.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdoutLimited.discarded + stderrLimited.discarded
		logging.TactileDebug("capture of %s dropped %d bytes", cmd.Binary, result.TruncatedBytes)
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			result.Killed = true
			result.KillReason = fmt.Sprintf("timeout after %s", timeout)
			result.Success = true
			logging.TactileWarn("%s killed after %s", cmd.CommandString(), timeout)
			e.emitAudit(AuditEventKilled, cmd, result)
			return result, nil
		case ctx.Err() != nil:
			result.Killed = true
			result.KillReason = "context canceled"
			result.Success = true
			logging.TactileWarn("%s canceled", cmd.CommandString())
			e.emitAudit(AuditEventKilled, cmd, result)
			return result, nil
		case errors.As(err, &exitErr):
			result.Success = true
			result.ExitCode = exitErr.ExitCode()
			logging.TactileDebug("%s exited with %d", cmd.Binary, result.ExitCode)
		default:
			result.Success = false
			result.Error = err.Error()
			logging.TactileError("could not start %s: %v", cmd.Binary, err)
			e.emitAudit(AuditEventError, cmd, result)
			return result, nil
		}
	} else {
		result.Success = true
		result.ExitCode = 0
	}

	if e.config.EnableResourceUsage {
		result.ResourceUsage = getProcessResourceUsage(execCmd)
	}

	e.emitAudit(AuditEventComplete, cmd, result)

	logging.TactileDebug("%s finished: exit=%d in %s",
		cmd.Binary, result.ExitCode, result.Duration)

	return result, nil
}

// buildEnvironment returns the inherited environment followed by cmdEnv.
func buildEnvironment(cmdEnv []string) []string {
	return append(os.Environ(), cmdEnv...)
}

// limitedWriter keeps the first max bytes and counts the rest. It never
// reports a short write, so the pipe copier keeps draining the child.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}

// syncWriter serializes writes from the stdout and stderr copiers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
