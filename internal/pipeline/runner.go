// Package pipeline drives a contigtax run: precondition checks, output tree,
// the fixed sequence of classifier invocations, and the LCA summary. Steps run
// strictly one after another; the first failure ends the run, and the scratch
// directory is released on every path out of Run.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"contigtax/internal/config"
	"contigtax/internal/logging"
	"contigtax/internal/preflight"
	"contigtax/internal/summary"
	"contigtax/internal/tactile"
	"contigtax/internal/workspace"
)

// capturedOutputBytes bounds how much tool output is kept in memory; the
// step log always receives everything.
const capturedOutputBytes = 64 * 1024

// timeoutWarnPercent is the share of --step-timeout after which a finished
// step is logged as slow.
const timeoutWarnPercent = 80

// outputTailBytes is how much of a failed step's output goes to the process log.
const outputTailBytes = 2048

// Runner executes one run configuration.
type Runner struct {
	cfg      config.RunConfig
	executor tactile.Executor
	checker  *preflight.Checker
	logger   *zap.Logger
}

// Option customises a Runner.
type Option func(*Runner)

// WithExecutor replaces the process executor.
func WithExecutor(e tactile.Executor) Option {
	return func(r *Runner) { r.executor = e }
}

// WithChecker replaces the precondition checker.
func WithChecker(c *preflight.Checker) Option {
	return func(r *Runner) { r.checker = c }
}

// NewRunner creates a runner for cfg. By default tools run through a
// DirectExecutor whose events are logged to the tactile category.
func NewRunner(cfg config.RunConfig, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg,
		logger: logging.Get(logging.CategoryPipeline),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.executor == nil {
		execCfg := tactile.DefaultExecutorConfig()
		execCfg.MaxOutputBytes = capturedOutputBytes
		execCfg.AuditCallback = tactile.AuditLogger(logging.Get(logging.CategoryTactile))
		r.executor = tactile.NewDirectExecutorWithConfig(execCfg)
	}
	if r.checker == nil {
		r.checker = preflight.NewChecker()
	}
	return r
}

// Run executes the whole pipeline. The returned report is non-nil whenever
// the configuration was valid, including failed runs.
func (r *Runner) Run(ctx context.Context) (report *Report, err error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}

	report = newReport(r.cfg)
	defer func() { report.finish(err) }()

	timeout, _ := r.cfg.StepTimeoutDuration()

	pre, err := r.checker.Check(r.cfg)
	if err != nil {
		return report, err
	}
	report.ToolPath = pre.ToolPath

	layout := workspace.NewLayout(r.cfg.Output)
	if err := workspace.Prepare(layout); err != nil {
		return report, eris.Wrap(err, "prepare output directory")
	}

	scratch, err := workspace.AcquireScratch(layout)
	if err != nil {
		return report, eris.Wrap(err, "acquire scratch directory")
	}
	defer func() {
		if releaseErr := scratch.Release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()

	r.logger.Info("run started",
		zap.String("run_id", report.RunID),
		zap.String("contigs", r.cfg.Contigs),
		zap.String("database", r.cfg.Database),
		zap.String("output", layout.Root),
		zap.Int("threads", r.cfg.Threads),
		zap.String("memory", r.cfg.MemoryLimit()),
		zap.String("sensitivity", r.cfg.SensitivityArg()))

	runTimer := logging.StartTimer(logging.CategoryPipeline, "run "+report.RunID)
	cfg := r.cfg
	cfg.Tool = pre.ToolPath
	for _, step := range Plan(cfg, layout) {
		if err := r.runStep(ctx, layout, step, timeout, report); err != nil {
			return report, err
		}
	}

	if err := r.summarize(layout, report); err != nil {
		return report, err
	}

	runTimer.StopWithInfo()
	return report, nil
}

// runStep executes one invocation with its output sent to the step log.
func (r *Runner) runStep(ctx context.Context, layout workspace.Layout, step Step, timeout time.Duration, report *Report) error {
	logger := r.logger.With(zap.String("step", step.Name))
	timer := logging.StartTimer(logging.CategoryPipeline, step.Name)

	logPath := layout.StepLog(step.Name)
	stepErr := &StepError{Step: step.Name, Description: step.Description, ExitCode: -1, Log: logPath}

	logFile, err := layout.OpenStepLog(step.Name)
	if err != nil {
		stepErr.Log = ""
		stepErr.Err = err
		return stepErr
	}
	defer logFile.Close()

	cmd := step.Command
	cmd.Output = logFile
	if timeout > 0 {
		cmd.Limits = &tactile.ResourceLimits{TimeoutMs: timeout.Milliseconds()}
	}
	fmt.Fprintf(logFile, "# %s\n", cmd.CommandString())

	logger.Info(step.Description)
	result, err := r.executor.Execute(ctx, cmd)
	var elapsed time.Duration
	if timeout > 0 {
		elapsed = timer.StopWithThreshold(timeout * timeoutWarnPercent / 100)
	} else {
		elapsed = timer.Stop()
	}

	record := StepRecord{
		Name:     step.Name,
		Command:  cmd.CommandString(),
		ExitCode: -1,
		Duration: elapsed.Round(time.Millisecond).String(),
		Log:      logPath,
	}
	defer func() { report.Steps = append(report.Steps, record) }()

	if err != nil {
		stepErr.Err = err
		return stepErr
	}

	record.ExitCode = result.ExitCode
	record.KillReason = result.KillReason
	if ru := result.ResourceUsage; ru != nil {
		record.MaxRSSBytes = ru.MaxRSSBytes
		record.CPUTimeMs = ru.TotalCPUTimeMs()
	}

	if result.Succeeded() {
		logger.Debug("step succeeded", zap.Duration("elapsed", elapsed))
		return nil
	}

	stepErr.ExitCode = result.ExitCode
	switch {
	case result.Killed:
		stepErr.Reason = "killed: " + result.KillReason
	case result.IsError():
		stepErr.Reason = "could not start: " + result.Error
	case result.IsNonZeroExit():
		logger.Debug("non-zero exit", zap.Int("exit_code", result.ExitCode))
	}
	logger.Error("step failed",
		zap.Int("exit_code", result.ExitCode),
		zap.String("log", logPath),
		zap.String("output_tail", tail(result.Output(), outputTailBytes)))
	return stepErr
}

// summarize tallies lca.tsv into contigs_lca.tsv.
func (r *Runner) summarize(layout workspace.Layout, report *Report) error {
	start := time.Now()
	tallies, err := summary.Summarize(layout.LCATable(), layout.SummaryTable())
	record := StepRecord{
		Name:     StepSummarize,
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}
	if err != nil {
		record.ExitCode = -1
		report.Steps = append(report.Steps, record)
		return &StepError{
			Step:        StepSummarize,
			Description: "summarize LCA table",
			ExitCode:    -1,
			Err:         eris.Wrapf(err, "summarize %s", layout.LCATable()),
		}
	}
	report.Steps = append(report.Steps, record)

	report.Tallies = tallies
	report.Labels = len(tallies)
	report.Contigs = summary.Total(tallies)
	return nil
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// DryRun checks preconditions and prints the planned invocations to w
// without creating anything.
func (r *Runner) DryRun(w io.Writer) error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	pre, err := r.checker.Check(r.cfg)
	if err != nil {
		return err
	}

	cfg := r.cfg
	cfg.Tool = pre.ToolPath
	layout := workspace.NewLayout(cfg.Output)
	for _, step := range Plan(cfg, layout) {
		if _, err := fmt.Fprintf(w, "%s > %s 2>&1\n", step.Command.CommandString(), layout.StepLog(step.Name)); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "# summarize column %d of %s into %s\n",
		summary.LabelColumn, layout.LCATable(), layout.SummaryTable())
	return err
}
