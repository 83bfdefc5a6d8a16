// Command contigtax assigns taxonomy to assembled contigs by driving MMseqs2
// and summarising the lowest-common-ancestor labels it produces.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"contigtax/internal/config"
	"contigtax/internal/logging"
	"contigtax/internal/pipeline"
	"contigtax/internal/summary"
)

const defaultTop = 10

// flags holds the raw command line values. They only win over the config
// file and environment when explicitly set.
type flags struct {
	configPath  string
	contigs     string
	database    string
	output      string
	threads     int
	memoryGB    int
	sensitivity float64
	tool        string
	stepTimeout time.Duration
	checkFasta  bool
	dryRun      bool
	manifest    string
	top         int
	verbose     bool
	logFormat   string
}

// usageError marks errors caused by how the command was invoked.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func isUsageError(err error) bool {
	var uErr *usageError
	var vErr *config.ValidationError
	return errors.As(err, &uErr) || errors.As(err, &vErr)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:   "contigtax -c <contigs.fasta> -d <database_dir> -o <output_dir>",
		Short: "Taxonomic classification of assembled contigs with MMseqs2",
		Long: `contigtax indexes a FASTA file of contigs, classifies them against an
MMseqs2 taxonomy database and writes an LCA table, a text report, a Krona
report and a per-label contig count to the output directory.

Each MMseqs2 step logs to <output_dir>/logs/<step>.log. The first failing
step stops the run; <output_dir>/tmp is removed either way.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.NoArgs(cmd, args); err != nil {
				return &usageError{err: err}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify(cmd, f, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	fs := cmd.Flags()
	fs.StringVarP(&f.contigs, "contigs", "c", "", "FASTA file of assembled contigs (required)")
	fs.StringVarP(&f.database, "database", "d", "", "MMseqs2 taxonomy database (required)")
	fs.StringVarP(&f.output, "output", "o", "", "Output directory (required)")
	fs.IntVarP(&f.threads, "threads", "t", config.DefaultThreads, "Threads passed to mmseqs taxonomy")
	fs.IntVarP(&f.memoryGB, "memory", "m", config.DefaultMemoryGB, "Split memory limit in GB")
	fs.Float64VarP(&f.sensitivity, "sensitivity", "s", config.DefaultSensitivity, "MMseqs2 sensitivity")
	fs.StringVar(&f.configPath, "config", "", "YAML config file")
	fs.StringVar(&f.tool, "tool", config.DefaultTool, "MMseqs2 binary name or path")
	fs.DurationVar(&f.stepTimeout, "step-timeout", 0, "Kill a step after this long (0 = no limit)")
	fs.BoolVar(&f.checkFasta, "check-fasta", false, "Parse the contigs file before running")
	fs.BoolVar(&f.dryRun, "dry-run", false, "Print the planned commands and exit")
	fs.StringVar(&f.manifest, "manifest", "", "Write a YAML run manifest to this path")
	fs.IntVar(&f.top, "top", defaultTop, "Labels shown in the final summary (0 disables)")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "Enable debug logging")
	fs.StringVar(&f.logFormat, "log-format", "text", "Log format: text or json")

	return cmd
}

// resolveConfig layers explicitly set flags over the config file and the
// environment.
func resolveConfig(cmd *cobra.Command, f *flags) (config.RunConfig, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}

	changed := cmd.Flags().Changed
	if changed("contigs") {
		cfg.Contigs = f.contigs
	}
	if changed("database") {
		cfg.Database = f.database
	}
	if changed("output") {
		cfg.Output = f.output
	}
	if changed("threads") {
		cfg.Threads = f.threads
	}
	if changed("memory") {
		cfg.MemoryGB = f.memoryGB
	}
	if changed("sensitivity") {
		cfg.Sensitivity = f.sensitivity
	}
	if changed("tool") {
		cfg.Tool = f.tool
	}
	if changed("step-timeout") {
		cfg.StepTimeout = f.stepTimeout.String()
	}
	if changed("check-fasta") {
		cfg.CheckFasta = f.checkFasta
	}
	if changed("log-format") {
		cfg.Logging.Format = f.logFormat
	}
	if f.verbose {
		cfg.Logging.Level = "debug"
	}

	if f.top < 0 {
		return cfg, &config.ValidationError{Field: "--top", Reason: fmt.Sprintf("must not be negative, got %d", f.top)}
	}
	return cfg, cfg.Validate()
}

func runClassify(cmd *cobra.Command, f *flags, stdout, stderr io.Writer) error {
	cfg, err := resolveConfig(cmd, f)
	if err != nil {
		return err
	}

	logger, err := logging.Initialize(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: stderr,
	})
	if err != nil {
		return &usageError{err: err}
	}
	defer logging.Sync()

	logging.Boot("contigs=%s database=%s output=%s threads=%d memory=%s sensitivity=%s",
		cfg.Contigs, cfg.Database, cfg.Output, cfg.Threads, cfg.MemoryLimit(), cfg.SensitivityArg())
	logging.BootDebug("config file %q, tool %q, step timeout %q", f.configPath, cfg.Tool, cfg.StepTimeout)

	runner := pipeline.NewRunner(cfg)
	if f.dryRun {
		return runner.DryRun(stdout)
	}

	report, err := runner.Run(cmd.Context())
	// A run stopped by preflight writes no manifest, so nothing is created
	// on disk.
	if report != nil && report.ToolPath != "" && f.manifest != "" {
		if mErr := report.WriteManifest(f.manifest); mErr != nil {
			logger.Error("manifest not written", zap.String("path", f.manifest), zap.Error(mErr))
			if err == nil {
				err = mErr
			}
		}
	}
	if err != nil {
		return err
	}

	if f.top > 0 {
		fmt.Fprintln(stderr, summary.Render(report.Tallies, f.top))
	}
	logger.Info("results written",
		zap.String("output", cfg.Output),
		zap.Int("contigs", report.Contigs),
		zap.Int("labels", report.Labels),
		zap.String("duration", report.Duration))
	return nil
}

// run executes the command line and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if isUsageError(err) {
			fmt.Fprint(stderr, cmd.UsageString())
		}
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
