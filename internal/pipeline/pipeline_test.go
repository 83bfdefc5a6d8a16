package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/yaml.v3"

	"contigtax/internal/config"
	"contigtax/internal/logging"
	"contigtax/internal/preflight"
	"contigtax/internal/tactile"
	"contigtax/internal/workspace"
)

// stubTool mimics the classifier: it records each subcommand, checks the
// scratch directory exists for taxonomy, and creates the expected outputs.
const stubTool = `#!/bin/sh
echo "$1" >> "@CALLS@"
step="$1"
if [ "$1" = "taxonomyreport" ] && [ "$5" = "--report-mode" ]; then
	step="taxonomyreport_krona"
fi
if [ "$step" = "@FAIL@" ]; then
	echo "boom from $step" >&2
	exit 3
fi
if [ "$step" = "@SLEEP@" ]; then
	sleep 30
fi
case "$1" in
createdb)
	: > "$3"
	;;
taxonomy)
	[ -d "$5" ] || exit 9
	: > "$4"
	: > "$5/partial"
	;;
createtsv)
	printf 'c1\t1\tspecies\tEscherichia coli\nc2\t1\tspecies\tEscherichia coli\nc3\t0\tno rank\tunclassified\nc4\t2\tgenus\tBacillus\n' > "$4"
	;;
taxonomyreport)
	echo "report for $2" > "$4"
	;;
esac
echo "done $step"
`

type fixture struct {
	dir   string
	calls string
	cfg   config.RunConfig
}

func newFixture(t *testing.T, failStep string) *fixture {
	t.Helper()
	return newStubFixture(t, failStep, "")
}

// newStubFixture is newFixture with a step that hangs until killed.
func newStubFixture(t *testing.T, failStep, sleepStep string) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub tool is a shell script")
	}

	dir := t.TempDir()
	f := &fixture{dir: dir, calls: filepath.Join(dir, "calls")}

	script := strings.NewReplacer("@CALLS@", f.calls, "@FAIL@", failStep, "@SLEEP@", sleepStep).Replace(stubTool)
	tool := filepath.Join(dir, "mmseqs")
	require.NoError(t, os.WriteFile(tool, []byte(script), 0755))

	contigs := filepath.Join(dir, "contigs.fasta")
	require.NoError(t, os.WriteFile(contigs, []byte(">c1\nACGT\n>c2\nGGCC\n"), 0644))

	db := filepath.Join(dir, "db")
	require.NoError(t, os.Mkdir(db, 0755))

	f.cfg = config.DefaultRunConfig()
	f.cfg.Tool = tool
	f.cfg.Contigs = contigs
	f.cfg.Database = db
	f.cfg.Output = filepath.Join(dir, "out")
	return f
}

func (f *fixture) invoked(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.calls)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Fields(string(data))
}

func TestRunProducesArtifacts(t *testing.T) {
	f := newFixture(t, "")

	report, err := NewRunner(f.cfg).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.True(t, report.Success)
	assert.Empty(t, report.Error)

	layout := workspace.NewLayout(f.cfg.Output)
	for _, artifact := range layout.Artifacts() {
		assert.FileExists(t, artifact)
	}
	assert.NoDirExists(t, layout.Scratch())

	want := []string{"createdb", "taxonomy", "createtsv", "taxonomyreport", "taxonomyreport"}
	if diff := cmp.Diff(want, f.invoked(t)); diff != "" {
		t.Errorf("invocations mismatch (-want +got):\n%s", diff)
	}

	summaryData, err := os.ReadFile(layout.SummaryTable())
	require.NoError(t, err)
	assert.Equal(t, "2\tEscherichia coli\n1\tBacillus\n1\tunclassified\n", string(summaryData))

	assert.Equal(t, []string{StepCreateDB, StepTaxonomy, StepCreateTSV, StepReport, StepKronaReport, StepSummarize}, report.StepNames())
	assert.Equal(t, 3, report.Labels)
	assert.Equal(t, 4, report.Contigs)
	assert.Equal(t, f.cfg.Tool, report.ToolPath)
	assert.NotEmpty(t, report.RunID)

	logData, err := os.ReadFile(layout.StepLog(StepTaxonomy))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(logData), "# "+f.cfg.Tool+" taxonomy "))
	assert.Contains(t, string(logData), "done taxonomy")
}

func TestRunStopsAtFailedStep(t *testing.T) {
	f := newFixture(t, StepCreateTSV)

	report, err := NewRunner(f.cfg).Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, report)
	assert.False(t, report.Success)
	assert.Equal(t, err.Error(), report.Error)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepCreateTSV, stepErr.Step)
	assert.Equal(t, 3, stepErr.ExitCode)

	assert.Equal(t, []string{"createdb", "taxonomy", "createtsv"}, f.invoked(t))

	layout := workspace.NewLayout(f.cfg.Output)
	assert.NoDirExists(t, layout.Scratch())
	assert.NoFileExists(t, layout.SummaryTable())
	assert.NoFileExists(t, layout.Report())

	logData, readErr := os.ReadFile(stepErr.Log)
	require.NoError(t, readErr)
	assert.Contains(t, string(logData), "boom from createtsv")
}

func TestRunFailingKronaReport(t *testing.T) {
	f := newFixture(t, StepKronaReport)

	_, err := NewRunner(f.cfg).Run(context.Background())
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepKronaReport, stepErr.Step)

	layout := workspace.NewLayout(f.cfg.Output)
	assert.FileExists(t, layout.Report())
	assert.NoFileExists(t, layout.SummaryTable())
	assert.NoDirExists(t, layout.Scratch())
}

func TestRunMissingToolCreatesNothing(t *testing.T) {
	f := newFixture(t, "")
	f.cfg.Tool = filepath.Join(f.dir, "no-such-tool")

	report, err := NewRunner(f.cfg).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, preflight.ErrToolNotFound))
	require.NotNil(t, report)
	assert.False(t, report.Success)
	assert.NoDirExists(t, f.cfg.Output)
}

func TestRunMissingInputsInvokeNothing(t *testing.T) {
	t.Run("contigs", func(t *testing.T) {
		f := newFixture(t, "")
		f.cfg.Contigs = filepath.Join(f.dir, "missing.fasta")

		_, err := NewRunner(f.cfg).Run(context.Background())
		assert.True(t, errors.Is(err, preflight.ErrContigsMissing))
		assert.Empty(t, f.invoked(t))
		assert.NoDirExists(t, f.cfg.Output)
	})

	t.Run("database", func(t *testing.T) {
		f := newFixture(t, "")
		f.cfg.Database = filepath.Join(f.dir, "missing-db")

		_, err := NewRunner(f.cfg).Run(context.Background())
		assert.True(t, errors.Is(err, preflight.ErrDatabaseMissing))
		assert.Empty(t, f.invoked(t))
		assert.NoDirExists(t, f.cfg.Output)
	})
}

func TestRunInvalidConfig(t *testing.T) {
	f := newFixture(t, "")
	f.cfg.Threads = 0

	report, err := NewRunner(f.cfg).Run(context.Background())
	assert.Nil(t, report)

	var vErr *config.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "-t/--threads", vErr.Field)
	assert.Empty(t, f.invoked(t))
}

func TestRunIsDeterministic(t *testing.T) {
	f := newFixture(t, "")

	var outputs []string
	for _, name := range []string{"first", "second"} {
		cfg := f.cfg
		cfg.Output = filepath.Join(f.dir, name)
		_, err := NewRunner(cfg).Run(context.Background())
		require.NoError(t, err)

		data, err := os.ReadFile(workspace.NewLayout(cfg.Output).SummaryTable())
		require.NoError(t, err)
		outputs = append(outputs, string(data))
	}
	assert.Equal(t, outputs[0], outputs[1])
}

func TestRunReusesExistingOutput(t *testing.T) {
	f := newFixture(t, "")

	_, err := NewRunner(f.cfg).Run(context.Background())
	require.NoError(t, err)
	_, err = NewRunner(f.cfg).Run(context.Background())
	require.NoError(t, err)

	assert.NoDirExists(t, workspace.NewLayout(f.cfg.Output).Scratch())
}

// fakeExecutor records commands and writes the LCA table on createtsv.
type fakeExecutor struct {
	mu       sync.Mutex
	commands []tactile.Command
	lca      string
	failOn   string
}

func (e *fakeExecutor) Validate(cmd tactile.Command) error { return nil }

func (e *fakeExecutor) Execute(ctx context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
	e.mu.Lock()
	e.commands = append(e.commands, cmd)
	e.mu.Unlock()

	if cmd.RequestID == e.failOn {
		return &tactile.ExecutionResult{ExitCode: 1, Command: &cmd}, nil
	}
	if cmd.RequestID == StepCreateTSV && e.lca != "" {
		if err := os.WriteFile(cmd.Arguments[3], []byte(e.lca), 0644); err != nil {
			return nil, err
		}
	}
	return &tactile.ExecutionResult{Success: true, Command: &cmd}, nil
}

func TestRunWithFakeExecutor(t *testing.T) {
	f := newFixture(t, "")
	f.cfg.StepTimeout = "90s"
	exec := &fakeExecutor{lca: "a\t1\tspecies\tX\nb\t1\tspecies\tY\nc\t1\tspecies\tX\n"}

	report, err := NewRunner(f.cfg, WithExecutor(exec)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Labels)

	require.Len(t, exec.commands, 5)
	var ids []string
	for _, cmd := range exec.commands {
		ids = append(ids, cmd.RequestID)
		require.NotNil(t, cmd.Limits)
		assert.Equal(t, (90 * time.Second).Milliseconds(), cmd.Limits.TimeoutMs)
		assert.NotNil(t, cmd.Output)
	}
	assert.Equal(t, []string{StepCreateDB, StepTaxonomy, StepCreateTSV, StepReport, StepKronaReport}, ids)
}

func TestRunNonZeroExitFromExecutor(t *testing.T) {
	f := newFixture(t, "")
	exec := &fakeExecutor{failOn: StepTaxonomy}

	_, err := NewRunner(f.cfg, WithExecutor(exec)).Run(context.Background())
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepTaxonomy, stepErr.Step)
	assert.Equal(t, 1, stepErr.ExitCode)
	assert.Len(t, exec.commands, 2)
	assert.NoDirExists(t, workspace.NewLayout(f.cfg.Output).Scratch())
}

func TestRunSummarizeFailure(t *testing.T) {
	f := newFixture(t, "")
	exec := &fakeExecutor{}

	report, err := NewRunner(f.cfg, WithExecutor(exec)).Run(context.Background())
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepSummarize, stepErr.Step)
	assert.Contains(t, err.Error(), "summarize")
	assert.Equal(t, StepSummarize, report.StepNames()[len(report.Steps)-1])
}

func TestRunCanceledContext(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRunner(f.cfg).Run(ctx)
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepCreateDB, stepErr.Step)
	assert.NoDirExists(t, workspace.NewLayout(f.cfg.Output).Scratch())
}

func TestRunCanceledDuringStep(t *testing.T) {
	f := newStubFixture(t, "", StepTaxonomy)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			if data, err := os.ReadFile(f.calls); err == nil && strings.Contains(string(data), "taxonomy") {
				cancel()
				return
			}
		}
	}()

	start := time.Now()
	_, err := NewRunner(f.cfg).Run(ctx)
	<-done

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr), "got %v", err)
	assert.Equal(t, StepTaxonomy, stepErr.Step)
	assert.Equal(t, "killed: context canceled", stepErr.Reason)
	assert.Less(t, time.Since(start), 20*time.Second)

	assert.Equal(t, []string{"createdb", "taxonomy"}, f.invoked(t))
	assert.NoDirExists(t, workspace.NewLayout(f.cfg.Output).Scratch())
}

// slowExecutor delays every invocation.
type slowExecutor struct {
	fakeExecutor
	delay time.Duration
}

func (e *slowExecutor) Execute(ctx context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
	time.Sleep(e.delay)
	return e.fakeExecutor.Execute(ctx, cmd)
}

func TestRunLogsSlowStepsAndRunTime(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logging.SetLogger(zap.New(core))
	t.Cleanup(func() { logging.SetLogger(nil) })

	f := newFixture(t, "")
	f.cfg.StepTimeout = "10ms"
	exec := &slowExecutor{
		fakeExecutor: fakeExecutor{lca: "a\t1\tspecies\tX\n"},
		delay:        20 * time.Millisecond,
	}

	_, err := NewRunner(f.cfg, WithExecutor(exec)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, logs.FilterMessage(StepCreateDB+" exceeded threshold").Len())
	assert.Equal(t, 5, logs.FilterMessageSnippet("exceeded threshold").Len())

	runDone := logs.FilterMessageSnippet("run ").FilterMessageSnippet(" completed").FilterLevelExact(zapcore.InfoLevel)
	assert.Equal(t, 1, runDone.Len())
}

func TestPlanArguments(t *testing.T) {
	cfg := config.DefaultRunConfig()
	cfg.Contigs = "contigs.fa"
	cfg.Database = "refdb"
	cfg.Output = "out"
	cfg.Threads = 4
	cfg.MemoryGB = 16
	cfg.Sensitivity = 5.7

	var got [][]string
	for _, step := range Plan(cfg, workspace.NewLayout(cfg.Output)) {
		assert.Equal(t, "mmseqs", step.Command.Binary)
		assert.Equal(t, step.Name, step.Command.Tags["step"])
		got = append(got, step.Command.Arguments)
	}

	want := [][]string{
		{"createdb", "contigs.fa", filepath.Join("out", "contigs")},
		{"taxonomy", filepath.Join("out", "contigs"), "refdb", filepath.Join("out", "lca_result"), filepath.Join("out", "tmp"),
			"-s", "5.7", "--threads", "4", "--split-memory-limit", "16G"},
		{"createtsv", filepath.Join("out", "contigs"), filepath.Join("out", "lca_result"), filepath.Join("out", "lca.tsv")},
		{"taxonomyreport", "refdb", filepath.Join("out", "lca_result"), filepath.Join("out", "report.txt")},
		{"taxonomyreport", "refdb", filepath.Join("out", "lca_result"), filepath.Join("out", "report_krona.html"), "--report-mode", "1"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestStepErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *StepError
		want string
	}{
		{
			name: "exit code",
			err:  &StepError{Step: "taxonomy", Description: "classify contigs", ExitCode: 2, Log: "out/logs/taxonomy.log"},
			want: "classify contigs (taxonomy) failed with exit code 2; see out/logs/taxonomy.log",
		},
		{
			name: "killed",
			err:  &StepError{Step: "createdb", ExitCode: -1, Reason: "killed: timeout"},
			want: "createdb failed: killed: timeout",
		},
		{
			name: "wrapped",
			err:  &StepError{Step: "summarize", Err: errors.New("no such file")},
			want: "summarize failed: no such file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}

	inner := errors.New("inner")
	assert.True(t, errors.Is(&StepError{Step: "x", Err: inner}, inner))
}

func TestDryRun(t *testing.T) {
	f := newFixture(t, "")

	var buf bytes.Buffer
	require.NoError(t, NewRunner(f.cfg).DryRun(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[0], f.cfg.Tool+" createdb "))
	assert.Contains(t, lines[1], "--split-memory-limit 112G")
	assert.Contains(t, lines[4], "--report-mode 1")
	assert.True(t, strings.HasPrefix(lines[5], "# summarize"))

	assert.Empty(t, f.invoked(t))
	assert.NoDirExists(t, f.cfg.Output)
}

func TestWriteManifest(t *testing.T) {
	f := newFixture(t, "")
	report, err := NewRunner(f.cfg).Run(context.Background())
	require.NoError(t, err)

	path := filepath.Join(f.dir, "manifests", "run.yaml")
	require.NoError(t, report.WriteManifest(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded struct {
		RunID   string `yaml:"run_id"`
		Success bool   `yaml:"success"`
		Labels  int    `yaml:"labels"`
		Steps   []struct {
			Name     string `yaml:"name"`
			ExitCode int    `yaml:"exit_code"`
		} `yaml:"steps"`
		Config struct {
			Threads int `yaml:"threads"`
		} `yaml:"config"`
	}
	require.NoError(t, yaml.Unmarshal(data, &decoded))

	assert.Equal(t, report.RunID, decoded.RunID)
	assert.True(t, decoded.Success)
	assert.Equal(t, 3, decoded.Labels)
	assert.Len(t, decoded.Steps, 6)
	assert.Equal(t, config.DefaultThreads, decoded.Config.Threads)
	assert.NotContains(t, string(data), "tallies")
}
