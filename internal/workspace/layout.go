// Package workspace owns the output directory of a run: the fixed artifact
// paths, the logs/ and tmp/ subdirectories, and the scoped scratch handle.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"contigtax/internal/logging"
)

// Names of the entries created under the output directory.
const (
	LogsDir      = "logs"
	ScratchDir   = "tmp"
	ContigsDB    = "contigs"
	ResultDB     = "lca_result"
	LCATable     = "lca.tsv"
	SummaryTable = "contigs_lca.tsv"
	Report       = "report.txt"
	KronaReport  = "report_krona.html"
)

// Layout resolves the fixed paths of a run under Root.
type Layout struct {
	Root string
}

// NewLayout returns the layout rooted at the output directory.
func NewLayout(root string) Layout {
	return Layout{Root: filepath.Clean(root)}
}

func (l Layout) path(name string) string { return filepath.Join(l.Root, name) }

func (l Layout) Logs() string         { return l.path(LogsDir) }
func (l Layout) Scratch() string      { return l.path(ScratchDir) }
func (l Layout) ContigsDB() string    { return l.path(ContigsDB) }
func (l Layout) ResultDB() string     { return l.path(ResultDB) }
func (l Layout) LCATable() string     { return l.path(LCATable) }
func (l Layout) SummaryTable() string { return l.path(SummaryTable) }
func (l Layout) Report() string       { return l.path(Report) }
func (l Layout) KronaReport() string  { return l.path(KronaReport) }

// StepLog is the log file of one external invocation.
func (l Layout) StepLog(step string) string {
	return filepath.Join(l.Logs(), step+".log")
}

// Artifacts lists the primary outputs of a complete run. The indexed contigs
// and the result database are prefixes; the tool writes sibling files next
// to them.
func (l Layout) Artifacts() []string {
	return []string{
		l.ContigsDB(),
		l.ResultDB(),
		l.LCATable(),
		l.SummaryTable(),
		l.Report(),
		l.KronaReport(),
	}
}

// Prepare creates the output directory with its logs and tmp subdirectories.
// Existing directories are not an error.
func Prepare(l Layout) error {
	for _, dir := range []string{l.Root, l.Logs(), l.Scratch()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	logging.WorkspaceDebug("Prepared output tree at %s", l.Root)
	return nil
}

// OpenStepLog creates (or truncates) the log file for step.
func (l Layout) OpenStepLog(step string) (*os.File, error) {
	f, err := os.Create(l.StepLog(step))
	if err != nil {
		return nil, fmt.Errorf("failed to open log for %s: %w", step, err)
	}
	return f, nil
}
