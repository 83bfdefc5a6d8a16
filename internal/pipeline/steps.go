package pipeline

import (
	"strconv"

	"contigtax/internal/config"
	"contigtax/internal/tactile"
	"contigtax/internal/workspace"
)

// Step names. They double as log file names under logs/.
const (
	StepCreateDB    = "createdb"
	StepTaxonomy    = "taxonomy"
	StepCreateTSV   = "createtsv"
	StepReport      = "taxonomyreport"
	StepKronaReport = "taxonomyreport_krona"
	StepSummarize   = "summarize"
)

// kronaReportMode selects the Krona HTML output of taxonomyreport.
const kronaReportMode = "1"

// Step is one external invocation of the classifier.
type Step struct {
	Name        string
	Description string
	Command     tactile.Command
}

// Plan returns the invocations of a run in execution order. It is a pure
// function of the configuration and the layout.
func Plan(cfg config.RunConfig, layout workspace.Layout) []Step {
	step := func(name, desc string, args ...string) Step {
		return Step{
			Name:        name,
			Description: desc,
			Command: tactile.Command{
				Binary:    cfg.Tool,
				Arguments: args,
				RequestID: name,
				Tags:      map[string]string{"step": name},
			},
		}
	}

	return []Step{
		step(StepCreateDB, "build contigs index",
			"createdb", cfg.Contigs, layout.ContigsDB()),
		step(StepTaxonomy, "classify contigs",
			"taxonomy", layout.ContigsDB(), cfg.Database, layout.ResultDB(), layout.Scratch(),
			"-s", cfg.SensitivityArg(),
			"--threads", strconv.Itoa(cfg.Threads),
			"--split-memory-limit", cfg.MemoryLimit()),
		step(StepCreateTSV, "export LCA table",
			"createtsv", layout.ContigsDB(), layout.ResultDB(), layout.LCATable()),
		step(StepReport, "generate taxonomy report",
			"taxonomyreport", cfg.Database, layout.ResultDB(), layout.Report()),
		step(StepKronaReport, "generate Krona report",
			"taxonomyreport", cfg.Database, layout.ResultDB(), layout.KronaReport(),
			"--report-mode", kronaReportMode),
	}
}
