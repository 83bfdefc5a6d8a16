package pipeline

import (
	"fmt"
)

// StepError reports the step that stopped the run.
type StepError struct {
	Step        string
	Description string

	// ExitCode is the tool's exit status, or -1 when it never finished.
	ExitCode int

	// Reason is set when the process was killed or could not start.
	Reason string

	// Log is the step's log file, if one was opened.
	Log string

	Err error
}

func (e *StepError) Error() string {
	what := e.Step
	if e.Description != "" {
		what = e.Description + " (" + e.Step + ")"
	}

	var msg string
	switch {
	case e.Reason != "":
		msg = fmt.Sprintf("%s failed: %s", what, e.Reason)
	case e.Err != nil:
		msg = fmt.Sprintf("%s failed: %v", what, e.Err)
	default:
		msg = fmt.Sprintf("%s failed with exit code %d", what, e.ExitCode)
	}
	if e.Log != "" {
		msg += "; see " + e.Log
	}
	return msg
}

func (e *StepError) Unwrap() error {
	return e.Err
}
