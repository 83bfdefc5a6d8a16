package config

import (
	"fmt"
	"math"
	"strings"
)

// ValidationError reports a missing or malformed setting. The CLI treats it
// as a usage error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the configuration for usage errors. It does not touch the
// filesystem; existence checks belong to preflight.
func (c RunConfig) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"-c/--contigs", c.Contigs},
		{"-d/--database", c.Database},
		{"-o/--output", c.Output},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{Field: r.field, Reason: "required flag not set"}
		}
	}

	if c.Threads <= 0 {
		return &ValidationError{Field: "-t/--threads", Reason: fmt.Sprintf("must be a positive integer, got %d", c.Threads)}
	}
	if c.MemoryGB <= 0 {
		return &ValidationError{Field: "-m/--memory", Reason: fmt.Sprintf("must be a positive integer, got %d", c.MemoryGB)}
	}
	if math.IsNaN(c.Sensitivity) || math.IsInf(c.Sensitivity, 0) {
		return &ValidationError{Field: "-s/--sensitivity", Reason: fmt.Sprintf("must be a finite number, got %g", c.Sensitivity)}
	}
	if c.Sensitivity <= 0 {
		return &ValidationError{Field: "-s/--sensitivity", Reason: fmt.Sprintf("must be a positive number, got %g", c.Sensitivity)}
	}
	if strings.TrimSpace(c.Tool) == "" {
		return &ValidationError{Field: "--tool", Reason: "must not be empty"}
	}

	d, err := c.StepTimeoutDuration()
	if err != nil {
		return err
	}
	if d < 0 {
		return &ValidationError{Field: "step-timeout", Reason: "must not be negative"}
	}
	return nil
}
