package tactile

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Executor starts external programs.
type Executor interface {
	// A non-nil error means the command was rejected before it started;
	// launch failures, kills and non-zero exits are reported in the result.
	Execute(ctx context.Context, cmd Command) (*ExecutionResult, error)

	// Validate checks if a command can be executed by this executor.
	// Returns nil if valid, or an error explaining why not.
	Validate(cmd Command) error
}

// ErrBinaryNotFound is returned by Resolve when a binary is not on PATH.
var ErrBinaryNotFound = errors.New("binary not found")

// Resolve locates binary the way the executor will when it runs it, so that
// a missing tool is reported before any work starts.
func Resolve(binary string) (string, error) {
	if binary == "" {
		return "", fmt.Errorf("%w: empty name", ErrBinaryNotFound)
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, binary, err)
	}
	return path, nil
}
