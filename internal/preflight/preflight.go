// Package preflight checks that a run can start: the classifier is on PATH,
// the contigs file and the reference database exist. Checks only read the
// filesystem, so a failure leaves no trace behind.
package preflight

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"contigtax/internal/config"
	"contigtax/internal/logging"
	"contigtax/internal/tactile"
)

var (
	ErrToolNotFound    = errors.New("classification tool not found on PATH")
	ErrContigsMissing  = errors.New("contigs file not found")
	ErrDatabaseMissing = errors.New("database directory not found")
	ErrContigsInvalid  = errors.New("contigs file is not valid FASTA")
)

// Result describes what the checks resolved.
type Result struct {
	// ToolPath is the absolute path of the classifier binary.
	ToolPath string

	// Contigs is the number of FASTA records; only set when CheckFasta is on.
	Contigs int
}

// Checker runs the precondition checks. LookPath is swappable for tests.
type Checker struct {
	LookPath func(string) (string, error)
	logger   *zap.Logger
}

// NewChecker returns a Checker resolving binaries with tactile.Resolve.
func NewChecker() *Checker {
	return &Checker{
		LookPath: tactile.Resolve,
		logger:   logging.Get(logging.CategoryPreflight),
	}
}

// Check runs the checks in order and returns the first failure.
func (c *Checker) Check(cfg config.RunConfig) (*Result, error) {
	toolPath, err := c.LookPath(cfg.Tool)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, cfg.Tool)
	}
	c.logger.Debug("resolved tool", zap.String("tool", cfg.Tool), zap.String("path", toolPath))

	if err := checkRegularFile(cfg.Contigs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrContigsMissing, cfg.Contigs, err)
	}
	if err := checkDirectory(cfg.Database); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDatabaseMissing, cfg.Database, err)
	}

	result := &Result{ToolPath: toolPath}
	if cfg.CheckFasta {
		n, err := CountContigs(cfg.Contigs)
		if err != nil {
			return nil, err
		}
		result.Contigs = n
		c.logger.Info("contigs file parsed", zap.String("path", cfg.Contigs), zap.Int("records", n))
	}
	return result, nil
}

func checkRegularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}

func checkDirectory(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory")
	}
	return nil
}
