package workspace

import (
	"fmt"
	"os"
	"sync"

	"contigtax/internal/logging"
)

// Scratch is the acquired tmp/ working directory of a run. Release removes it
// exactly once; further calls return the first result.
type Scratch struct {
	path string

	once sync.Once
	err  error
}

// AcquireScratch makes sure the scratch directory exists and hands out the
// handle that owns it. Callers defer Release right after a successful acquire.
func AcquireScratch(l Layout) (*Scratch, error) {
	dir := l.Scratch()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	logging.WorkspaceDebug("Acquired scratch directory %s", dir)
	return &Scratch{path: dir}, nil
}

// Path returns the scratch directory.
func (s *Scratch) Path() string {
	return s.path
}

// Release removes the scratch directory and its contents. A directory that
// is already gone is not an error.
func (s *Scratch) Release() error {
	s.once.Do(func() {
		if err := os.RemoveAll(s.path); err != nil {
			s.err = fmt.Errorf("failed to remove scratch directory %s: %w", s.path, err)
			logging.WorkspaceWarn("%v", s.err)
			return
		}
		logging.Workspace("Removed scratch directory %s", s.path)
	})
	return s.err
}
