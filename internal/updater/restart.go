package updater

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Restarter replaces the running process with the newly installed build.
type Restarter interface {
	Restart() error
}

// ExecRestarter re-executes the current binary with its original arguments
// and environment. On success Restart does not return.
type ExecRestarter struct{}

// Restart implements Restarter.
func (ExecRestarter) Restart() error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}

	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("resolve symlinks: %w", err)
	}

	return syscall.Exec(execPath, os.Args, os.Environ())
}
