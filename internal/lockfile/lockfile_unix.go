//go:build !windows

package lockfile

import (
	"errors"
	"os"
	"syscall"
)

// isProcessRunning probes pid with signal 0. A permission error still means
// the process exists, just under another user.
func isProcessRunning(pid int) (bool, string) {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, "process not found"
	}
	err = process.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true, ""
	case errors.Is(err, syscall.EPERM):
		return true, ""
	case errors.Is(err, os.ErrProcessDone):
		return false, "process has finished"
	default:
		return false, "cannot signal process"
	}
}
