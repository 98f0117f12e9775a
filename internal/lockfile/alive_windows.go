//go:build windows

package lockfile

import "os"

// processAlive reports whether a pid refers to a running process.
// FindProcess on Windows fails for pids that do not exist.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}
