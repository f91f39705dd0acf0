//go:build windows

package discovery

import "os"

// processAlive reports whether a process with the given pid exists. On
// Windows FindProcess fails for pids that do not exist.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	proc.Release()
	return true
}
