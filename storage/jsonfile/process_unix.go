//go:build !windows

package jsonfile

import (
	"errors"
	"syscall"
)

// processAlive reports whether a process with the given PID exists.
// Signal 0 performs the permission and existence checks without delivering
// a signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
