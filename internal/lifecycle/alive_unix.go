//go:build unix

package lifecycle

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processAlive checks pid with signal 0. EPERM means the process exists but
// belongs to another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
