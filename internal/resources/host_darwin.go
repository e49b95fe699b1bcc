//go:build darwin

package resources

import "golang.org/x/sys/unix"

func totalMemoryBytes() (uint64, error) {
	return unix.SysctlUint64("hw.memsize")
}
