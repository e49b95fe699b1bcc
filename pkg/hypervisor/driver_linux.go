//go:build linux

package hypervisor

import "golang.org/x/sys/unix"

// DefaultAccelerator returns kvm when /dev/kvm is usable and falls back to
// software emulation otherwise.
func DefaultAccelerator() string {
	if unix.Access("/dev/kvm", unix.R_OK|unix.W_OK) == nil {
		return "kvm"
	}
	return "tcg"
}
