//go:build !darwin && !linux

package hypervisor

// DefaultAccelerator falls back to software emulation on platforms without
// a supported accelerator.
func DefaultAccelerator() string {
	return "tcg"
}
