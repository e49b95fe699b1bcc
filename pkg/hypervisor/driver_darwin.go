//go:build darwin

package hypervisor

// DefaultAccelerator returns the Hypervisor.framework accelerator.
func DefaultAccelerator() string {
	return "hvf"
}
