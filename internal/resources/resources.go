// Package resources computes the CPU and memory handed to the guest.
package resources

import (
	"fmt"
	"runtime"
)

// Policy selects an allocation rule.
type Policy int

const (
	// Provisioning is used while the installer runs in the foreground.
	Provisioning Policy = iota
	// Run is used for the headless steady-state guest.
	Run
)

func (p Policy) String() string {
	switch p {
	case Provisioning:
		return "provisioning"
	case Run:
		return "run"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Host describes the machine the hypervisor runs on.
type Host struct {
	Cores     int
	MemoryGiB int
}

// Override carries operator-supplied values that replace computed ones.
// Zero fields are ignored.
type Override struct {
	MemoryGiB int
}

// Allocation is the guest's share of the host.
type Allocation struct {
	CPUs      int
	MemoryGiB int
}

// MemoryMiB returns the memory allocation in MiB, the unit the hypervisor takes.
func (a Allocation) MemoryMiB() int {
	return a.MemoryGiB * 1024
}

// Large hosts get a fixed run allocation so the desktop keeps its headroom.
const (
	largeHostCores = 16
	largeHostCPUs  = 8
	largeHostMemGB = 16
)

// Allocate applies policy to host. It has no side effects.
func Allocate(policy Policy, host Host, override Override) Allocation {
	var a Allocation

	switch policy {
	case Run:
		if host.Cores > largeHostCores {
			a = Allocation{CPUs: largeHostCPUs, MemoryGiB: largeHostMemGB}
		} else {
			a = Allocation{
				CPUs:      max(2, host.Cores/2),
				MemoryGiB: max(4, host.MemoryGiB/2),
			}
		}
	default:
		a = Allocation{
			CPUs:      max(2, host.Cores/2),
			MemoryGiB: max(2, host.MemoryGiB/2),
		}
	}

	if override.MemoryGiB > 0 {
		a.MemoryGiB = override.MemoryGiB
	}
	return a
}

// DetectHost reports the current machine's logical cores and total memory.
func DetectHost() (Host, error) {
	total, err := totalMemoryBytes()
	if err != nil {
		return Host{}, fmt.Errorf("read host memory: %w", err)
	}
	return Host{
		Cores:     runtime.NumCPU(),
		MemoryGiB: int(total >> 30),
	}, nil
}
