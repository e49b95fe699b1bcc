package hypervisor

import "runtime"

// Arch is a guest CPU architecture. Guests always use the host's
// architecture so the accelerator can run them natively.
type Arch string

const (
	ArchAMD64 Arch = "amd64"
	ArchARM64 Arch = "arm64"
)

// CurrentArch returns the host architecture, or "" when guests cannot be
// built for it.
func CurrentArch() Arch {
	switch runtime.GOARCH {
	case "amd64":
		return ArchAMD64
	case "arm64":
		return ArchARM64
	default:
		return ""
	}
}

// Supported reports whether guests can be built for a.
func (a Arch) Supported() bool {
	return a == ArchAMD64 || a == ArchARM64
}

// QEMUName is the architecture as QEMU spells it in executable and
// firmware names.
func (a Arch) QEMUName() string {
	switch a {
	case ArchARM64:
		return "aarch64"
	default:
		return "x86_64"
	}
}

// BinaryNames lists the hypervisor executables for a, in lookup order.
// qemu-kvm is the distribution name of the native emulator.
func (a Arch) BinaryNames() []string {
	return []string{"qemu-system-" + a.QEMUName(), "qemu-kvm"}
}

// Machine is the board emulated for a.
func (a Arch) Machine() string {
	if a == ArchARM64 {
		return "virt"
	}
	return "q35"
}

// RequiresFirmware reports whether a can only boot with a UEFI code image.
func (a Arch) RequiresFirmware() bool {
	return a == ArchARM64
}
