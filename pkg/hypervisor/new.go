package hypervisor

import (
	"os"
	"path/filepath"
	"runtime"
)

// SupportedPlatform returns true if the current platform has an accelerator.
func SupportedPlatform() bool {
	switch runtime.GOOS {
	case "darwin", "linux":
		return true
	default:
		return false
	}
}

// firmwareCandidates lists UEFI code images shipped by common packages.
var firmwareCandidates = map[Arch][]string{
	ArchAMD64: {
		"/usr/share/OVMF/OVMF_CODE_4M.fd",
		"/usr/share/OVMF/OVMF_CODE.fd",
		"/usr/share/edk2/ovmf/OVMF_CODE.fd",
		"/usr/share/edk2/x64/OVMF_CODE.fd",
		"/usr/share/qemu/edk2-x86_64-code.fd",
	},
	ArchARM64: {
		"/usr/share/AAVMF/AAVMF_CODE.fd",
		"/usr/share/edk2/aarch64/QEMU_EFI-pflash.raw",
		"/usr/share/qemu/edk2-aarch64-code.fd",
	},
}

// FindFirmware returns the first UEFI code image for arch found next to
// binary's installation prefix or in the distribution locations. ok is
// false when none exists; x86_64 guests then boot with legacy BIOS, arm64
// guests cannot boot at all.
func FindFirmware(arch Arch, binary string) (path string, ok bool) {
	candidates := firmwareCandidates[arch]
	if binary != "" {
		prefix := filepath.Dir(filepath.Dir(binary))
		bundled := filepath.Join(prefix, "share", "qemu", "edk2-"+arch.QEMUName()+"-code.fd")
		candidates = append([]string{bundled}, candidates...)
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, true
		}
	}
	return "", false
}
