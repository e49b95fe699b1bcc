package hypervisor

import (
	"fmt"
	"maps"
	"slices"
)

// DisplayMode selects how the guest's screen is presented.
type DisplayMode int

const (
	// Interactive opens a local window and keeps the hypervisor in the
	// foreground.
	Interactive DisplayMode = iota
	// Headless runs without display, daemonized, recording its process id.
	Headless
)

// Firmware is a UEFI code image and optional writable variable store.
type Firmware struct {
	Code string
	Vars string
}

// Media is an optical drive attached read-only.
type Media struct {
	// ID names the drive, e.g. "installer".
	ID   string
	Path string
}

// VMConfig is the device topology of one guest.
type VMConfig struct {
	// Name is shown in window titles and process listings.
	Name string

	// Arch defaults to CurrentArch().
	Arch Arch

	CPUs     int
	MemoryMB int

	// Accelerator is passed to -machine accel=, e.g. "kvm" or "hvf".
	Accelerator string

	// CPUModel defaults to host pass-through, or to "max" under software
	// emulation, which cannot pass the host CPU through.
	CPUModel string

	// Firmware boots the guest with UEFI when Code is set.
	Firmware Firmware

	// Media are attached in order; the first one boots after DiskPath.
	Media []Media

	// DiskPath is the raw disk image backing the guest's block device.
	DiskPath string

	// PortForwards maps host ports to guest ports for user networking.
	// Example: {3390: 3389} forwards 127.0.0.1:3390 to guest port 3389.
	PortForwards map[int]int

	Display DisplayMode

	// PIDFile receives the hypervisor's process id in Headless mode.
	PIDFile string
}

func (c *VMConfig) arch() Arch {
	if c.Arch == "" {
		return CurrentArch()
	}
	return c.Arch
}

// Validate performs basic validation of the configuration.
func (c *VMConfig) Validate() error {
	arch := c.arch()
	if !arch.Supported() {
		return fmt.Errorf("%w: %q", ErrUnsupportedArch, arch)
	}
	if arch.RequiresFirmware() && c.Firmware.Code == "" {
		return fmt.Errorf("%w: %s", ErrMissingFirmware, arch)
	}
	if c.CPUs < 1 {
		return ErrInvalidCPUCount
	}
	if c.MemoryMB < 128 {
		return ErrInsufficientMemory
	}
	if c.DiskPath == "" {
		return ErrMissingDisk
	}
	if c.Display == Headless && c.PIDFile == "" {
		return ErrMissingPIDFile
	}
	for host, guest := range c.PortForwards {
		if host < 1 || host > 65535 || guest < 1 || guest > 65535 {
			return fmt.Errorf("%w: %d -> %d", ErrInvalidPortForward, host, guest)
		}
	}
	return nil
}

// BuildArgs returns the hypervisor command line for c.
func BuildArgs(c *VMConfig) ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	arch := c.arch()
	accel := c.Accelerator
	if accel == "" {
		accel = DefaultAccelerator()
	}

	var a Arguments
	if c.Name != "" {
		a.Add(ArgName(c.Name))
	}
	a.Add(
		ArgMachine(arch.Machine(), "accel="+accel),
		ArgCPU(cpuFlags(arch, accel, c.CPUModel)...),
		ArgSMP(c.CPUs),
		ArgMemory(c.MemoryMB),
	)

	if c.Firmware.Code != "" {
		a.Add(ArgDrive("if=pflash", "format=raw", "unit=0", "readonly=on", "file="+c.Firmware.Code))
		if c.Firmware.Vars != "" {
			a.Add(ArgDrive("if=pflash", "format=raw", "unit=1", "file="+c.Firmware.Vars))
		}
	}

	a.Add(
		ArgDrive("id=disk", "if=none", "format=raw", "cache=writeback", "discard=unmap", "file="+c.DiskPath),
		ArgDevice("virtio-blk-pci", "drive=disk", "bootindex=0"),
	)

	for i, m := range c.Media {
		a.Add(
			ArgDrive("id="+m.ID, "if=none", "media=cdrom", "readonly=on", "file="+m.Path),
			opticalDevice(arch, m.ID, i),
		)
	}

	netdev := []string{"user", "id=net0"}
	for _, host := range slices.Sorted(maps.Keys(c.PortForwards)) {
		netdev = append(netdev, fmt.Sprintf("hostfwd=tcp:127.0.0.1:%d-:%d", host, c.PortForwards[host]))
	}
	a.Add(
		ArgNetdev(netdev...),
		ArgDevice("virtio-net-pci", "netdev=net0"),
		ArgDevice("virtio-rng-pci"),
		ArgDevice("qemu-xhci", "id=xhci"),
		ArgDevice("usb-tablet", "bus=xhci.0"),
	)

	// virt has neither a VGA adapter nor a PS/2 keyboard.
	if arch == ArchARM64 {
		a.Add(ArgDevice("usb-kbd", "bus=xhci.0"), ArgDevice("ramfb"))
	} else {
		a.Add(ArgVGA("std"))
	}

	switch c.Display {
	case Headless:
		a.Add(ArgDisplay("none"), ArgDaemonize, ArgPIDFile(c.PIDFile))
	default:
		a.Add(ArgDisplay("default"))
	}

	return a.Build()
}

// cpuFlags returns the -cpu value. Software emulation cannot pass the
// host CPU through, and the Hyper-V enlightenments exist only for x86
// guests under KVM.
func cpuFlags(arch Arch, accel, model string) []string {
	if model == "" {
		model = "host"
	}
	if model == "host" && accel == "tcg" {
		model = "max"
	}
	flags := []string{model}
	if model == "host" && arch == ArchAMD64 && accel == "kvm" {
		flags = append(flags, "hv_relaxed", "hv_spinlocks=0x1fff", "hv_vapic", "hv_time")
	}
	return flags
}

// opticalDevice attaches drive id as the i-th optical drive. q35 has an
// AHCI controller; virt has no IDE bus, so media goes on USB there.
func opticalDevice(arch Arch, id string, i int) Argument {
	boot := fmt.Sprintf("bootindex=%d", i+1)
	if arch == ArchARM64 {
		return ArgDevice("usb-storage", "drive="+id, "bus=xhci.0", boot)
	}
	return ArgDevice("ide-cd", "drive="+id, fmt.Sprintf("bus=ide.%d", i), boot)
}
