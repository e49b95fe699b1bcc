package media

import (
	"context"
	"os"
	"runtime"

	"github.com/javanstorm/winvm/internal/toolexec"
)

// Mounter attaches an image read-only at a directory.
type Mounter interface {
	Mount(ctx context.Context, image, mountpoint string) error
	Unmount(ctx context.Context, mountpoint string) error
}

// LoopMounter mounts images with the host's mount tools: a read-only loop
// mount on Linux and hdiutil on macOS.
type LoopMounter struct {
	// Sudo prefixes mount commands with sudo.
	Sudo bool
}

// NewLoopMounter returns a LoopMounter that uses sudo unless the process
// already runs as root.
func NewLoopMounter() *LoopMounter {
	return &LoopMounter{Sudo: os.Geteuid() != 0}
}

func (m *LoopMounter) Mount(ctx context.Context, image, mountpoint string) error {
	if runtime.GOOS == "darwin" {
		return m.run(ctx, "hdiutil", "attach", "-readonly", "-nobrowse", "-mountpoint", mountpoint, image)
	}
	return m.run(ctx, "mount", "-o", "loop,ro", image, mountpoint)
}

func (m *LoopMounter) Unmount(ctx context.Context, mountpoint string) error {
	if runtime.GOOS == "darwin" {
		return m.run(ctx, "hdiutil", "detach", mountpoint)
	}
	return m.run(ctx, "umount", mountpoint)
}

func (m *LoopMounter) run(ctx context.Context, name string, args ...string) error {
	if m.Sudo {
		return toolexec.Run(ctx, "sudo", append([]string{name}, args...)...)
	}
	return toolexec.Run(ctx, name, args...)
}
