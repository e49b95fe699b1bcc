// Package hypervisor launches guests on QEMU with hardware acceleration
// (KVM on Linux, Hypervisor.framework on macOS).
package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// Driver starts guests described by a VMConfig.
type Driver interface {
	// Run starts the guest in the foreground and returns when it exits.
	Run(ctx context.Context, cfg *VMConfig) error
	// Start launches a headless guest that keeps running after Start
	// returns. Its process id is written to cfg.PIDFile.
	Start(ctx context.Context, cfg *VMConfig) error
}

// QEMU is a Driver backed by the qemu-system executable.
type QEMU struct {
	Binary string
	// Arch is the guest architecture Binary emulates. It fills in
	// VMConfig.Arch when that is empty.
	Arch   Arch
	Stdout io.Writer
	Stderr io.Writer
}

// NewQEMU locates the hypervisor executable for arch on PATH, then in the
// usual install locations.
func NewQEMU(arch Arch) (*QEMU, error) {
	if !arch.Supported() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedArch, arch)
	}
	names := arch.BinaryNames()
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return &QEMU{Binary: path, Arch: arch, Stdout: os.Stdout, Stderr: os.Stderr}, nil
		}
	}
	for _, path := range []string{
		"/usr/libexec/qemu-kvm",
		"/opt/homebrew/bin/" + names[0],
		"/usr/local/bin/" + names[0],
	} {
		if _, err := os.Stat(path); err == nil {
			return &QEMU{Binary: path, Arch: arch, Stdout: os.Stdout, Stderr: os.Stderr}, nil
		}
	}
	return nil, fmt.Errorf("%w: tried %v", ErrBinaryNotFound, names)
}

func (q *QEMU) Run(ctx context.Context, cfg *VMConfig) error {
	cfg.Display = Interactive
	return q.exec(ctx, cfg)
}

func (q *QEMU) Start(ctx context.Context, cfg *VMConfig) error {
	cfg.Display = Headless
	// -daemonize returns once the guest process is set up, so waiting
	// for the parent is bounded.
	return q.exec(ctx, cfg)
}

func (q *QEMU) exec(ctx context.Context, cfg *VMConfig) error {
	if cfg.Arch == "" {
		cfg.Arch = q.Arch
	}
	args, err := BuildArgs(cfg)
	if err != nil {
		return err
	}

	slog.DebugContext(ctx, "starting hypervisor", "binary", q.Binary, "args", args)

	cmd := exec.CommandContext(ctx, q.Binary, args...)
	cmd.Dir = filepath.Dir(cfg.DiskPath)
	if cfg.Display == Interactive {
		cmd.Stdin = os.Stdin
	}
	cmd.Stdout = q.Stdout
	cmd.Stderr = q.Stderr

	return interpretExit(cmd.Run())
}

// interpretExit maps the result of running the hypervisor to nil or an
// *ExitError. Failures to start at all are returned unchanged.
func interpretExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return err
}
