package hypervisor

import (
	"errors"
	"fmt"
)

// Configuration errors
var (
	ErrInvalidCPUCount    = errors.New("hypervisor: CPU count must be at least 1")
	ErrInsufficientMemory = errors.New("hypervisor: memory must be at least 128MB")
	ErrMissingDisk        = errors.New("hypervisor: disk path is required")
	ErrMissingPIDFile     = errors.New("hypervisor: headless mode needs a pid file")
	ErrInvalidPortForward = errors.New("hypervisor: invalid port forward")
	ErrArgumentCollision  = errors.New("hypervisor: colliding args")
	ErrUnsupportedArch    = errors.New("hypervisor: unsupported guest architecture")
	ErrMissingFirmware    = errors.New("hypervisor: UEFI firmware is required for this architecture")
)

// Platform errors
var (
	ErrBinaryNotFound = errors.New("hypervisor: qemu binary not found")
	ErrExited         = errors.New("hypervisor: exited with non-zero status")
)

// ExitError reports a non-zero hypervisor exit status.
type ExitError struct {
	Code int
}

// Exit status meanings documented by the hypervisor.
var exitMeanings = map[int]string{
	1: "execution error",
	2: "I/O error",
	3: "bad configuration",
}

// Meaning describes Code.
func (e *ExitError) Meaning() string {
	if m, ok := exitMeanings[e.Code]; ok {
		return m
	}
	return "unknown error"
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("hypervisor exited with code %d (%s)", e.Code, e.Meaning())
}

func (e *ExitError) Is(target error) bool {
	return target == ErrExited
}
