// Package toolexec runs the host tools winvm shells out to.
package toolexec

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"

	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/winvm/internal/errdefs"
)

// maxOutput bounds how much tool output is kept for error messages.
const maxOutput = 2048

// Run executes name with args and waits for it. A missing executable or a
// non-zero exit is reported as *errdefs.ExternalToolError carrying the tail
// of the tool's combined output.
func Run(ctx context.Context, name string, args ...string) error {
	slog.DebugContext(ctx, "running tool", "tool", name, "args", args)

	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	return Classify(name, cmd.Run(), out.String())
}

// Classify converts the error of a finished command into an
// *errdefs.ExternalToolError. A nil err stays nil.
func Classify(name string, err error, output string) error {
	if err == nil {
		return nil
	}

	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}

	msg := strings.TrimSpace(output)
	if len(msg) > maxOutput {
		msg = "..." + msg[len(msg)-maxOutput:]
	}
	if msg != "" {
		err = errors.Errorf("%w: %s", err, msg)
	}

	return &errdefs.ExternalToolError{Tool: name, ExitCode: code, Err: err}
}

// LookPath returns the first of names found in PATH.
func LookPath(names ...string) (string, error) {
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", &errdefs.ExternalToolError{
		Tool:     strings.Join(names, "/"),
		ExitCode: -1,
		Err:      exec.ErrNotFound,
	}
}
