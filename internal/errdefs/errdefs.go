// Package errdefs defines the error taxonomy shared by every winvm component.
//
// Each class has a sentinel that callers match with errors.Is. Errors that
// carry structured detail (which artifact was missing, which tool failed)
// are typed and report membership in their class through an Is method.
package errdefs

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"gitlab.com/tozd/go/errors"
)

// Error classes.
var (
	ErrValidation           = errors.Base("invalid input")
	ErrMissingArtifact      = errors.Base("missing artifact")
	ErrExternalTool         = errors.Base("external tool failed")
	ErrSignatureNotFound    = errors.Base("boot payload signature not found")
	ErrChecksumMismatch     = errors.Base("checksum mismatch")
	ErrInsufficientSpace    = errors.Base("insufficient disk space")
	ErrServiceTimeout       = errors.Base("guest service timeout")
	ErrConfirmationDeclined = errors.Base("destructive operation declined")
)

// MissingArtifactError reports the first unmet precondition of a stage.
type MissingArtifactError struct {
	Artifact string
	Path     string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("missing artifact %s (%s)", e.Artifact, e.Path)
}

func (e *MissingArtifactError) Is(target error) bool {
	return target == ErrMissingArtifact
}

// ExternalToolError reports a non-zero or unexpected result from an
// executable or service this program depends on.
type ExternalToolError struct {
	Tool string
	// ExitCode is -1 when the tool never produced an exit status.
	ExitCode int
	Err      error
}

func (e *ExternalToolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed", e.Tool)
	if e.ExitCode >= 0 {
		fmt.Fprintf(&b, " with exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ExternalToolError) Unwrap() error {
	return e.Err
}

func (e *ExternalToolError) Is(target error) bool {
	return target == ErrExternalTool
}

// InsufficientSpaceError compares the space a stage needs with what the
// filesystem holding Path can provide.
type InsufficientSpaceError struct {
	Path      string
	Required  uint64
	Available uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("not enough free space in %s: need more than %s, have %s",
		e.Path, humanize.IBytes(e.Required), humanize.IBytes(e.Available))
}

func (e *InsufficientSpaceError) Is(target error) bool {
	return target == ErrInsufficientSpace
}

// ManualStepsError wraps a failure that the operator can work around by hand.
// Steps are printed verbatim after the error message.
type ManualStepsError struct {
	Err   error
	Steps []string
}

func (e *ManualStepsError) Error() string {
	return e.Err.Error()
}

func (e *ManualStepsError) Unwrap() error {
	return e.Err
}

// WithManualSteps attaches recovery instructions to err.
func WithManualSteps(err error, steps ...string) error {
	if err == nil {
		return nil
	}
	return &ManualStepsError{Err: err, Steps: steps}
}

// ManualSteps returns the recovery instructions attached anywhere in err's chain.
func ManualSteps(err error) []string {
	var m *ManualStepsError
	if errors.As(err, &m) {
		return m.Steps
	}
	return nil
}

// Exit codes returned by the command-line entry points.
const (
	ExitOK = iota
	ExitFailure
	ExitValidation
	ExitMissingArtifact
	ExitExternalTool
	ExitIntegrity
	ExitInsufficientSpace
	ExitServiceTimeout
	ExitDeclined
)

// ExitCode maps err to a process exit status. A nil error maps to ExitOK and
// anything unclassified to ExitFailure.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrValidation):
		return ExitValidation
	case errors.Is(err, ErrMissingArtifact):
		return ExitMissingArtifact
	case errors.Is(err, ErrSignatureNotFound), errors.Is(err, ErrChecksumMismatch):
		return ExitIntegrity
	case errors.Is(err, ErrInsufficientSpace):
		return ExitInsufficientSpace
	case errors.Is(err, ErrServiceTimeout):
		return ExitServiceTimeout
	case errors.Is(err, ErrConfirmationDeclined):
		return ExitDeclined
	case errors.Is(err, ErrExternalTool):
		return ExitExternalTool
	default:
		return ExitFailure
	}
}
