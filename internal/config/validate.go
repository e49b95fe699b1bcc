package config

import (
	"fmt"
	"strings"

	"github.com/javanstorm/winvm/internal/errdefs"
)

// Limits enforced by Validate.
const (
	MinDiskSizeGB = 20
	MinGuestPort  = 1024
	MaxGuestPort  = 65535
	MinMemoryGB   = 2
)

// ValidationError describes one rejected option.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == errdefs.ErrValidation
}

// ValidationErrors collects every rejected option of one Options value.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	return strings.TrimSuffix(FormatValidationErrors(e), "\n")
}

func (e ValidationErrors) Is(target error) bool {
	return target == errdefs.ErrValidation
}

// Validate checks o against the accepted ranges and returns
// ValidationErrors, or nil when o is usable.
func (o Options) Validate() error {
	var errs ValidationErrors

	if o.Workspace == "" {
		errs = append(errs, ValidationError{Field: "workspace", Message: "a workspace path is required"})
	}
	if o.Account == "" {
		errs = append(errs, ValidationError{Field: "account", Message: "must not be empty"})
	}
	if o.Secret == "" {
		errs = append(errs, ValidationError{Field: "secret", Message: "must not be empty"})
	}
	for _, f := range []struct{ name, value string }{
		{"account", o.Account},
		{"secret", o.Secret},
		{"language", o.Language},
	} {
		if err := checkRecordValue(f.value); err != nil {
			errs = append(errs, ValidationError{Field: f.name, Message: err.Error()})
		}
	}
	if o.DiskSizeGB < MinDiskSizeGB {
		errs = append(errs, ValidationError{
			Field:   "disk-size-gb",
			Message: fmt.Sprintf("must be at least %d, got %d", MinDiskSizeGB, o.DiskSizeGB),
		})
	}
	if o.GuestPort < MinGuestPort || o.GuestPort > MaxGuestPort {
		errs = append(errs, ValidationError{
			Field:   "guest-port",
			Message: fmt.Sprintf("must be in %d..%d, got %d", MinGuestPort, MaxGuestPort, o.GuestPort),
		})
	}
	if o.MemoryGB != 0 && o.MemoryGB < MinMemoryGB {
		errs = append(errs, ValidationError{
			Field:   "vm-memory-gb",
			Message: fmt.Sprintf("must be at least %d, got %d", MinMemoryGB, o.MemoryGB),
		})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// FormatValidationErrors returns a human-readable summary.
func FormatValidationErrors(errs []ValidationError) string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("invalid options:\n")
	for _, e := range errs {
		fmt.Fprintf(&b, "  [%s]: %s\n", e.Field, e.Message)
	}
	return b.String()
}
