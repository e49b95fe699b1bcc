package config

import (
	"os"
	"path/filepath"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// ResolveWorkspace turns a user-supplied workspace argument into an
// absolute, cleaned path. A leading ~ expands to the home directory.
func ResolveWorkspace(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", &ValidationError{Field: "workspace", Message: "a workspace path is required"}
	}

	if arg == "~" || strings.HasPrefix(arg, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Errorf("expand %q: %w", arg, err)
		}
		arg = filepath.Join(home, strings.TrimPrefix(arg, "~"))
	}

	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", errors.Errorf("resolve %q: %w", arg, err)
	}
	return abs, nil
}
