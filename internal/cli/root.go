// Package cli provides the command-line interface for winvm.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/winvm/internal/config"
	"github.com/javanstorm/winvm/internal/errdefs"
	"github.com/javanstorm/winvm/internal/logging"
	"github.com/javanstorm/winvm/internal/resources"
	"github.com/javanstorm/winvm/internal/session"
	"github.com/javanstorm/winvm/pkg/hypervisor"
)

// toolchain creates the collaborators that need host tools. Commands
// resolve them only when a stage needs them.
type toolchain struct {
	driver func() (hypervisor.Driver, error)
	client func() (*session.Launcher, error)
	host   func() (resources.Host, error)
}

var defaultToolchain = toolchain{
	driver: func() (hypervisor.Driver, error) {
		q, err := hypervisor.NewQEMU(hypervisor.CurrentArch())
		if err != nil {
			return nil, &errdefs.ExternalToolError{Tool: "qemu", ExitCode: -1, Err: err}
		}
		return q, nil
	},
	client: session.NewLauncher,
	host:   resources.DetectHost,
}

// logFlags are shared by both entry points.
type logFlags struct {
	verbose bool
	noColor bool
}

func (f *logFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Log debug output")
	cmd.Flags().BoolVar(&f.noColor, "no-color", false, "Disable coloured log output")
}

func (f *logFlags) setup(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return logging.Setup(ctx, logging.Options{
		Verbose: f.verbose,
		NoColor: f.noColor,
		Writer:  cmd.ErrOrStderr(),
	})
}

// loadOptions resolves and validates the options for the workspace at dir.
func loadOptions(cmd *cobra.Command, dir string) (config.Options, error) {
	opts, err := config.Load(dir, cmd.Flags())
	if err != nil {
		return config.Options{}, err
	}
	if err := opts.Validate(); err != nil {
		return config.Options{}, err
	}
	return opts, nil
}

// Execute runs cmd.
func Execute(cmd *cobra.Command) error {
	if err := cmd.Execute(); err != nil {
		return errors.Errorf("command failed: %w", err)
	}
	return nil
}

// Fail prints err and any recovery steps attached to it to w and returns
// the process exit code for err.
func Fail(w io.Writer, err error) int {
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		fmt.Fprint(w, "Error: "+config.FormatValidationErrors(verrs))
	} else {
		fmt.Fprintf(w, "Error: %v\n", err)
	}

	if steps := errdefs.ManualSteps(err); len(steps) > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "To continue manually:")
		for i, s := range steps {
			fmt.Fprintf(w, "  %d. %s\n", i+1, s)
		}
	}
	return errdefs.ExitCode(err)
}

// timingEnabled reports whether WINVM_TIMING asks for a timing report.
func timingEnabled() bool {
	return os.Getenv(config.EnvPrefix+"_TIMING") == "1"
}
