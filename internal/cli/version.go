package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/winvm/internal/version"
)

// setVersion enables --version on cmd.
func setVersion(cmd *cobra.Command) {
	cmd.Version = version.Version
	cmd.SetVersionTemplate(fmt.Sprintf("%s %s\n  Commit:     %s\n  Build Date: %s\n",
		cmd.Name(), version.Version, version.Commit, version.BuildDate))
}
