package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/javanstorm/winvm/internal/config"
	"github.com/javanstorm/winvm/internal/lifecycle"
	"github.com/javanstorm/winvm/internal/patcher"
	"github.com/javanstorm/winvm/internal/prompt"
	"github.com/javanstorm/winvm/internal/provision"
	"github.com/javanstorm/winvm/internal/resources"
	"github.com/javanstorm/winvm/internal/workspace"
)

type provisionFlags struct {
	logFlags

	yes       bool
	no        bool
	timing    bool
	installer string
	skipPatch bool
	payload   string
}

// NewProvisionCommand returns the winvm command.
func NewProvisionCommand() *cobra.Command {
	return newProvisionCommand(defaultToolchain)
}

func newProvisionCommand(tc toolchain) *cobra.Command {
	var f provisionFlags

	cmd := &cobra.Command{
		Use:   "winvm [create|download|prepare|first-boot|all] <workspace>",
		Short: "Provision a Windows 11 guest on QEMU",
		Long: `winvm provisions a Windows 11 guest in a workspace directory.

Stages run in order and can be re-run on their own:

  create      write the workspace's config record
  download    fetch, verify and patch the installer, build the driver volume
  prepare     build the driver/answer image and allocate the guest disk
  first-boot  boot the installer; setup runs unattended
  all         every stage above (default)

Afterwards connect with winvm-connect <workspace>.`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, dir, err := parseProvisionArgs(args)
			if err != nil {
				return err
			}

			ctx := f.setup(cmd)
			opts, err := loadOptions(cmd, dir)
			if err != nil {
				return err
			}

			var confirm prompt.Confirmer = prompt.NewTerminal()
			switch {
			case f.yes:
				confirm = prompt.Yes
			case f.no:
				confirm = prompt.No
			}

			p := provision.New(opts, confirm, &lazyLauncher{tc: tc, ws: opts.Store()})
			p.Host = tc.host
			p.InstallerSource = f.installer
			p.SkipPatch = f.skipPatch
			if f.payload != "" {
				p.Patcher = patcher.New(f.payload)
			}

			if f.timing || timingEnabled() {
				defer p.Timer.Report(cmd.ErrOrStderr())
			}

			slog.DebugContext(ctx, "options resolved",
				"workspace", opts.Workspace,
				"account", opts.Account,
				"secret", opts.Secret,
				"disk_gb", opts.DiskSizeGB,
				"port", opts.GuestPort,
				"language", opts.Language,
				"memory_gb", opts.MemoryGB,
			)
			return p.Run(ctx, stage)
		},
	}

	flags := cmd.Flags()
	flags.String("account", config.DefaultAccount, "Guest administrator account name")
	flags.String("secret", config.DefaultSecret, "Guest administrator password")
	flags.Int("disk-size-gb", config.DefaultDiskSizeGB, "Guest disk size in GiB (at least 20)")
	flags.Int("guest-port", config.DefaultGuestPort, "Host port forwarded to the guest's remote desktop")
	flags.String("language", config.DefaultLanguage, "Installer language tag, e.g. de-DE")
	flags.Int("vm-memory-gb", 0, "Guest memory in GiB (at least 2; default: half of the host)")
	flags.BoolVarP(&f.yes, "yes", "y", false, "Replace existing artifacts without asking")
	flags.BoolVarP(&f.no, "no", "n", false, "Never replace existing artifacts")
	flags.BoolVar(&f.timing, "timing", false, "Print how long each stage took")
	flags.StringVar(&f.installer, "installer", "", "Use a locally downloaded installer image instead of fetching one")
	flags.BoolVar(&f.skipPatch, "skip-patch", false, "Keep the installer's boot prompt")
	flags.StringVar(&f.payload, "payload-sha256", "", "Trust the no-prompt boot payload with this SHA-256")
	cmd.MarkFlagsMutuallyExclusive("yes", "no")
	cmd.MarkFlagsMutuallyExclusive("skip-patch", "payload-sha256")
	f.register(cmd)
	setVersion(cmd)

	return cmd
}

// parseProvisionArgs splits the optional stage from the workspace path.
func parseProvisionArgs(args []string) (provision.Stage, string, error) {
	if len(args) == 1 {
		if _, err := provision.ParseStage(args[0]); err == nil {
			return "", "", &config.ValidationError{
				Field:   "workspace",
				Message: "a workspace path is required after stage " + args[0],
			}
		}
		return provision.All, args[0], nil
	}

	stage, err := provision.ParseStage(args[0])
	if err != nil {
		return "", "", err
	}
	return stage, args[1], nil
}

// lazyLauncher finds the hypervisor only when a guest is booted, so the
// stages before first-boot work on hosts without one.
type lazyLauncher struct {
	tc toolchain
	ws workspace.Workspace
}

func (l *lazyLauncher) Launch(ctx context.Context, alloc resources.Allocation, topo lifecycle.Topology) error {
	m, err := l.tc.newManager(l.ws)
	if err != nil {
		return err
	}
	return m.Launch(ctx, alloc, topo)
}
