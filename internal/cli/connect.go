package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/javanstorm/winvm/internal/config"
	"github.com/javanstorm/winvm/internal/resources"
	"github.com/javanstorm/winvm/internal/session"
	"github.com/javanstorm/winvm/internal/workspace"
)

// NewConnectCommand returns the winvm-connect command.
func NewConnectCommand() *cobra.Command {
	return newConnectCommand(defaultToolchain)
}

func newConnectCommand(tc toolchain) *cobra.Command {
	var (
		f          logFlags
		fullscreen bool
	)

	cmd := &cobra.Command{
		Use:   "winvm-connect <workspace>",
		Short: "Start a provisioned guest headless and open a remote desktop session",
		Long: `winvm-connect starts the guest in the background unless it is already
running, waits until its remote desktop service answers and opens a
FreeRDP session. The guest keeps running after the session ends.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := f.setup(cmd)
			opts, err := loadOptions(cmd, args[0])
			if err != nil {
				return err
			}

			ws := opts.Store()
			if err := ws.RequirePresent(workspace.DiskImage); err != nil {
				return err
			}

			client, err := tc.client()
			if err != nil {
				return err
			}
			m, err := tc.newManager(ws)
			if err != nil {
				return err
			}

			host, err := tc.host()
			if err != nil {
				return err
			}
			alloc := resources.Allocate(resources.Run, host, resources.Override{MemoryGiB: opts.MemoryGB})

			inst, err := m.EnsureRunning(ctx, alloc, opts.GuestPort)
			if err != nil {
				return err
			}
			if err := m.AwaitService(ctx, opts.GuestPort); err != nil {
				return err
			}

			err = client.Connect(ctx, session.Target{
				Host:       m.Host,
				Port:       opts.GuestPort,
				Account:    opts.Account,
				Secret:     opts.Secret,
				Fullscreen: fullscreen,
			})
			if err != nil {
				return err
			}

			slog.InfoContext(ctx, "guest keeps running", "pid", inst.PID)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&fullscreen, "fullscreen", "f", false, "Open the session full screen")
	cmd.Flags().Int("guest-port", config.DefaultGuestPort, "Host port forwarded to the guest's remote desktop")
	f.register(cmd)
	setVersion(cmd)

	return cmd
}
