// Package lifecycle launches the hypervisor for a workspace, tracks the
// headless instance through the pid-record and waits for the guest's remote
// desktop service.
package lifecycle

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/winvm/internal/errdefs"
	"github.com/javanstorm/winvm/internal/resources"
	"github.com/javanstorm/winvm/internal/retry"
	"github.com/javanstorm/winvm/internal/workspace"
	"github.com/javanstorm/winvm/pkg/hypervisor"
)

// GuestRDPPort is the port the guest's remote desktop service listens on.
const GuestRDPPort = 3389

// Tool names the hypervisor in error messages.
const Tool = "qemu"

// mediaIDs names the optical drives attached for each artifact.
var mediaIDs = map[workspace.Artifact]string{
	workspace.InstallerImage:    "installer",
	workspace.DriverAnswerImage: "unattended",
}

// Topology selects the devices attached in addition to the disk.
type Topology struct {
	// Media are attached as optical drives in order.
	Media []workspace.Artifact
	// Forwards maps host ports to guest ports.
	Forwards map[int]int
}

// Instance describes the headless hypervisor after EnsureRunning.
type Instance struct {
	PID int
	// Started is false when a live instance was already running.
	Started bool
}

// Dialer opens a connection for service polling.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Manager controls the hypervisor process of one workspace.
type Manager struct {
	Workspace workspace.Workspace
	Driver    hypervisor.Driver
	Firmware  hypervisor.Firmware

	// Host is dialled by AwaitService.
	Host   string
	Dialer Dialer
	// Poll bounds AwaitService.
	Poll retry.Policy
}

// New returns a Manager with the default polling bounds: 60 attempts two
// seconds apart, each connect limited to three seconds.
func New(ws workspace.Workspace, driver hypervisor.Driver) *Manager {
	return &Manager{
		Workspace: ws,
		Driver:    driver,
		Host:      "localhost",
		Dialer:    &net.Dialer{Timeout: 3 * time.Second},
		Poll:      retry.Policy{Attempts: 60, Delay: 2 * time.Second},
	}
}

func (m *Manager) vmConfig(alloc resources.Allocation, topo Topology) *hypervisor.VMConfig {
	cfg := &hypervisor.VMConfig{
		Name:         "winvm-" + filepath.Base(m.Workspace.Dir),
		CPUs:         alloc.CPUs,
		MemoryMB:     alloc.MemoryMiB(),
		Firmware:     m.Firmware,
		DiskPath:     m.Workspace.Path(workspace.DiskImage),
		PortForwards: topo.Forwards,
	}
	for _, a := range topo.Media {
		id, ok := mediaIDs[a]
		if !ok {
			id = string(a)
		}
		cfg.Media = append(cfg.Media, hypervisor.Media{ID: id, Path: m.Workspace.Path(a)})
	}
	return cfg
}

// Launch runs the hypervisor in the foreground with a local display and
// returns once it exits.
func (m *Manager) Launch(ctx context.Context, alloc resources.Allocation, topo Topology) error {
	cfg := m.vmConfig(alloc, topo)

	slog.InfoContext(ctx, "launching guest",
		"cpus", cfg.CPUs,
		"memory", humanize.IBytes(uint64(cfg.MemoryMB)<<20),
		"media", len(cfg.Media),
	)

	if err := m.Driver.Run(ctx, cfg); err != nil {
		return toolError(err)
	}
	slog.InfoContext(ctx, "guest exited")
	return nil
}

// Running reports the pid in the pid-record and whether it names a live
// process.
func (m *Manager) Running() (int, bool) {
	pid, err := m.Workspace.ReadPID()
	if err != nil {
		return 0, false
	}
	return pid, processAlive(pid)
}

// EnsureRunning starts a headless instance forwarding hostPort to the
// guest's remote desktop port unless the pid-record names a live process.
// A stale pid-record is removed first.
func (m *Manager) EnsureRunning(ctx context.Context, alloc resources.Allocation, hostPort int) (Instance, error) {
	if pid, alive := m.Running(); alive {
		slog.InfoContext(ctx, "guest already running", "pid", pid)
		return Instance{PID: pid}, nil
	} else if m.Workspace.Exists(workspace.PIDRecord) {
		slog.InfoContext(ctx, "removing stale pid record", "pid", pid)
		if err := m.Workspace.Remove(workspace.PIDRecord); err != nil {
			return Instance{}, err
		}
	}

	cfg := m.vmConfig(alloc, Topology{Forwards: map[int]int{hostPort: GuestRDPPort}})
	cfg.PIDFile = m.Workspace.Path(workspace.PIDRecord)

	slog.InfoContext(ctx, "starting headless guest", "cpus", cfg.CPUs, "memory_mib", cfg.MemoryMB, "port", hostPort)

	if err := m.Driver.Start(ctx, cfg); err != nil {
		return Instance{}, toolError(err)
	}

	pid, alive := m.Running()
	if pid == 0 {
		return Instance{}, &errdefs.ExternalToolError{
			Tool:     Tool,
			ExitCode: -1,
			Err:      errors.Errorf("no process id recorded in %s", cfg.PIDFile),
		}
	}
	if !alive {
		return Instance{}, &errdefs.ExternalToolError{
			Tool:     Tool,
			ExitCode: -1,
			Err:      errors.Errorf("process %d exited right after start", pid),
		}
	}

	slog.InfoContext(ctx, "guest started", "pid", pid)
	return Instance{PID: pid, Started: true}, nil
}

// AwaitService polls port until a TCP connection succeeds or the poll
// policy is exhausted.
func (m *Manager) AwaitService(ctx context.Context, port int) error {
	addr := net.JoinHostPort(m.Host, strconv.Itoa(port))

	slog.InfoContext(ctx, "waiting for guest service", "address", addr, "attempts", m.Poll.Attempts)

	err := retry.Do(ctx, m.Poll, "dial "+addr, func(ctx context.Context, _ int) error {
		conn, err := m.Dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	})

	var exhausted *retry.Error
	if errors.As(err, &exhausted) {
		return errors.Errorf("%w: %s unreachable after %d attempts: %v", errdefs.ErrServiceTimeout, addr, exhausted.Attempts, exhausted.Err)
	}
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "guest service reachable", "address", addr)
	return nil
}

// toolError reports a hypervisor failure in the external tool class.
func toolError(err error) error {
	var exitErr *hypervisor.ExitError
	if errors.As(err, &exitErr) {
		return &errdefs.ExternalToolError{Tool: Tool, ExitCode: exitErr.Code, Err: errors.New(exitErr.Meaning())}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &errdefs.ExternalToolError{Tool: Tool, ExitCode: -1, Err: err}
}
