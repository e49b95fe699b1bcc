// Package session opens a remote desktop session to a running guest.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/winvm/internal/errdefs"
	"github.com/javanstorm/winvm/internal/toolexec"
)

// ClientNames are the FreeRDP front ends tried in order.
var ClientNames = []string{"xfreerdp3", "xfreerdp", "sdl-freerdp3", "sdl-freerdp"}

// Target is the guest endpoint and the identity to log in with.
type Target struct {
	Host       string
	Port       int
	Account    string
	Secret     string
	Fullscreen bool
}

// Launcher runs the remote desktop client.
type Launcher struct {
	Binary string
	// Args are appended after the generated ones.
	Args []string
	// ProfileDir receives the ephemeral connection profile. Empty means
	// the system temp directory.
	ProfileDir string

	Stdout io.Writer
	Stderr io.Writer
}

// NewLauncher locates a FreeRDP client on PATH.
func NewLauncher() (*Launcher, error) {
	bin, err := toolexec.LookPath(ClientNames...)
	if err != nil {
		return nil, err
	}
	return &Launcher{Binary: bin, Stdout: os.Stdout, Stderr: os.Stderr}, nil
}

// Profile renders the connection profile for t, secret included, so the
// secret never appears on the client's command line.
func Profile(t Target) string {
	mode := 1
	if t.Fullscreen {
		mode = 2
	}
	lines := []string{
		fmt.Sprintf("full address:s:%s:%d", t.Host, t.Port),
		"username:s:" + t.Account,
		"password:s:" + t.Secret,
		fmt.Sprintf("screen mode id:i:%d", mode),
		"dynamic resolution:i:1",
		"prompt for credentials:i:0",
		"authentication level:i:0",
		"redirectclipboard:i:1",
		"audiomode:i:0",
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

// Connect blocks until the client exits. A client that exits with an error
// or crashes is logged and tolerated since the guest keeps running; only a
// client that cannot be started is an error.
func (l *Launcher) Connect(ctx context.Context, t Target) error {
	profile, err := l.writeProfile(t)
	if err != nil {
		return err
	}
	defer os.Remove(profile)

	args := []string{profile, "/cert:ignore"}
	if t.Fullscreen {
		args = append(args, "/f")
	}
	args = append(args, l.Args...)

	slog.InfoContext(ctx, "opening remote desktop", "client", filepath.Base(l.Binary), "host", t.Host, "port", t.Port, "fullscreen", t.Fullscreen)

	cmd := exec.CommandContext(ctx, l.Binary, args...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr

	err = cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		slog.InfoContext(ctx, "remote desktop session ended")
		return nil
	case errors.As(err, &exitErr):
		slog.WarnContext(ctx, "remote desktop client exited abnormally", "client", filepath.Base(l.Binary), "code", exitErr.ExitCode())
		return nil
	default:
		return &errdefs.ExternalToolError{Tool: filepath.Base(l.Binary), ExitCode: -1, Err: err}
	}
}

func (l *Launcher) writeProfile(t Target) (string, error) {
	dir := l.ProfileDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "winvm-"+uuid.NewString()+".rdp")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", errors.Errorf("write connection profile: %w", err)
	}
	if _, err := f.WriteString(Profile(t)); err != nil {
		f.Close()
		os.Remove(path)
		return "", errors.Errorf("write connection profile: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", errors.Errorf("write connection profile: %w", err)
	}
	return path, nil
}
