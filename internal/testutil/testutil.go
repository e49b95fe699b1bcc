// Package testutil provides common test helpers for winvm tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/javanstorm/winvm/internal/config"
	"github.com/javanstorm/winvm/internal/media"
	"github.com/javanstorm/winvm/internal/workspace"
	"github.com/javanstorm/winvm/pkg/hypervisor"
)

// TestOptions returns default Options for a workspace under t.TempDir().
// The workspace directory itself is not created.
func TestOptions(t *testing.T) config.Options {
	t.Helper()

	opts := config.DefaultOptions()
	opts.Workspace = filepath.Join(t.TempDir(), "vm")
	return opts
}

// TestWorkspace returns a created, empty workspace under t.TempDir().
func TestWorkspace(t *testing.T) workspace.Workspace {
	t.Helper()

	ws, err := workspace.New(filepath.Join(t.TempDir(), "vm"))
	if err != nil {
		t.Fatalf("failed to resolve workspace: %v", err)
	}
	if err := ws.Create(); err != nil {
		t.Fatalf("failed to create workspace %s: %v", ws.Dir, err)
	}
	return ws
}

// WriteArtifact writes content as artifact a of ws.
func WriteArtifact(t *testing.T, ws workspace.Workspace, a workspace.Artifact, content string) {
	t.Helper()

	if err := os.WriteFile(ws.Path(a), []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", a, err)
	}
}

// StageVolume creates a minimal driver-answer-volume in ws: an answer file
// and one driver directory.
func StageVolume(t *testing.T, ws workspace.Workspace) {
	t.Helper()

	root := ws.Path(workspace.DriverAnswerVolume)
	drivers := filepath.Join(root, media.DriversDir, "viostor")
	if err := os.MkdirAll(drivers, 0o755); err != nil {
		t.Fatalf("failed to create %s: %v", drivers, err)
	}
	if err := os.WriteFile(filepath.Join(drivers, "viostor.inf"), []byte("[Version]\n"), 0o644); err != nil {
		t.Fatalf("failed to write driver: %v", err)
	}

	doc, _ := media.RenderAnswerFile(config.DefaultLanguage, hypervisor.CurrentArch(), media.Credentials{
		Account: config.DefaultAccount,
		Secret:  config.DefaultSecret,
	})
	if err := os.WriteFile(filepath.Join(root, media.AnswerFileName), []byte(doc), 0o644); err != nil {
		t.Fatalf("failed to write answer file: %v", err)
	}
}

// CreateDisk allocates the disk-image of ws as a sparse file of sizeMB.
func CreateDisk(t *testing.T, ws workspace.Workspace, sizeMB int64) {
	t.Helper()

	if err := ws.CreateSparse(workspace.DiskImage, sizeMB<<20); err != nil {
		t.Fatalf("failed to create disk in %s: %v", ws.Dir, err)
	}
}

// StageGuest writes what first-boot and connect expect to find: the two
// optical images and a small sparse disk.
func StageGuest(t *testing.T, ws workspace.Workspace) {
	t.Helper()

	WriteArtifact(t, ws, workspace.InstallerImage, string(workspace.InstallerImage))
	WriteArtifact(t, ws, workspace.DriverAnswerImage, string(workspace.DriverAnswerImage))
	CreateDisk(t, ws, 1)
}

// Entries returns the names in dir, sorted.
func Entries(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
