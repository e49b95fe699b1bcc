// Package media builds the driver and answer-file volume attached to the
// guest during installation.
package media

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/winvm/internal/errdefs"
	"github.com/javanstorm/winvm/internal/locale"
	"github.com/javanstorm/winvm/internal/retry"
	"github.com/javanstorm/winvm/internal/workspace"
	"github.com/javanstorm/winvm/pkg/hypervisor"
)

// Layout of the driver image and of the synthesized volume.
const (
	DriversDir      = "drivers"
	GuestAgentDir   = "guest-agent"
	CertDir         = "cert"
	GuestToolsName  = "virtio-win-guest-tools.exe"
	GuestAgentName  = "qemu-ga-x86_64.msi"
	defaultGuestOS  = "w11"
	mountPrefix     = ".driver-mount-"
	unmountAttempts = 5
)

// driverLayout is where one architecture's files live on the driver image.
type driverLayout struct {
	// Dir names the architecture below <driver>/<guest os>.
	Dir string
	// Extras are copied to the same relative path on the volume.
	Extras []string
}

var driverLayouts = map[hypervisor.Arch]driverLayout{
	hypervisor.ArchAMD64: {
		Dir:    "amd64",
		Extras: []string{filepath.Join(GuestAgentDir, GuestAgentName), GuestToolsName},
	},
	// The image ships no arm64 guest agent or tools installer.
	hypervisor.ArchARM64: {Dir: "ARM64"},
}

// Synthesizer assembles the driver-answer-volume of a workspace.
type Synthesizer struct {
	Mounter Mounter
	// Arch and GuestOS select the <driver>/<GuestOS>/<arch dir> directories
	// and the answer file's component architecture.
	Arch    hypervisor.Arch
	GuestOS string
	// Unmount bounds the retries of a busy unmount.
	Unmount retry.Policy
}

// NewSynthesizer returns a Synthesizer for Windows 11 drivers built for arch.
func NewSynthesizer(arch hypervisor.Arch) *Synthesizer {
	return &Synthesizer{
		Mounter: NewLoopMounter(),
		Arch:    arch,
		GuestOS: defaultGuestOS,
		Unmount: retry.Policy{Attempts: unmountAttempts, Delay: time.Second},
	}
}

// Synthesize mounts driverImage read-only, copies the matching drivers, the
// guest agent and the certificate bundle into the workspace's
// driver-answer-volume and writes the answer file next to them. The volume
// is replaced only when every step succeeded.
func (s *Synthesizer) Synthesize(ctx context.Context, ws workspace.Workspace, driverImage string, lang locale.Tag, creds Credentials) error {
	if _, ok := driverLayouts[s.Arch]; !ok {
		return errors.Errorf("no driver layout for architecture %q", s.Arch)
	}
	return ws.WriteDir(workspace.DriverAnswerVolume, func(tmp string) error {
		if err := s.copyFromImage(ctx, ws, driverImage, tmp); err != nil {
			return err
		}

		doc, ok := RenderAnswerFile(lang, s.Arch, creds)
		if !ok {
			slog.WarnContext(ctx, "unsupported language, keeping default locale",
				"language", lang, "default", locale.Default().Tag, "supported", locale.List())
		}
		if err := os.WriteFile(filepath.Join(tmp, AnswerFileName), []byte(doc), 0o644); err != nil {
			return errors.Errorf("write answer file: %w", err)
		}
		return nil
	})
}

func (s *Synthesizer) copyFromImage(ctx context.Context, ws workspace.Workspace, image, dst string) (err error) {
	mountpoint, err := os.MkdirTemp(ws.Dir, mountPrefix)
	if err != nil {
		return errors.Errorf("create mountpoint: %w", err)
	}

	if err := s.Mounter.Mount(ctx, image, mountpoint); err != nil {
		os.Remove(mountpoint)
		return errors.Errorf("mount driver image: %w", err)
	}
	slog.DebugContext(ctx, "driver image mounted", "image", image, "mountpoint", mountpoint)

	defer func() {
		// The copy may have been cancelled; the mount must still go away.
		uerr := retry.Do(context.WithoutCancel(ctx), s.Unmount, "unmount driver image", func(ctx context.Context, _ int) error {
			return s.Mounter.Unmount(ctx, mountpoint)
		})
		if uerr != nil {
			uerr = &errdefs.ExternalToolError{
				Tool:     "unmount " + mountpoint,
				ExitCode: -1,
				Err:      uerr,
			}
			err = errors.Join(err, uerr)
			return
		}
		os.Remove(mountpoint)
	}()

	return s.copyContent(ctx, mountpoint, dst)
}

func (s *Synthesizer) copyContent(ctx context.Context, src, dst string) error {
	layout := driverLayouts[s.Arch]

	entries, err := os.ReadDir(src)
	if err != nil {
		return errors.Errorf("read driver image: %w", err)
	}

	copied := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(src, e.Name(), s.GuestOS, layout.Dir)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if err := copyTree(dir, filepath.Join(dst, DriversDir, e.Name())); err != nil {
			return errors.Errorf("copy driver %s: %w", e.Name(), err)
		}
		copied++
	}
	if copied == 0 {
		return errors.Errorf("driver image has no %s/%s drivers", s.GuestOS, layout.Dir)
	}
	slog.InfoContext(ctx, "drivers copied", "count", copied, "os", s.GuestOS, "arch", layout.Dir)

	for _, rel := range append(slices.Clone(layout.Extras), CertDir) {
		if err := copyPath(filepath.Join(src, rel), filepath.Join(dst, rel)); err != nil {
			return errors.Errorf("copy %s: %w", rel, err)
		}
	}
	return nil
}

func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyTree(src, dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copyFile(src, dst)
}

// copyTree copies the regular files and directories under src. Optical
// media is read-only, so copies get fresh writable permissions.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
