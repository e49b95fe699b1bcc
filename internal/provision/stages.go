package provision

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/winvm/internal/download"
	"github.com/javanstorm/winvm/internal/errdefs"
	"github.com/javanstorm/winvm/internal/lifecycle"
	"github.com/javanstorm/winvm/internal/locale"
	"github.com/javanstorm/winvm/internal/media"
	"github.com/javanstorm/winvm/internal/patcher"
	"github.com/javanstorm/winvm/internal/resources"
	"github.com/javanstorm/winvm/internal/workspace"
)

// create makes the workspace directory and writes the config-record.
// Artifacts of later stages are left alone.
func (p *Pipeline) create(ctx context.Context) error {
	ws := p.workspace()
	if err := ws.Create(); err != nil {
		return err
	}

	opts := p.Options
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = p.Now()
	}
	if err := opts.WriteRecord(); err != nil {
		return err
	}
	p.Options = opts

	slog.InfoContext(ctx, "workspace created",
		"account", opts.Account,
		"disk", humanize.IBytes(uint64(opts.DiskSizeBytes())),
		"port", opts.GuestPort,
		"language", opts.Language,
	)
	return nil
}

// download stores a verified, patched installer-image, fetches the driver
// image once and synthesizes the driver-answer-volume from it.
func (p *Pipeline) download(ctx context.Context) error {
	ws := p.workspace()
	if err := ws.RequirePresent(workspace.Root); err != nil {
		return err
	}

	lang, ok := locale.Lookup(locale.Tag(p.Options.Language))
	if !ok {
		slog.WarnContext(ctx, "unsupported language, using default",
			"language", p.Options.Language, "default", lang.Tag, "supported", locale.List())
	}

	if err := p.confirmReplace(ctx, workspace.InstallerImage); err != nil {
		return err
	}
	if err := p.fetchInstaller(ctx, ws, lang); err != nil {
		return err
	}

	if !ws.Exists(workspace.DriverImage) {
		err := ws.Write(workspace.DriverImage, func(tmp string) error {
			return p.Fetcher.Fetch(ctx, download.DriverImageURL, tmp)
		})
		if err != nil {
			return errdefs.WithManualSteps(err, fetchSteps(download.DriverImageURL, ws.Path(workspace.DriverImage))...)
		}
	}

	creds := media.Credentials{Account: p.Options.Account, Secret: p.Options.Secret}
	return p.Synthesizer.Synthesize(ctx, ws, ws.Path(workspace.DriverImage), lang.Tag, creds)
}

func (p *Pipeline) fetchInstaller(ctx context.Context, ws workspace.Workspace, lang locale.Language) error {
	if p.InstallerSource != "" {
		return ws.Write(workspace.InstallerImage, func(tmp string) error {
			if err := importImage(ctx, p.InstallerSource, tmp); err != nil {
				return err
			}
			return p.patch(ctx, ws, tmp)
		})
	}

	release, err := p.Resolver.Resolve(ctx, lang)
	if err != nil {
		return errdefs.WithManualSteps(err, vendorSteps(ws, lang, p.Arch)...)
	}
	slog.InfoContext(ctx, "resolved installer", "file", release.FileName, "checksums", len(release.Checksums))

	return ws.Write(workspace.InstallerImage, func(tmp string) error {
		if err := p.Fetcher.Fetch(ctx, release.URL, tmp); err != nil {
			return errdefs.WithManualSteps(err, vendorSteps(ws, lang, p.Arch)...)
		}
		sum, err := download.VerifyChecksum(tmp, release.Checksums)
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "installer checksum verified", "sha256", sum)
		return p.patch(ctx, ws, tmp)
	})
}

// importImage copies a locally downloaded installer. Its digest is logged
// because no published checksum list is available to compare against.
func importImage(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Errorf("open installer %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Errorf("open %s: %w", dst, err)
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return errors.Errorf("copy installer: %w", err)
	}
	if err := out.Close(); err != nil {
		return errors.Errorf("copy installer: %w", err)
	}

	sum, err := download.FileSHA256(dst)
	if err != nil {
		return err
	}
	slog.WarnContext(ctx, "imported installer without vendor checksum verification",
		"source", src, "size", humanize.IBytes(uint64(n)), "sha256", sum)
	return nil
}

func (p *Pipeline) patch(ctx context.Context, ws workspace.Workspace, path string) error {
	if p.SkipPatch {
		slog.WarnContext(ctx, "installer left unpatched, press a key at the boot prompt during first-boot")
		return nil
	}
	res, err := p.Patcher.Patch(ctx, path)
	if errors.Is(err, errdefs.ErrSignatureNotFound) {
		return errdefs.WithManualSteps(err, patchSteps(ws)...)
	}
	var unpinned *patcher.UnpinnedError
	if errors.As(err, &unpinned) {
		return errdefs.WithManualSteps(err, pinSteps(ws, unpinned.SHA256)...)
	}
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "installer patched", "payload", res.Source, "sites", len(res.Sites))
	return nil
}

// prepare builds the driver-answer-image and allocates the disk-image.
func (p *Pipeline) prepare(ctx context.Context) error {
	ws := p.workspace()
	if err := ws.RequirePresent(workspace.DriverAnswerVolume); err != nil {
		return err
	}

	size := p.Options.DiskSizeBytes()
	free, err := p.FreeSpace(ws)
	if err != nil {
		return err
	}
	if free <= uint64(size) {
		return &errdefs.InsufficientSpaceError{Path: ws.Dir, Required: uint64(size), Available: free}
	}

	if err := p.confirmReplace(ctx, workspace.DiskImage); err != nil {
		return err
	}

	err = ws.Write(workspace.DriverAnswerImage, func(tmp string) error {
		return p.Builder.Build(ctx, ws.Path(workspace.DriverAnswerVolume), tmp, media.VolumeLabel)
	})
	if err != nil {
		return err
	}

	// The old disk goes only now, so a failed build above leaves it intact.
	if err := ws.Remove(workspace.DiskImage); err != nil {
		return err
	}
	if err := ws.CreateSparse(workspace.DiskImage, size); err != nil {
		return err
	}
	slog.InfoContext(ctx, "disk allocated", "size", humanize.IBytes(uint64(size)), "free", humanize.IBytes(free))
	return nil
}

// firstBoot boots the installer with the driver-answer-image attached and
// waits for the operator to close the guest window.
func (p *Pipeline) firstBoot(ctx context.Context) error {
	ws := p.workspace()
	err := ws.RequirePresent(workspace.InstallerImage, workspace.DriverAnswerImage, workspace.DiskImage)
	if err != nil {
		return err
	}

	host, err := p.Host()
	if err != nil {
		return err
	}
	alloc := resources.Allocate(resources.Provisioning, host, resources.Override{MemoryGiB: p.Options.MemoryGB})

	slog.InfoContext(ctx, "booting installer", "cpus", alloc.CPUs, "memory_gib", alloc.MemoryGiB)

	err = p.Launcher.Launch(ctx, alloc, lifecycle.Topology{
		Media: []workspace.Artifact{workspace.InstallerImage, workspace.DriverAnswerImage},
	})
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "installation finished, connect with winvm-connect", "workspace", ws.Dir)
	return nil
}
