package media

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kdomanski/iso9660"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/winvm/internal/toolexec"
)

// VolumeLabel is the label of the driver-answer-image.
const VolumeLabel = "UNATTENDED"

// ImageBuilder turns a directory tree into an optical image.
type ImageBuilder interface {
	Build(ctx context.Context, srcDir, dst, label string) error
}

// ExternalBuilder builds images with an mkisofs-compatible tool. Joliet and
// Rock Ridge extensions keep the original file names visible to Windows.
type ExternalBuilder struct {
	Tool string
	// Prefix is inserted before the mkisofs arguments, e.g. "-as mkisofs"
	// for xorriso.
	Prefix []string
}

func (b *ExternalBuilder) Build(ctx context.Context, srcDir, dst, label string) error {
	args := append([]string{}, b.Prefix...)
	args = append(args, "-quiet", "-J", "-joliet-long", "-r", "-V", label, "-o", dst, srcDir)
	return toolexec.Run(ctx, b.Tool, args...)
}

// ISO9660Builder builds plain ISO 9660 images in process. File names are
// reduced to upper-case d-characters, so names with dashes change; Windows
// setup still finds the answer file and scans driver directories.
type ISO9660Builder struct{}

func (ISO9660Builder) Build(ctx context.Context, srcDir, dst, label string) error {
	w, err := iso9660.NewWriter()
	if err != nil {
		return errors.Errorf("create iso writer: %w", err)
	}
	defer w.Cleanup()

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		if err := w.AddFile(f, filepath.ToSlash(rel)); err != nil {
			return errors.Errorf("add %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return errors.Errorf("stage image content: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Errorf("create image: %w", err)
	}
	defer out.Close()

	if err := w.WriteTo(out, label); err != nil {
		return errors.Errorf("write image: %w", err)
	}
	return out.Close()
}

// NewImageBuilder prefers an installed mkisofs-compatible tool and falls
// back to the in-process ISO 9660 writer.
func NewImageBuilder() ImageBuilder {
	for _, tool := range []string{"genisoimage", "mkisofs"} {
		if path, err := toolexec.LookPath(tool); err == nil {
			return &ExternalBuilder{Tool: path}
		}
	}
	if path, err := toolexec.LookPath("xorriso"); err == nil {
		return &ExternalBuilder{Tool: path, Prefix: []string{"-as", "mkisofs"}}
	}
	return ISO9660Builder{}
}
