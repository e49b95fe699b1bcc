// Package workspace models the per-guest directory and the artifacts in it.
//
// Every artifact is either absent or fully written. Producers write to a
// temporary sibling that is renamed into place only after they succeed.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/winvm/internal/errdefs"
)

// Artifact names a file or directory inside a Workspace.
type Artifact string

const (
	// Root is the workspace directory itself.
	Root               Artifact = "workspace"
	InstallerImage     Artifact = "installer-image"
	DriverImage        Artifact = "driver-image"
	DriverAnswerVolume Artifact = "driver-answer-volume"
	DriverAnswerImage  Artifact = "driver-answer-image"
	DiskImage          Artifact = "disk-image"
	PIDRecord          Artifact = "pid-record"
	ConfigRecord       Artifact = "config-record"
)

var fileNames = map[Artifact]string{
	Root:               "",
	InstallerImage:     "installer.iso",
	DriverImage:        "virtio-win.iso",
	DriverAnswerVolume: "unattended",
	DriverAnswerImage:  "unattended.iso",
	DiskImage:          "disk.img",
	PIDRecord:          "qemu.pid",
	ConfigRecord:       "config.env",
}

// FileName returns the on-disk name of a.
func (a Artifact) FileName() string {
	return fileNames[a]
}

// Workspace is one guest instance's directory.
type Workspace struct {
	Dir string
}

// New returns a Workspace rooted at dir, made absolute.
func New(dir string) (Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Workspace{}, errors.Errorf("resolve workspace path %q: %w", dir, err)
	}
	return Workspace{Dir: abs}, nil
}

// Path returns the absolute path of a.
func (w Workspace) Path(a Artifact) string {
	name, ok := fileNames[a]
	if !ok {
		panic(fmt.Sprintf("workspace: unknown artifact %q", a))
	}
	if name == "" {
		return w.Dir
	}
	return filepath.Join(w.Dir, name)
}

// Create makes the workspace directory. Existing content is left alone.
func (w Workspace) Create() error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return errors.Errorf("create workspace: %w", err)
	}
	return nil
}

// Exists reports whether a is present.
func (w Workspace) Exists(a Artifact) bool {
	_, err := os.Stat(w.Path(a))
	return err == nil
}

// RequirePresent fails with a MissingArtifactError naming the first absent
// artifact, in argument order.
func (w Workspace) RequirePresent(artifacts ...Artifact) error {
	for _, a := range artifacts {
		if !w.Exists(a) {
			return &errdefs.MissingArtifactError{Artifact: string(a), Path: w.Path(a)}
		}
	}
	return nil
}

// Remove deletes a. Removing an absent artifact is not an error.
func (w Workspace) Remove(a Artifact) error {
	if err := os.RemoveAll(w.Path(a)); err != nil {
		return errors.Errorf("remove %s: %w", a, err)
	}
	return nil
}

// tempPattern keeps the final extension so that tools which infer a format
// from the file name treat the temporary the same way.
func tempPattern(name string) string {
	ext := filepath.Ext(name)
	return "." + strings.TrimSuffix(name, ext) + ".tmp-*" + ext
}

// Write runs produce against a fresh temporary file and moves it to a's
// path once produce returns nil. The temporary exists and is empty when
// produce is called. On failure it is removed and a is left untouched.
func (w Workspace) Write(a Artifact, produce func(tmp string) error) error {
	final := w.Path(a)

	f, err := os.CreateTemp(w.Dir, tempPattern(a.FileName()))
	if err != nil {
		return errors.Errorf("create temporary for %s: %w", a, err)
	}
	tmp := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Errorf("create temporary for %s: %w", a, err)
	}

	if err := produce(tmp); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return errors.Errorf("place %s: %w", a, err)
	}
	return nil
}

// WriteDir is Write for directory artifacts. An existing directory is
// replaced only after produce succeeds.
func (w Workspace) WriteDir(a Artifact, produce func(tmp string) error) error {
	final := w.Path(a)

	tmp, err := os.MkdirTemp(w.Dir, tempPattern(a.FileName()))
	if err != nil {
		return errors.Errorf("create temporary for %s: %w", a, err)
	}

	if err := produce(tmp); err != nil {
		os.RemoveAll(tmp)
		return err
	}

	// A directory cannot be renamed over a non-empty one, so park the old
	// tree first and drop it once the new one is in place.
	var old string
	if _, err := os.Stat(final); err == nil {
		old = tmp + ".old"
		if err := os.Rename(final, old); err != nil {
			os.RemoveAll(tmp)
			return errors.Errorf("move aside previous %s: %w", a, err)
		}
	}

	if err := os.Rename(tmp, final); err != nil {
		if old != "" {
			os.Rename(old, final)
		}
		os.RemoveAll(tmp)
		return errors.Errorf("place %s: %w", a, err)
	}

	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			return errors.Errorf("remove previous %s: %w", a, err)
		}
	}
	return nil
}

// CreateSparse allocates a as a sparse file of size bytes.
func (w Workspace) CreateSparse(a Artifact, size int64) error {
	if size <= 0 {
		return errors.Errorf("%s size must be positive, got %d", a, size)
	}
	return w.Write(a, func(tmp string) error {
		f, err := os.OpenFile(tmp, os.O_WRONLY, 0o644)
		if err != nil {
			return errors.Errorf("open %s: %w", a, err)
		}
		defer f.Close()

		if err := f.Truncate(size); err != nil {
			return errors.Errorf("allocate %s of %s: %w", a, humanize.IBytes(uint64(size)), err)
		}
		return f.Sync()
	})
}

// ReadPID returns the process id stored in the pid-record.
func (w Workspace) ReadPID() (int, error) {
	data, err := os.ReadFile(w.Path(PIDRecord))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errors.Errorf("malformed %s %q", PIDRecord, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// WritePID records pid in the pid-record.
func (w Workspace) WritePID(pid int) error {
	return w.Write(PIDRecord, func(tmp string) error {
		return os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0o644)
	})
}

// FreeSpace returns the bytes available to unprivileged users on the
// filesystem holding the workspace.
func (w Workspace) FreeSpace() (uint64, error) {
	free, err := freeBytes(w.Dir)
	if err != nil {
		return 0, errors.Errorf("stat filesystem of %s: %w", w.Dir, err)
	}
	return free, nil
}
