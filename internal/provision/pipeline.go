// Package provision sequences the stages that turn an empty directory into
// an installed Windows guest: create, download, prepare and first-boot.
//
// Every stage checks its preconditions against the workspace and can be
// re-run on its own. Stages never run concurrently.
package provision

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/winvm/internal/config"
	"github.com/javanstorm/winvm/internal/download"
	"github.com/javanstorm/winvm/internal/errdefs"
	"github.com/javanstorm/winvm/internal/lifecycle"
	"github.com/javanstorm/winvm/internal/locale"
	"github.com/javanstorm/winvm/internal/logging"
	"github.com/javanstorm/winvm/internal/media"
	"github.com/javanstorm/winvm/internal/patcher"
	"github.com/javanstorm/winvm/internal/prompt"
	"github.com/javanstorm/winvm/internal/resources"
	"github.com/javanstorm/winvm/internal/timing"
	"github.com/javanstorm/winvm/internal/workspace"
	"github.com/javanstorm/winvm/pkg/hypervisor"
)

// Stage names a pipeline step.
type Stage string

const (
	Create    Stage = "create"
	Download  Stage = "download"
	Prepare   Stage = "prepare"
	FirstBoot Stage = "first-boot"
	// All runs every stage in order.
	All Stage = "all"
)

// Stages lists the individual stages in execution order.
var Stages = []Stage{Create, Download, Prepare, FirstBoot}

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if st == All || slices.Contains(Stages, st) {
		return st, nil
	}
	names := make([]string, 0, len(Stages)+1)
	for _, s := range Stages {
		names = append(names, string(s))
	}
	names = append(names, string(All))
	return "", &config.ValidationError{
		Field:   "stage",
		Message: "unknown stage " + s + ", expected one of " + strings.Join(names, ", "),
	}
}

// ImagePatcher removes the keypress prompt from an installer image.
type ImagePatcher interface {
	Patch(ctx context.Context, path string) (patcher.Result, error)
}

// VolumeSynthesizer builds the driver-answer-volume.
type VolumeSynthesizer interface {
	Synthesize(ctx context.Context, ws workspace.Workspace, driverImage string, lang locale.Tag, creds media.Credentials) error
}

// GuestLauncher runs the hypervisor in the foreground.
type GuestLauncher interface {
	Launch(ctx context.Context, alloc resources.Allocation, topo lifecycle.Topology) error
}

// Pipeline runs stages against the workspace named by Options.
type Pipeline struct {
	Options config.Options
	Confirm prompt.Confirmer

	Resolver    download.Resolver
	Fetcher     download.Fetcher
	Patcher     ImagePatcher
	Synthesizer VolumeSynthesizer
	Builder     media.ImageBuilder
	Launcher    GuestLauncher

	// Arch is the guest architecture. Empty means amd64.
	Arch hypervisor.Arch

	// InstallerSource imports a local installer image instead of resolving
	// one from the vendor.
	InstallerSource string
	// SkipPatch keeps the installer's boot prompt.
	SkipPatch bool

	Host      func() (resources.Host, error)
	FreeSpace func(workspace.Workspace) (uint64, error)
	Now       func() time.Time
	Timer     *timing.Timer
}

// New returns a Pipeline using the real collaborators for everything
// except the launcher, which depends on the hypervisor found at runtime.
func New(opts config.Options, confirm prompt.Confirmer, launcher GuestLauncher) *Pipeline {
	arch := hypervisor.CurrentArch()
	return &Pipeline{
		Options:     opts,
		Confirm:     confirm,
		Arch:        arch,
		Resolver:    download.NewMicrosoftResolver(arch),
		Fetcher:     download.NewGrabFetcher(download.DefaultUserAgent),
		Patcher:     patcher.New(""),
		Synthesizer: media.NewSynthesizer(arch),
		Builder:     media.NewImageBuilder(),
		Launcher:    launcher,
		Host:        resources.DetectHost,
		FreeSpace:   workspace.Workspace.FreeSpace,
		Now:         time.Now,
		Timer:       timing.New(),
	}
}

func (p *Pipeline) workspace() workspace.Workspace {
	return p.Options.Store()
}

// Run executes stage, or every stage in order for All, stopping at the
// first failure.
func (p *Pipeline) Run(ctx context.Context, stage Stage) error {
	stages := []Stage{stage}
	if stage == All {
		stages = Stages
	}

	ctx = logging.Append(ctx, "workspace", p.Options.Workspace)

	for _, st := range stages {
		run, ok := p.stageFunc(st)
		if !ok {
			_, err := ParseStage(string(st))
			return err
		}

		sctx := logging.Append(ctx, "stage", string(st))
		slog.InfoContext(sctx, "stage started")

		err := run(sctx)
		if p.Timer != nil {
			p.Timer.Record(string(st), err)
		}
		if err != nil {
			return errors.Errorf("%s: %w", st, err)
		}
		slog.InfoContext(sctx, "stage finished")
	}
	return nil
}

func (p *Pipeline) stageFunc(st Stage) (func(context.Context) error, bool) {
	switch st {
	case Create:
		return p.create, true
	case Download:
		return p.download, true
	case Prepare:
		return p.prepare, true
	case FirstBoot:
		return p.firstBoot, true
	default:
		return nil, false
	}
}

// confirmReplace asks before an existing artifact is destroyed. Replacing
// is the default answer. Nothing is removed here: the caller replaces the
// artifact once its successor is ready.
func (p *Pipeline) confirmReplace(ctx context.Context, a workspace.Artifact) error {
	ws := p.workspace()
	if !ws.Exists(a) {
		return nil
	}

	question := "The " + string(a) + " " + ws.Path(a) + " already exists. Delete it and create a new one?"
	if p.Confirm != nil && !p.Confirm.Confirm(question, true) {
		return errors.Errorf("keep %s: %w", ws.Path(a), errdefs.ErrConfirmationDeclined)
	}

	slog.InfoContext(ctx, "artifact will be replaced", "artifact", a, "path", ws.Path(a))
	return nil
}
