package provision_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/winvm/internal/config"
	"github.com/javanstorm/winvm/internal/download"
	"github.com/javanstorm/winvm/internal/errdefs"
	"github.com/javanstorm/winvm/internal/lifecycle"
	"github.com/javanstorm/winvm/internal/locale"
	"github.com/javanstorm/winvm/internal/media"
	"github.com/javanstorm/winvm/internal/patcher"
	"github.com/javanstorm/winvm/internal/prompt"
	"github.com/javanstorm/winvm/internal/provision"
	"github.com/javanstorm/winvm/internal/resources"
	"github.com/javanstorm/winvm/internal/testutil"
	"github.com/javanstorm/winvm/internal/timing"
	"github.com/javanstorm/winvm/internal/workspace"
	"github.com/javanstorm/winvm/pkg/hypervisor"
)

const installerContent = "windows installer image"

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

type fakeResolver struct {
	release download.Release
	err     error
	calls   int
}

func (r *fakeResolver) Resolve(context.Context, locale.Language) (download.Release, error) {
	r.calls++
	return r.release, r.err
}

// fakeFetcher serves fixed content per URL.
type fakeFetcher struct {
	content map[string]string
	fetched []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url, dst string) error {
	f.fetched = append(f.fetched, url)
	body, ok := f.content[url]
	if !ok {
		return &errdefs.ExternalToolError{Tool: "download " + url, ExitCode: -1, Err: errors.New("404 Not Found")}
	}
	return os.WriteFile(dst, []byte(body), 0o644)
}

// fakePatcher appends a marker so tests can tell a patched image apart.
type fakePatcher struct {
	err     error
	patched []string
}

func (p *fakePatcher) Patch(_ context.Context, path string) (patcher.Result, error) {
	if p.err != nil {
		return patcher.Result{}, p.err
	}
	p.patched = append(p.patched, path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return patcher.Result{}, err
	}
	defer f.Close()
	_, err = f.WriteString("+patched")
	return patcher.Result{Source: 0, Sites: []int64{0}}, err
}

type fakeSynthesizer struct {
	lang  locale.Tag
	creds media.Credentials
}

func (s *fakeSynthesizer) Synthesize(_ context.Context, ws workspace.Workspace, driverImage string, lang locale.Tag, creds media.Credentials) error {
	s.lang, s.creds = lang, creds
	if _, err := os.Stat(driverImage); err != nil {
		return err
	}
	return ws.WriteDir(workspace.DriverAnswerVolume, func(tmp string) error {
		return os.WriteFile(filepath.Join(tmp, media.AnswerFileName), []byte("<unattend/>"), 0o644)
	})
}

type fakeBuilder struct {
	err   error
	built []string
}

func (b *fakeBuilder) Build(_ context.Context, srcDir, dst, label string) error {
	b.built = append(b.built, srcDir)
	if b.err != nil {
		return b.err
	}
	return os.WriteFile(dst, []byte(label), 0o644)
}

type fakeLauncher struct {
	err    error
	allocs []resources.Allocation
	topos  []lifecycle.Topology
}

func (l *fakeLauncher) Launch(_ context.Context, alloc resources.Allocation, topo lifecycle.Topology) error {
	l.allocs = append(l.allocs, alloc)
	l.topos = append(l.topos, topo)
	return l.err
}

type fixture struct {
	p           *provision.Pipeline
	ws          workspace.Workspace
	resolver    *fakeResolver
	fetcher     *fakeFetcher
	patcher     *fakePatcher
	synthesizer *fakeSynthesizer
	builder     *fakeBuilder
	launcher    *fakeLauncher
}

func newFixture(t *testing.T, opts config.Options) *fixture {
	t.Helper()

	f := &fixture{
		ws: opts.Store(),
		resolver: &fakeResolver{release: download.Release{
			URL:       "https://vendor.test/Win11_English_x64.iso",
			FileName:  "Win11_English_x64.iso",
			Checksums: []string{digest("other"), digest(installerContent)},
		}},
		fetcher: &fakeFetcher{content: map[string]string{
			"https://vendor.test/Win11_English_x64.iso": installerContent,
			download.DriverImageURL:                     "virtio drivers",
		}},
		patcher:     &fakePatcher{},
		synthesizer: &fakeSynthesizer{},
		builder:     &fakeBuilder{},
		launcher:    &fakeLauncher{},
	}
	f.p = &provision.Pipeline{
		Options:     opts,
		Confirm:     prompt.Yes,
		Resolver:    f.resolver,
		Fetcher:     f.fetcher,
		Patcher:     f.patcher,
		Synthesizer: f.synthesizer,
		Builder:     f.builder,
		Launcher:    f.launcher,
		Host:        func() (resources.Host, error) { return resources.Host{Cores: 8, MemoryGiB: 16}, nil },
		FreeSpace:   func(workspace.Workspace) (uint64, error) { return 1 << 50, nil },
		Now:         func() time.Time { return time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC) },
		Timer:       timing.New(),
	}
	return f
}

// created returns a fixture whose create stage already ran.
func created(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, testutil.TestOptions(t))
	require.NoError(t, f.p.Run(context.Background(), provision.Create))
	return f
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestParseStage(t *testing.T) {
	for _, s := range []string{"create", "download", "prepare", "first-boot", "all"} {
		st, err := provision.ParseStage(s)
		require.NoError(t, err)
		assert.Equal(t, provision.Stage(s), st)
	}

	_, err := provision.ParseStage("install")
	require.ErrorIs(t, err, errdefs.ErrValidation)
	assert.Contains(t, err.Error(), "first-boot")
}

func TestCreateWritesOnlyConfigRecord(t *testing.T) {
	opts := testutil.TestOptions(t)
	opts.DiskSizeGB = 60
	opts.GuestPort = 3390
	f := newFixture(t, opts)

	require.NoError(t, f.p.Run(context.Background(), provision.Create))

	assert.Equal(t, []string{"config.env"}, testutil.Entries(t, opts.Workspace))
	record := readFile(t, f.ws.Path(workspace.ConfigRecord))
	assert.Contains(t, record, "DISKSIZE=60\n")
	assert.Contains(t, record, "RDP_PORT=3390\n")
	assert.Contains(t, record, "CREATED=2026-10-17T09:30:00Z\n")
}

func TestCreateKeepsLaterArtifacts(t *testing.T) {
	f := created(t)
	testutil.WriteArtifact(t, f.ws, workspace.DiskImage, "disk")

	require.NoError(t, f.p.Run(context.Background(), provision.Create))
	assert.Equal(t, "disk", readFile(t, f.ws.Path(workspace.DiskImage)))
}

func TestDownloadRequiresWorkspace(t *testing.T) {
	f := newFixture(t, testutil.TestOptions(t))

	err := f.p.Run(context.Background(), provision.Download)
	var missing *errdefs.MissingArtifactError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, string(workspace.Root), missing.Artifact)
	assert.Zero(t, f.resolver.calls)
}

func TestDownload(t *testing.T) {
	f := created(t)
	f.p.Options.Language = "de-DE"

	require.NoError(t, f.p.Run(context.Background(), provision.Download))

	assert.Equal(t, installerContent+"+patched", readFile(t, f.ws.Path(workspace.InstallerImage)))
	require.Len(t, f.patcher.patched, 1)
	assert.NotEqual(t, f.ws.Path(workspace.InstallerImage), f.patcher.patched[0], "patch runs before the image is placed")

	assert.Equal(t, "virtio drivers", readFile(t, f.ws.Path(workspace.DriverImage)))
	assert.True(t, f.ws.Exists(workspace.DriverAnswerVolume))
	assert.Equal(t, locale.Tag("de-DE"), f.synthesizer.lang)
	assert.Equal(t, media.Credentials{Account: config.DefaultAccount, Secret: config.DefaultSecret}, f.synthesizer.creds)

	assert.ElementsMatch(t,
		[]string{"config.env", "installer.iso", "virtio-win.iso", "unattended"},
		testutil.Entries(t, f.ws.Dir))
}

func TestDownloadFetchesDriverImageOnce(t *testing.T) {
	f := created(t)
	testutil.WriteArtifact(t, f.ws, workspace.DriverImage, "cached drivers")

	require.NoError(t, f.p.Run(context.Background(), provision.Download))

	assert.NotContains(t, f.fetcher.fetched, download.DriverImageURL)
	assert.Equal(t, "cached drivers", readFile(t, f.ws.Path(workspace.DriverImage)))
}

func TestDownloadChecksumMismatch(t *testing.T) {
	f := created(t)
	f.resolver.release.Checksums = []string{digest("something else")}

	err := f.p.Run(context.Background(), provision.Download)
	require.ErrorIs(t, err, errdefs.ErrChecksumMismatch)

	assert.Equal(t, []string{"config.env"}, testutil.Entries(t, f.ws.Dir))
	assert.Empty(t, f.patcher.patched)
}

func TestDownloadVendorFailureHasManualSteps(t *testing.T) {
	f := created(t)
	f.resolver.err = &errdefs.ExternalToolError{Tool: "download service", ExitCode: -1, Err: download.ErrVendorRejected}

	err := f.p.Run(context.Background(), provision.Download)
	require.ErrorIs(t, err, errdefs.ErrExternalTool)

	steps := errdefs.ManualSteps(err)
	require.NotEmpty(t, steps)
	joined := strings.Join(steps, "\n")
	assert.Contains(t, joined, download.DefaultPageURL)
	assert.Contains(t, joined, "--installer")
	assert.Contains(t, joined, f.ws.Path(workspace.InstallerImage))
	assert.False(t, f.ws.Exists(workspace.InstallerImage))
}

func TestDownloadVendorFailureStepsFollowArch(t *testing.T) {
	f := created(t)
	f.p.Arch = hypervisor.ArchARM64
	f.resolver.err = &errdefs.ExternalToolError{Tool: "download service", ExitCode: -1, Err: download.ErrVendorRejected}

	err := f.p.Run(context.Background(), provision.Download)
	require.Error(t, err)

	joined := strings.Join(errdefs.ManualSteps(err), "\n")
	assert.Contains(t, joined, download.ARM64PageURL)
	assert.Contains(t, joined, "Arm64 image")
}

func TestDownloadSignatureNotFoundHasManualSteps(t *testing.T) {
	f := created(t)
	f.patcher.err = errors.Errorf("scan image: %w", errdefs.ErrSignatureNotFound)

	err := f.p.Run(context.Background(), provision.Download)
	require.ErrorIs(t, err, errdefs.ErrSignatureNotFound)
	assert.Contains(t, strings.Join(errdefs.ManualSteps(err), "\n"), "--skip-patch")
	assert.False(t, f.ws.Exists(workspace.InstallerImage))
}

func TestDownloadUnpinnedPayloadHasManualSteps(t *testing.T) {
	f := created(t)
	sum := strings.Repeat("ab", 32)
	f.patcher.err = &patcher.UnpinnedError{SHA256: sum}

	err := f.p.Run(context.Background(), provision.Download)
	require.ErrorIs(t, err, errdefs.ErrChecksumMismatch)

	joined := strings.Join(errdefs.ManualSteps(err), "\n")
	assert.Contains(t, joined, "--payload-sha256 "+sum)
	assert.Contains(t, joined, "efisys_noprompt.bin")
	assert.Contains(t, joined, "--skip-patch")
	assert.False(t, f.ws.Exists(workspace.InstallerImage))
}

func TestDownloadSkipPatch(t *testing.T) {
	f := created(t)
	f.p.SkipPatch = true

	require.NoError(t, f.p.Run(context.Background(), provision.Download))
	assert.Equal(t, installerContent, readFile(t, f.ws.Path(workspace.InstallerImage)))
	assert.Empty(t, f.patcher.patched)
}

func TestDownloadImportsLocalInstaller(t *testing.T) {
	f := created(t)
	src := filepath.Join(t.TempDir(), "Win11.iso")
	require.NoError(t, os.WriteFile(src, []byte("local image"), 0o644))
	f.p.InstallerSource = src

	require.NoError(t, f.p.Run(context.Background(), provision.Download))

	assert.Zero(t, f.resolver.calls)
	assert.Equal(t, "local image+patched", readFile(t, f.ws.Path(workspace.InstallerImage)))
	assert.Equal(t, "local image", readFile(t, src))
}

func TestDownloadReplaceDeclined(t *testing.T) {
	f := created(t)
	testutil.WriteArtifact(t, f.ws, workspace.InstallerImage, "old image")
	f.p.Confirm = prompt.No

	err := f.p.Run(context.Background(), provision.Download)
	require.ErrorIs(t, err, errdefs.ErrConfirmationDeclined)
	assert.Equal(t, "old image", readFile(t, f.ws.Path(workspace.InstallerImage)))
	assert.Zero(t, f.resolver.calls)
}

func TestDownloadReplaceConfirmed(t *testing.T) {
	f := created(t)
	testutil.WriteArtifact(t, f.ws, workspace.InstallerImage, "old image")

	require.NoError(t, f.p.Run(context.Background(), provision.Download))
	assert.Equal(t, installerContent+"+patched", readFile(t, f.ws.Path(workspace.InstallerImage)))
}

func TestDownloadFailureKeepsPreviousInstaller(t *testing.T) {
	f := created(t)
	testutil.WriteArtifact(t, f.ws, workspace.InstallerImage, "old image")
	f.resolver.release.Checksums = []string{digest("something else")}

	err := f.p.Run(context.Background(), provision.Download)
	require.ErrorIs(t, err, errdefs.ErrChecksumMismatch)
	assert.Equal(t, "old image", readFile(t, f.ws.Path(workspace.InstallerImage)))
}

func TestPrepareRequiresVolume(t *testing.T) {
	f := created(t)
	testutil.WriteArtifact(t, f.ws, workspace.DiskImage, "disk")

	err := f.p.Run(context.Background(), provision.Prepare)
	var missing *errdefs.MissingArtifactError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, string(workspace.DriverAnswerVolume), missing.Artifact)
	assert.Equal(t, "disk", readFile(t, f.ws.Path(workspace.DiskImage)))
}

func TestPrepareInsufficientSpace(t *testing.T) {
	f := created(t)
	testutil.StageVolume(t, f.ws)
	f.p.FreeSpace = func(workspace.Workspace) (uint64, error) { return uint64(f.p.Options.DiskSizeBytes()), nil }

	err := f.p.Run(context.Background(), provision.Prepare)
	var space *errdefs.InsufficientSpaceError
	require.ErrorAs(t, err, &space)
	assert.Equal(t, space.Required, space.Available)
	assert.Contains(t, err.Error(), "64 GiB")
	assert.False(t, f.ws.Exists(workspace.DiskImage))
	assert.Empty(t, f.builder.built)
}

func TestPrepare(t *testing.T) {
	f := created(t)
	testutil.StageVolume(t, f.ws)

	require.NoError(t, f.p.Run(context.Background(), provision.Prepare))

	info, err := os.Stat(f.ws.Path(workspace.DiskImage))
	require.NoError(t, err)
	assert.Equal(t, int64(64)<<30, info.Size())
	assert.Equal(t, media.VolumeLabel, readFile(t, f.ws.Path(workspace.DriverAnswerImage)))
	assert.Equal(t, []string{f.ws.Path(workspace.DriverAnswerVolume)}, f.builder.built)
}

func TestPrepareReplaceDeclinedKeepsDisk(t *testing.T) {
	f := created(t)
	testutil.StageVolume(t, f.ws)
	testutil.WriteArtifact(t, f.ws, workspace.DiskImage, "installed guest")
	f.p.Confirm = prompt.No

	err := f.p.Run(context.Background(), provision.Prepare)
	require.ErrorIs(t, err, errdefs.ErrConfirmationDeclined)
	assert.Equal(t, "installed guest", readFile(t, f.ws.Path(workspace.DiskImage)))
}

func TestPrepareBuildFailureKeepsDisk(t *testing.T) {
	f := created(t)
	testutil.StageVolume(t, f.ws)
	testutil.WriteArtifact(t, f.ws, workspace.DiskImage, "installed guest")
	f.builder.err = &errdefs.ExternalToolError{Tool: "genisoimage", ExitCode: 1, Err: errors.New("bad label")}

	err := f.p.Run(context.Background(), provision.Prepare)
	require.ErrorIs(t, err, errdefs.ErrExternalTool)
	assert.Equal(t, "installed guest", readFile(t, f.ws.Path(workspace.DiskImage)))
	assert.False(t, f.ws.Exists(workspace.DriverAnswerImage))
}

func TestPrepareReplacesDisk(t *testing.T) {
	f := created(t)
	testutil.StageVolume(t, f.ws)
	testutil.WriteArtifact(t, f.ws, workspace.DiskImage, "installed guest")

	require.NoError(t, f.p.Run(context.Background(), provision.Prepare))
	info, err := os.Stat(f.ws.Path(workspace.DiskImage))
	require.NoError(t, err)
	assert.Equal(t, int64(64)<<30, info.Size())
}

func TestFirstBootRequiresArtifacts(t *testing.T) {
	f := created(t)
	testutil.WriteArtifact(t, f.ws, workspace.DriverAnswerImage, "iso")

	err := f.p.Run(context.Background(), provision.FirstBoot)
	var missing *errdefs.MissingArtifactError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, string(workspace.InstallerImage), missing.Artifact)
	assert.Empty(t, f.launcher.allocs)
}

func TestFirstBoot(t *testing.T) {
	f := created(t)
	testutil.StageGuest(t, f.ws)

	require.NoError(t, f.p.Run(context.Background(), provision.FirstBoot))

	require.Len(t, f.launcher.allocs, 1)
	assert.Equal(t, resources.Allocation{CPUs: 4, MemoryGiB: 8}, f.launcher.allocs[0])
	assert.Equal(t,
		[]workspace.Artifact{workspace.InstallerImage, workspace.DriverAnswerImage},
		f.launcher.topos[0].Media)

	f.p.Options.MemoryGB = 6
	require.NoError(t, f.p.Run(context.Background(), provision.FirstBoot))
	assert.Equal(t, resources.Allocation{CPUs: 4, MemoryGiB: 6}, f.launcher.allocs[1])
}

func TestFirstBootHypervisorFailure(t *testing.T) {
	f := created(t)
	testutil.StageGuest(t, f.ws)
	f.launcher.err = &errdefs.ExternalToolError{Tool: "qemu", ExitCode: 2, Err: errors.New("I/O error")}

	err := f.p.Run(context.Background(), provision.FirstBoot)
	require.ErrorIs(t, err, errdefs.ErrExternalTool)
	assert.Contains(t, err.Error(), "first-boot")
	assert.Contains(t, err.Error(), "exit code 2")
}

func TestRunAll(t *testing.T) {
	f := newFixture(t, testutil.TestOptions(t))

	require.NoError(t, f.p.Run(context.Background(), provision.All))

	for _, a := range []workspace.Artifact{
		workspace.ConfigRecord, workspace.InstallerImage, workspace.DriverImage,
		workspace.DriverAnswerVolume, workspace.DriverAnswerImage, workspace.DiskImage,
	} {
		assert.True(t, f.ws.Exists(a), "missing %s", a)
	}
	require.Len(t, f.launcher.allocs, 1)

	phases := f.p.Timer.Phases()
	require.Len(t, phases, 4)
	for i, st := range provision.Stages {
		assert.Equal(t, string(st), phases[i].Name)
		assert.Equal(t, "ok", phases[i].Outcome())
	}
}

func TestRunAllStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t, testutil.TestOptions(t))
	f.p.FreeSpace = func(workspace.Workspace) (uint64, error) { return 0, nil }

	err := f.p.Run(context.Background(), provision.All)
	require.ErrorIs(t, err, errdefs.ErrInsufficientSpace)

	phases := f.p.Timer.Phases()
	require.Len(t, phases, 3)
	assert.Equal(t, "failed", phases[2].Outcome())
	assert.Empty(t, f.launcher.allocs)
}

// TestCreateThenPrepare runs against the real filesystem: prepare either
// allocates the full disk or reports the shortfall without touching it.
func TestCreateThenPrepare(t *testing.T) {
	opts := testutil.TestOptions(t)
	opts.DiskSizeGB = 60
	opts.GuestPort = 3390
	f := newFixture(t, opts)
	f.p.FreeSpace = workspace.Workspace.FreeSpace

	require.NoError(t, f.p.Run(context.Background(), provision.Create))
	assert.Equal(t, []string{"config.env"}, testutil.Entries(t, opts.Workspace))

	testutil.StageVolume(t, f.ws)
	free, err := f.ws.FreeSpace()
	require.NoError(t, err)

	err = f.p.Run(context.Background(), provision.Prepare)
	if free <= 60<<30 {
		require.ErrorIs(t, err, errdefs.ErrInsufficientSpace)
		assert.False(t, f.ws.Exists(workspace.DiskImage))
		return
	}
	require.NoError(t, err)
	info, err := os.Stat(f.ws.Path(workspace.DiskImage))
	require.NoError(t, err)
	assert.Equal(t, int64(60)<<30, info.Size())
}
