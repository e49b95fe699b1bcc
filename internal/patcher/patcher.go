// Package patcher rewrites the EFI boot payload embedded in an installer
// image so that it boots without waiting for a key press.
//
// The payload is located by content. Nothing here parses the optical-media
// filesystem: a marker string inside the payload bounds the search for its
// start, a fixed header at a sector boundary confirms it, and a SHA-256 over
// the extracted payload rejects anything that is not a pinned build.
package patcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/winvm/internal/errdefs"
)

// Signature pins the payload the patcher extracts and where it is written.
type Signature struct {
	// PayloadMarker occurs once per copy of the replacement payload.
	PayloadMarker []byte
	// SiteMarker occurs in every boot payload the image carries, prompting
	// or not. It must be a prefix of PayloadMarker so that every payload
	// site is also a candidate site.
	SiteMarker []byte
	// MarkerDistance is the offset of either marker from the payload start.
	// Zero means the start is searched for: the nearest Alignment boundary
	// at or before the marker that carries Header.
	MarkerDistance int64
	// Alignment is the granularity of payload starts within the image.
	Alignment int64
	// Header is the first 16 bytes of every valid payload.
	Header [16]byte
	// PayloadLength is the exact size of a payload.
	PayloadLength int64
	// SHA256 is the hex digest of the replacement payload. Empty means no
	// build is trusted yet and Patch stops with an *UnpinnedError.
	SHA256 string
}

// SectorSize is the optical-media logical block size.
const SectorSize = 2048

// PinnedSHA256 is the replacement payload digest trusted by default. It is
// set at link time with
//
//	-ldflags "-X github.com/javanstorm/winvm/internal/patcher.PinnedSHA256=<hex>"
//
// once it has been checked against a known-good efisys_noprompt.bin.
var PinnedSHA256 string

// DefaultSignature matches the 1.44 MB FAT12 EFI boot image
// (efisys.bin / efisys_noprompt.bin) that Windows installer images embed
// at a sector boundary. The boot sector is the one format.com writes.
var DefaultSignature = Signature{
	PayloadMarker: []byte("cdboot_noprompt.pdb"),
	SiteMarker:    []byte("cdboot"),
	Alignment:     SectorSize,
	Header: [16]byte{
		0xEB, 0x3C, 0x90, 'M', 'S', 'D', 'O', 'S', '5', '.', '0',
		0x00, 0x02, 0x01, 0x01, 0x00,
	},
	PayloadLength: 1474560,
}

// UnpinnedError reports a replacement payload that was found but cannot be
// trusted because no digest is pinned.
type UnpinnedError struct {
	// SHA256 is the digest of the extracted payload.
	SHA256 string
}

func (e *UnpinnedError) Error() string {
	return "replacement payload sha256 " + e.SHA256 + " is not pinned"
}

func (e *UnpinnedError) Unwrap() error {
	return errdefs.ErrChecksumMismatch
}

func (s Signature) validate() error {
	switch {
	case len(s.PayloadMarker) == 0 || len(s.SiteMarker) == 0:
		return errors.New("signature markers must not be empty")
	case !bytes.HasPrefix(s.PayloadMarker, s.SiteMarker):
		return errors.New("site marker must be a prefix of the payload marker")
	case s.PayloadLength <= 0:
		return errors.New("payload length must be positive")
	case s.MarkerDistance < 0 || s.MarkerDistance+int64(len(s.PayloadMarker)) > s.PayloadLength:
		return errors.New("payload marker must lie inside the payload")
	case s.MarkerDistance == 0 && s.Alignment <= 0:
		return errors.New("payload alignment must be positive when the start is searched for")
	case s.SHA256 != "" && !isHexDigest(s.SHA256):
		return errors.New("payload digest must be a hex SHA-256")
	}
	return nil
}

// Result describes a successful patch.
type Result struct {
	// Source is the offset the replacement payload was read from.
	Source int64
	// Sites are the offsets that were overwritten, in ascending order.
	Sites []int64
}

// Patcher applies a Signature to image files.
type Patcher struct {
	Signature Signature
	// ScratchDir holds the extracted payload while sites are rewritten.
	// Empty means os.TempDir().
	ScratchDir string
}

// New returns a Patcher for the default signature trusting the payload
// with digest sum. An empty sum falls back to PinnedSHA256.
func New(sum string) *Patcher {
	sig := DefaultSignature
	sig.SHA256 = PinnedSHA256
	if sum != "" {
		sig.SHA256 = sum
	}
	return &Patcher{Signature: sig}
}

// Patch rewrites every payload site in the image at path with the verified
// replacement payload. The image is modified in place and its length never
// changes.
func (p *Patcher) Patch(ctx context.Context, path string) (Result, error) {
	sig := p.Signature
	if err := sig.validate(); err != nil {
		return Result{}, errors.Errorf("patch signature: %w", err)
	}

	img, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return Result{}, errors.Errorf("open image: %w", err)
	}
	defer img.Close()

	info, err := img.Stat()
	if err != nil {
		return Result{}, errors.Errorf("stat image: %w", err)
	}
	size := info.Size()

	candidates, err := p.payloadStarts(ctx, img, size, sig.PayloadMarker)
	if err != nil {
		return Result{}, err
	}
	if len(candidates) == 0 {
		return Result{}, errors.Errorf("%s: %w", path, errdefs.ErrSignatureNotFound)
	}
	source := candidates[0]

	slog.DebugContext(ctx, "replacement payload located", "offset", source, "candidates", len(candidates))

	scratch, err := os.CreateTemp(p.ScratchDir, "winvm-payload-*.bin")
	if err != nil {
		return Result{}, errors.Errorf("create scratch file: %w", err)
	}
	defer os.Remove(scratch.Name())
	defer scratch.Close()

	if _, err := io.Copy(scratch, io.NewSectionReader(img, source, sig.PayloadLength)); err != nil {
		return Result{}, errors.Errorf("extract payload: %w", err)
	}

	if err := verifyDigest(scratch, sig.SHA256); err != nil {
		return Result{}, err
	}

	sites, err := p.payloadStarts(ctx, img, size, sig.SiteMarker)
	if err != nil {
		return Result{}, err
	}

	for _, site := range sites {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		w := io.NewOffsetWriter(img, site)
		if _, err := io.Copy(w, io.NewSectionReader(scratch, 0, sig.PayloadLength)); err != nil {
			return Result{}, errors.Errorf("write payload at %d: %w", site, err)
		}
		slog.DebugContext(ctx, "payload site rewritten", "offset", site)
	}

	if err := img.Sync(); err != nil {
		return Result{}, errors.Errorf("sync image: %w", err)
	}

	return Result{Source: source, Sites: sites}, nil
}

// payloadStarts scans for marker and returns the distinct payload start
// offsets whose header matches, in ascending order. Hits whose payload
// would not fit inside the image are skipped.
func (p *Patcher) payloadStarts(ctx context.Context, r io.ReaderAt, size int64, marker []byte) ([]int64, error) {
	sig := p.Signature

	hits, err := Scan(ctx, r, size, marker)
	if err != nil {
		return nil, err
	}

	var starts []int64
	for _, hit := range hits {
		start, ok, err := p.startOf(r, hit, int64(len(marker)))
		if err != nil {
			return nil, err
		}
		if !ok || start+sig.PayloadLength > size {
			continue
		}
		if !slices.Contains(starts, start) {
			starts = append(starts, start)
		}
	}
	slices.Sort(starts)
	return starts, nil
}

// startOf returns the start of the payload holding a marker of length n at
// hit. With a fixed MarkerDistance there is one candidate; otherwise
// aligned offsets are tried backwards from hit for as far as a payload
// could reach.
func (p *Patcher) startOf(r io.ReaderAt, hit, n int64) (int64, bool, error) {
	sig := p.Signature
	header := make([]byte, len(sig.Header))

	matches := func(start int64) (bool, error) {
		if _, err := r.ReadAt(header, start); err != nil && !errors.Is(err, io.EOF) {
			return false, errors.Errorf("read header at %d: %w", start, err)
		}
		return bytes.Equal(header, sig.Header[:]), nil
	}

	if sig.MarkerDistance > 0 {
		start := hit - sig.MarkerDistance
		if start < 0 {
			return 0, false, nil
		}
		ok, err := matches(start)
		return start, ok, err
	}

	lowest := max(hit+n-sig.PayloadLength, 0)
	for start := hit - hit%sig.Alignment; start >= lowest; start -= sig.Alignment {
		ok, err := matches(start)
		if err != nil || ok {
			return start, ok, err
		}
	}
	return 0, false, nil
}

func isHexDigest(s string) bool {
	b, err := hex.DecodeString(s)
	return err == nil && len(b) == sha256.Size
}

func verifyDigest(f *os.File, want string) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return errors.Errorf("rewind scratch file: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return errors.Errorf("hash payload: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if want == "" {
		return &UnpinnedError{SHA256: got}
	}
	if !strings.EqualFold(got, want) {
		return errors.Errorf("extracted payload sha256 %s, want %s: %w", got, want, errdefs.ErrChecksumMismatch)
	}
	return nil
}
