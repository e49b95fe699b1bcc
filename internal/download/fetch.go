package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/dustin/go-humanize"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/winvm/internal/errdefs"
)

// DriverImageURL is the stable virtio driver image.
const DriverImageURL = "https://fedorapeople.org/groups/virt/virtio-win/direct-downloads/stable-virtio/virtio-win.iso"

// Fetcher downloads a URL into a file.
type Fetcher interface {
	Fetch(ctx context.Context, url, dst string) error
}

// GrabFetcher downloads with grab and logs progress periodically.
type GrabFetcher struct {
	Client   *grab.Client
	Interval time.Duration
}

// NewGrabFetcher returns a fetcher identifying itself with userAgent.
func NewGrabFetcher(userAgent string) *GrabFetcher {
	client := grab.NewClient()
	client.UserAgent = userAgent
	return &GrabFetcher{Client: client, Interval: 5 * time.Second}
}

// Fetch downloads url to dst, replacing any content dst already has.
func (f *GrabFetcher) Fetch(ctx context.Context, url, dst string) error {
	req, err := grab.NewRequest(dst, url)
	if err != nil {
		return errors.Errorf("build download request: %w", err)
	}
	req = req.WithContext(ctx)
	req.NoResume = true

	client := f.Client
	if client == nil {
		client = grab.DefaultClient
	}

	slog.InfoContext(ctx, "downloading", "url", url, "dst", dst)
	resp := client.Do(req)

	interval := f.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ticker.C:
			slog.InfoContext(ctx, "download progress",
				"done", humanize.IBytes(uint64(resp.BytesComplete())),
				"total", humanize.IBytes(uint64(max(resp.Size(), 0))),
				"percent", int(100*resp.Progress()),
				"rate", humanize.IBytes(uint64(resp.BytesPerSecond()))+"/s")
		case <-resp.Done:
			break loop
		}
	}

	if err := resp.Err(); err != nil {
		return &errdefs.ExternalToolError{Tool: "download " + url, ExitCode: -1, Err: err}
	}
	slog.InfoContext(ctx, "download complete", "size", humanize.IBytes(uint64(resp.BytesComplete())), "elapsed", resp.Duration().Round(time.Second))
	return nil
}

// FileSHA256 returns the upper-case hex SHA-256 of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Errorf("hash %s: %w", path, err)
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

// VerifyChecksum fails with errdefs.ErrChecksumMismatch unless the SHA-256
// of the file at path is one of known. It returns the computed digest.
func VerifyChecksum(path string, known []string) (string, error) {
	sum, err := FileSHA256(path)
	if err != nil {
		return "", err
	}
	if !slices.ContainsFunc(known, func(k string) bool { return strings.EqualFold(k, sum) }) {
		return sum, errors.Errorf("sha256 %s is not among %d published checksums: %w", sum, len(known), errdefs.ErrChecksumMismatch)
	}
	return sum, nil
}
