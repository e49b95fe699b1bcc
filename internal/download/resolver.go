// Package download resolves and fetches installation media.
package download

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/winvm/internal/errdefs"
	"github.com/javanstorm/winvm/internal/locale"
	"github.com/javanstorm/winvm/pkg/hypervisor"
)

// Release is a resolved installer download.
type Release struct {
	URL      string
	FileName string
	// Checksums are the upper-case hex SHA-256 digests the vendor
	// publishes for this product, across languages.
	Checksums []string
}

// Resolver finds the installer download for a language.
type Resolver interface {
	Resolve(ctx context.Context, lang locale.Language) (Release, error)
}

// Vendor endpoints.
const (
	DefaultPageURL    = "https://www.microsoft.com/en-us/software-download/windows11"
	ARM64PageURL      = "https://www.microsoft.com/en-us/software-download/windows11arm64"
	DefaultSessionURL = "https://vlscppe.microsoft.com/tags"
	DefaultAPIURL     = "https://www.microsoft.com/software-download-connector/api"

	profileID = "606624d44113"
	orgID     = "y6jn8c31"

	// Browser-like agent; the service refuses unknown clients.
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"
)

// ErrVendorRejected is returned when the download service answers but
// refuses to hand out a link.
var ErrVendorRejected = errors.Base("download service rejected the request")

var (
	editionRe  = regexp.MustCompile(`<option value="([0-9]+)">Windows`)
	checksumRe = regexp.MustCompile(`\b[0-9A-Fa-f]{64}\b`)
)

// PageURL returns the catalog page offering installers for arch.
func PageURL(arch hypervisor.Arch) string {
	if arch == hypervisor.ArchARM64 {
		return ARM64PageURL
	}
	return DefaultPageURL
}

// linkMarker identifies arch's installer among the returned links.
func linkMarker(arch hypervisor.Arch) string {
	if arch == hypervisor.ArchARM64 {
		return "arm64"
	}
	return "x64"
}

// MicrosoftResolver talks to the vendor's software download service in
// three exchanges: the catalog page, session registration and link
// resolution.
type MicrosoftResolver struct {
	Client     *http.Client
	PageURL    string
	SessionURL string
	APIURL     string
	UserAgent  string
	// Arch selects the installer build. Empty means amd64.
	Arch hypervisor.Arch
}

// NewMicrosoftResolver returns a resolver for arch installers from the
// public service.
func NewMicrosoftResolver(arch hypervisor.Arch) *MicrosoftResolver {
	return &MicrosoftResolver{
		Arch:       arch,
		Client:     &http.Client{Timeout: 30 * time.Second},
		PageURL:    PageURL(arch),
		SessionURL: DefaultSessionURL,
		APIURL:     DefaultAPIURL,
		UserAgent:  DefaultUserAgent,
	}
}

type skuInfo struct {
	Skus []struct {
		ID       string `json:"Id"`
		Language string `json:"Language"`
	} `json:"Skus"`
	Errors []vendorError `json:"Errors"`
}

type linkInfo struct {
	ProductDownloadOptions []struct {
		URI string `json:"Uri"`
	} `json:"ProductDownloadOptions"`
	Errors []vendorError `json:"Errors"`
}

type vendorError struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

func vendorErrors(errs []vendorError) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, strings.TrimSpace(e.Key+" "+e.Value))
	}
	return errors.Errorf("%w: %s", ErrVendorRejected, strings.Join(msgs, "; "))
}

func (r *MicrosoftResolver) Resolve(ctx context.Context, lang locale.Language) (Release, error) {
	page, err := r.get(ctx, r.PageURL, nil)
	if err != nil {
		return Release{}, errors.Errorf("fetch catalog page: %w", err)
	}

	m := editionRe.FindSubmatch(page)
	if m == nil {
		return Release{}, errors.Errorf("catalog page lists no product edition: %w", ErrVendorRejected)
	}
	edition := string(m[1])
	checksums := scrapeChecksums(page)
	slog.DebugContext(ctx, "catalog page parsed", "edition", edition, "checksums", len(checksums))

	session := uuid.NewString()
	if _, err := r.get(ctx, r.SessionURL, url.Values{"org_id": {orgID}, "session_id": {session}}); err != nil {
		return Release{}, errors.Errorf("register download session: %w", err)
	}

	var skus skuInfo
	if err := r.getJSON(ctx, r.APIURL+"/getskuinformationbyproductedition", url.Values{
		"profile":          {profileID},
		"ProductEditionId": {edition},
		"SKU":              {"undefined"},
		"friendlyFileName": {"undefined"},
		"Locale":           {"en-US"},
		"sessionID":        {session},
	}, &skus); err != nil {
		return Release{}, errors.Errorf("list languages: %w", err)
	}
	if err := vendorErrors(skus.Errors); err != nil {
		return Release{}, err
	}

	skuID := ""
	for _, s := range skus.Skus {
		if strings.EqualFold(s.Language, lang.DownloadName) {
			skuID = s.ID
			break
		}
	}
	if skuID == "" {
		return Release{}, errors.Errorf("language %q not offered: %w", lang.DownloadName, ErrVendorRejected)
	}

	var links linkInfo
	if err := r.getJSON(ctx, r.APIURL+"/GetProductDownloadLinksBySku", url.Values{
		"profile":          {profileID},
		"productEditionId": {"undefined"},
		"SKU":              {skuID},
		"friendlyFileName": {"undefined"},
		"Locale":           {"en-US"},
		"sessionID":        {session},
	}, &links); err != nil {
		return Release{}, errors.Errorf("resolve download link: %w", err)
	}
	if err := vendorErrors(links.Errors); err != nil {
		return Release{}, err
	}

	marker := linkMarker(r.Arch)
	link := ""
	for _, o := range links.ProductDownloadOptions {
		if strings.Contains(strings.ToLower(fileNameOf(o.URI)), marker) {
			link = o.URI
			break
		}
	}
	if link == "" && len(links.ProductDownloadOptions) == 1 {
		link = links.ProductDownloadOptions[0].URI
	}
	if link == "" {
		return Release{}, errors.Errorf("no %s download link returned: %w", marker, ErrVendorRejected)
	}

	return Release{
		URL:       link,
		FileName:  fileNameOf(link),
		Checksums: checksums,
	}, nil
}

func (r *MicrosoftResolver) get(ctx context.Context, rawURL string, query url.Values) ([]byte, error) {
	if query != nil {
		rawURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", r.UserAgent)
	req.Header.Set("Referer", r.PageURL)
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &errdefs.ExternalToolError{Tool: "download service", ExitCode: -1, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errors.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, &errdefs.ExternalToolError{
			Tool:     "download service",
			ExitCode: -1,
			Err:      errors.Errorf("%s returned %s", req.URL.Host, resp.Status),
		}
	}
	return body, nil
}

func (r *MicrosoftResolver) getJSON(ctx context.Context, rawURL string, query url.Values, v any) error {
	body, err := r.get(ctx, rawURL, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Errorf("decode response: %w", err)
	}
	return nil
}

func scrapeChecksums(page []byte) []string {
	var sums []string
	for _, m := range checksumRe.FindAll(page, -1) {
		s := strings.ToUpper(string(m))
		if !slices.Contains(sums, s) {
			sums = append(sums, s)
		}
	}
	return sums
}

func fileNameOf(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return path.Base(u.Path)
}
