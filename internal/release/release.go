// SPDX-License-Identifier: MPL-2.0

// Package release resolves which Dockside build to install and where to
// fetch it. Version resolution goes through the GitHub Releases API; the
// artifact URL itself is deterministic, built from the resolved tag and the
// platform target rather than scraped from release metadata.
package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"dockside-setup/internal/platform"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/mod/semver"
	"golang.org/x/term"
)

const (
	// maxJSONResponseBytes is the upper bound on JSON API response size (10 MB).
	// Prevents unbounded memory consumption from malformed responses.
	maxJSONResponseBytes = 10 << 20

	// LatestTag is the sentinel version meaning "resolve the newest release".
	LatestTag = "latest"
)

var (
	// ErrNoRelease indicates the metadata endpoint returned no usable
	// version tag. This is fatal: without a version there is no artifact.
	ErrNoRelease = errors.New("no release found")

	// ErrInvalidVersion indicates an explicit version tag is not valid semver.
	ErrInvalidVersion = errors.New("invalid semantic version")

	// ErrDownloadFailed indicates a non-success transfer.
	ErrDownloadFailed = errors.New("download failed")
)

type (
	// Kind classifies the downloadable artifact.
	Kind int

	// Selector names the wanted release: an explicit tag or "latest", plus
	// the platform the artifact must match. Created per invocation, used
	// once, discarded.
	Selector struct {
		Tag    string
		Target platform.Target
	}

	// Descriptor is a resolved, downloadable artifact.
	Descriptor struct {
		Version string // normalized tag, e.g. "v1.2.3"
		URL     string
		Kind    Kind
	}

	// RateLimitError is returned when the GitHub API rate limit is exceeded.
	RateLimitError struct {
		Remaining int
		ResetAt   time.Time
	}

	// ClientOption configures a Client.
	ClientOption func(*Client)

	// Client queries the release metadata endpoint and downloads artifacts.
	Client struct {
		httpClient  *http.Client
		apiBaseURL  string // metadata endpoint (default: GitHub API)
		downloadURL string // artifact endpoint (default: github.com)
		owner       string
		repo        string
		userAgent   string
	}

	// latestRelease is the JSON wire format of the latest-release lookup.
	latestRelease struct {
		TagName string `json:"tag_name"`
	}
)

const (
	// KindArchive is a tar.gz containing the dockside CLI binary.
	KindArchive Kind = iota
	// KindAppBundle is a tar.gz containing the Dockside.app bundle (macOS).
	KindAppBundle
	// KindRawBinary is a bare executable, no archive.
	KindRawBinary
)

// Error formats the rate limit details as a human-readable message.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("GitHub API rate limit exceeded (%d remaining, resets at %s)",
		e.Remaining, e.ResetAt.UTC().Format("15:04 UTC"))
}

// WithHTTPClient sets a custom HTTP client, useful for tests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(g *Client) { g.httpClient = c }
}

// WithAPIBaseURL overrides the metadata endpoint, primarily for test servers.
func WithAPIBaseURL(base string) ClientOption {
	return func(g *Client) { g.apiBaseURL = strings.TrimRight(base, "/") }
}

// WithDownloadBaseURL overrides the artifact endpoint, primarily for test servers.
func WithDownloadBaseURL(base string) ClientOption {
	return func(g *Client) { g.downloadURL = strings.TrimRight(base, "/") }
}

// WithRepo overrides the default repository owner and name.
func WithRepo(owner, repo string) ClientOption {
	return func(g *Client) {
		g.owner = owner
		g.repo = repo
	}
}

// NewClient creates a release client with production defaults.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient:  http.DefaultClient,
		apiBaseURL:  "https://api.github.com",
		downloadURL: "https://github.com",
		owner:       "dockside",
		repo:        "dockside",
		userAgent:   "dockside-setup",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve turns a Selector into a concrete Descriptor. "latest" goes through
// the metadata endpoint; explicit tags are validated as semver and used
// directly. The artifact URL embeds exactly the resolved tag and the
// platform target string.
func (c *Client) Resolve(ctx context.Context, sel Selector) (Descriptor, error) {
	tag := sel.Tag
	if tag == "" || tag == LatestTag {
		latest, err := c.LatestTag(ctx)
		if err != nil {
			return Descriptor{}, err
		}
		tag = latest
	} else {
		norm, err := normalizeVersion(tag)
		if err != nil {
			return Descriptor{}, err
		}
		tag = norm
	}

	return Descriptor{
		Version: tag,
		URL:     c.artifactURL(tag, sel.Target),
		Kind:    artifactKind(sel.Target),
	}, nil
}

// LatestTag fetches the newest release tag from the metadata endpoint.
// An empty or missing tag is fatal — there is nothing to install.
func (c *Client) LatestTag(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", c.apiBaseURL, c.owner, c.repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying latest release: %w", err)
	}
	defer func() { _ = resp.Body.Close() }() // read-only response body

	if err := checkRateLimit(resp); err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s/%s has no releases", ErrNoRelease, c.owner, c.repo)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("querying latest release: unexpected status %d", resp.StatusCode)
	}

	var rel latestRelease
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONResponseBytes)).Decode(&rel); err != nil {
		return "", fmt.Errorf("decoding latest release: %w", err)
	}
	if rel.TagName == "" {
		return "", fmt.Errorf("%w: metadata lookup returned an empty tag", ErrNoRelease)
	}

	return rel.TagName, nil
}

// Download streams the artifact at url into dest, rendering a progress bar
// when stderr is a terminal. A non-success transfer is fatal.
func (c *Client) Download(ctx context.Context, url string, dest io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDownloadFailed, url, err)
	}
	defer func() { _ = resp.Body.Close() }() // read-only response body

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: unexpected status %d", ErrDownloadFailed, url, resp.StatusCode)
	}

	writer := dest
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(resp.ContentLength, "downloading")
		writer = io.MultiWriter(dest, bar)
	}

	if _, err := io.Copy(writer, resp.Body); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDownloadFailed, url, err)
	}
	return nil
}

// artifactURL builds the deterministic download URL for a tag and target.
// GoReleaser-style naming: the version in the filename drops the "v" prefix.
func (c *Client) artifactURL(tag string, target platform.Target) string {
	version := strings.TrimPrefix(tag, "v")
	name := fmt.Sprintf("dockside_%s_%s.tar.gz", version, target)
	if target.OS == platform.OSDarwin {
		name = fmt.Sprintf("Dockside_%s_%s.app.tar.gz", version, target)
	}
	return fmt.Sprintf("%s/%s/%s/releases/download/%s/%s", c.downloadURL, c.owner, c.repo, tag, name)
}

// artifactKind maps the platform to its distribution form: macOS ships the
// app bundle, Linux ships the CLI binary archive.
func artifactKind(target platform.Target) Kind {
	if target.OS == platform.OSDarwin {
		return KindAppBundle
	}
	return KindArchive
}

// checkRateLimit inspects the X-RateLimit-* response headers and returns a
// RateLimitError when the remaining quota is zero.
func checkRateLimit(resp *http.Response) error {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return nil
	}
	rem, err := strconv.Atoi(remaining)
	if err != nil || rem > 0 {
		return nil
	}

	resetUnix, _ := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64) //nolint:errcheck // Best-effort header parsing.
	return &RateLimitError{Remaining: 0, ResetAt: time.Unix(resetUnix, 0)}
}

// normalizeVersion ensures the tag has a "v" prefix and is well-formed semver.
func normalizeVersion(v string) (string, error) {
	norm := v
	if !strings.HasPrefix(norm, "v") {
		norm = "v" + norm
	}
	if !semver.IsValid(norm) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, v)
	}
	return norm, nil
}
