package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	// DefaultGitHubAPI is the public GitHub API root.
	DefaultGitHubAPI = "https://api.github.com"
	// DefaultArchiveTemplate is the source archive GitHub builds for each tag.
	DefaultArchiveTemplate = "https://github.com/{owner}/{repo}/archive/refs/tags/{tag}.zip"
	// DefaultSignatureTemplate is the detached signature attached to each release.
	DefaultSignatureTemplate = "https://github.com/{owner}/{repo}/releases/download/{tag}/update.sig"

	// Release asset names that override the templates when present.
	archiveAssetName   = "update.zip"
	signatureAssetName = "update.sig"
)

// GitHubConfig locates a repository's releases.
type GitHubConfig struct {
	APIURL               string
	Owner                string
	Repo                 string
	ArchiveURLTemplate   string
	SignatureURLTemplate string
}

// release is the subset of the GitHub release payload we use.
type release struct {
	TagName     string  `json:"tag_name"`
	Name        string  `json:"name"`
	Body        string  `json:"body"`
	PublishedAt string  `json:"published_at"`
	Assets      []asset `json:"assets"`
}

type asset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
	Size        int64  `json:"size"`
}

// GitHubSource reads releases from the GitHub releases API.
type GitHubSource struct {
	cfg        GitHubConfig
	httpClient *http.Client
}

// NewGitHubSource creates a GitHubSource. Empty config fields fall back to
// the public GitHub defaults.
func NewGitHubSource(cfg GitHubConfig, httpClient *http.Client) *GitHubSource {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultGitHubAPI
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	repo := strings.NewReplacer("{owner}", cfg.Owner, "{repo}", cfg.Repo)
	if cfg.ArchiveURLTemplate == "" {
		cfg.ArchiveURLTemplate = DefaultArchiveTemplate
	}
	if cfg.SignatureURLTemplate == "" {
		cfg.SignatureURLTemplate = DefaultSignatureTemplate
	}
	cfg.ArchiveURLTemplate = repo.Replace(cfg.ArchiveURLTemplate)
	cfg.SignatureURLTemplate = repo.Replace(cfg.SignatureURLTemplate)

	return &GitHubSource{cfg: cfg, httpClient: httpClient}
}

// Name implements Source.
func (g *GitHubSource) Name() string {
	return "github:" + g.cfg.Owner + "/" + g.cfg.Repo
}

// Latest implements Source. Artifact URLs are addressed by the new tag.
func (g *GitHubSource) Latest(ctx context.Context) (*Manifest, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", g.cfg.APIURL, g.cfg.Owner, g.cfg.Repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "fetch latest release", URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &NetworkError{Op: "fetch latest release", URL: url, Err: errors.New("no releases found")}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{Op: "fetch latest release", URL: url, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	var rel release
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rel); err != nil {
		return nil, &NetworkError{Op: "decode release", URL: url, Err: err}
	}
	if strings.TrimSpace(rel.TagName) == "" {
		return nil, &VersionFormatError{Tag: rel.TagName, Reason: "release has no tag"}
	}

	m := &Manifest{
		LatestVersionTag: rel.TagName,
		Version:          NormalizeVersion(rel.TagName),
		DownloadURL:      expandTemplate(g.cfg.ArchiveURLTemplate, rel.TagName),
		SignatureURL:     expandTemplate(g.cfg.SignatureURLTemplate, rel.TagName),
		ReleaseNotes:     rel.Body,
		PublishedAt:      rel.PublishedAt,
	}
	for _, a := range rel.Assets {
		switch a.Name {
		case archiveAssetName:
			m.DownloadURL = a.DownloadURL
		case signatureAssetName:
			m.SignatureURL = a.DownloadURL
		}
	}
	return m, nil
}

// Fetch implements Source by streaming an HTTP GET into dst.
func (g *GitHubSource) Fetch(ctx context.Context, ref string, dst io.WriterAt, limit int64) (int64, error) {
	return httpFetch(ctx, g.httpClient, ref, dst, limit)
}

func httpFetch(ctx context.Context, client *http.Client, url string, dst io.WriterAt, limit int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create download request: %w", err)
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		return 0, &NetworkError{Op: "download", URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &NetworkError{Op: "download", URL: url, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	if resp.ContentLength > limit {
		return 0, fmt.Errorf("%w: %d bytes", ErrDownloadTooLarge, resp.ContentLength)
	}

	w := io.NewOffsetWriter(&limitWriterAt{w: dst, limit: limit}, 0)
	n, err := io.CopyBuffer(w, resp.Body, make([]byte, 32*1024))
	if err != nil {
		if errors.Is(err, ErrDownloadTooLarge) {
			return n, err
		}
		return n, &NetworkError{Op: "download", URL: url, Err: err}
	}
	return n, nil
}
