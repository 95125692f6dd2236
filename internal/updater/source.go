package updater

import (
	"context"
	"io"
	"strings"
)

// Manifest describes the latest published release. It is fetched per check
// and never persisted.
type Manifest struct {
	// LatestVersionTag is the tag as published, e.g. "v1.4.0".
	LatestVersionTag string `json:"latest_version_tag"`
	// Version is the tag with its prefix stripped, e.g. "1.4.0".
	Version      string `json:"version"`
	DownloadURL  string `json:"download_url"`
	SignatureURL string `json:"signature_url"`
	ReleaseNotes string `json:"release_notes,omitempty"`
	PublishedAt  string `json:"published_at,omitempty"`
}

// Source is where releases are published.
type Source interface {
	// Name identifies the source in logs.
	Name() string
	// Latest returns the manifest of the newest release.
	Latest(ctx context.Context) (*Manifest, error)
	// Fetch writes the artifact at ref to dst and returns the byte count.
	// It fails with ErrDownloadTooLarge once more than limit bytes arrive.
	Fetch(ctx context.Context, ref string, dst io.WriterAt, limit int64) (int64, error)
}

// expandTemplate substitutes {tag} (as published) and {version} (prefix
// stripped) in an artifact URL or key template.
func expandTemplate(tmpl, tag string) string {
	r := strings.NewReplacer("{tag}", tag, "{version}", NormalizeVersion(tag))
	return r.Replace(tmpl)
}

// limitWriterAt rejects writes that reach past limit. It holds no mutable
// state, so the S3 downloader may call WriteAt from several part goroutines.
type limitWriterAt struct {
	w     io.WriterAt
	limit int64
}

func (l *limitWriterAt) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > l.limit {
		return 0, ErrDownloadTooLarge
	}
	return l.w.WriteAt(p, off)
}
