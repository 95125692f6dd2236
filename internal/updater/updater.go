// Package updater checks for, downloads, verifies and installs signed
// releases of the application.
package updater

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/MacJediWizard/serialkeeper/internal/keystore"
	"github.com/MacJediWizard/serialkeeper/internal/signing"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/rs/zerolog"
)

const (
	// DefaultMetadataTimeout bounds a release metadata query.
	DefaultMetadataTimeout = 10 * time.Second
	// DefaultDownloadTimeout bounds an artifact download.
	DefaultDownloadTimeout = 15 * time.Second
	// DefaultMaxDownloadBytes caps the size of a downloaded package.
	DefaultMaxDownloadBytes = 512 << 20

	// maxSignatureBytes caps a detached signature; RSA-8192 is 1 KiB.
	maxSignatureBytes = 64 << 10
)

// Check outcomes reported to the Recorder.
const (
	CheckUpToDate     = "up_to_date"
	CheckAvailable    = "available"
	CheckNetworkError = "network_error"
	CheckVersionError = "version_error"
	CheckFailed       = "failed"
)

// Recorder receives update events, usually for metrics.
type Recorder interface {
	UpdateChecked(outcome string)
	UpdateFinished(state string)
}

type nopRecorder struct{}

func (nopRecorder) UpdateChecked(string)  {}
func (nopRecorder) UpdateFinished(string) {}

// Config holds the updater settings.
type Config struct {
	// CurrentVersion is the running build's version tag.
	CurrentVersion string
	// ScratchDir receives downloads and staging trees.
	ScratchDir string
	// MetadataTimeout bounds CheckLatest.
	MetadataTimeout time.Duration
	// DownloadTimeout bounds Download and FetchSignature.
	DownloadTimeout time.Duration
	// MaxDownloadBytes caps the package size.
	MaxDownloadBytes int64
	// Recorder receives check events. Optional.
	Recorder Recorder
}

// Updater talks to a release source and verifies what it downloads against
// the update public key.
type Updater struct {
	cfg      Config
	source   Source
	pub      *rsa.PublicKey
	recorder Recorder
	logger   zerolog.Logger
}

// New creates an Updater. pub may be nil, in which case every verification
// fails with ErrKeyLoad.
func New(cfg Config, source Source, pub *rsa.PublicKey, logger zerolog.Logger) *Updater {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.MetadataTimeout == 0 {
		cfg.MetadataTimeout = DefaultMetadataTimeout
	}
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = DefaultDownloadTimeout
	}
	if cfg.MaxDownloadBytes == 0 {
		cfg.MaxDownloadBytes = DefaultMaxDownloadBytes
	}

	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Updater{
		cfg:      cfg,
		source:   source,
		pub:      pub,
		recorder: recorder,
		logger:   logger.With().Str("component", "updater").Str("source", source.Name()).Logger(),
	}
}

// CurrentVersion returns the running build's version tag.
func (u *Updater) CurrentVersion() string {
	return u.cfg.CurrentVersion
}

// CheckLatest fetches the newest release manifest.
func (u *Updater) CheckLatest(ctx context.Context) (*Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, u.cfg.MetadataTimeout)
	defer cancel()

	m, err := u.source.Latest(ctx)
	if err != nil {
		u.recorder.UpdateChecked(checkOutcome(err))
		return nil, err
	}

	newer, err := u.IsUpdate(m)
	if err != nil {
		u.recorder.UpdateChecked(checkOutcome(err))
		return nil, err
	}
	if newer {
		u.recorder.UpdateChecked(CheckAvailable)
	} else {
		u.recorder.UpdateChecked(CheckUpToDate)
	}

	u.logger.Debug().
		Str("current_version", u.cfg.CurrentVersion).
		Str("latest_version", m.LatestVersionTag).
		Bool("update_available", newer).
		Msg("release checked")

	return m, nil
}

// IsUpdate reports whether m is newer than the running build.
func (u *Updater) IsUpdate(m *Manifest) (bool, error) {
	return IsNewer(u.cfg.CurrentVersion, m.LatestVersionTag)
}

// Download streams the artifact at url into a new file in the scratch
// directory and returns its path. Nothing is left behind on failure.
func (u *Updater) Download(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, u.cfg.DownloadTimeout)
	defer cancel()

	if err := os.MkdirAll(u.cfg.ScratchDir, 0700); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	f, err := os.CreateTemp(u.cfg.ScratchDir, "update-*.zip")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()

	n, err := u.source.Fetch(ctx, url, f, u.cfg.MaxDownloadBytes)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close temp file: %w", closeErr)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}

	u.logger.Info().Str("url", url).Int64("bytes", n).Msg("update downloaded")
	return path, nil
}

// FetchSignature downloads the detached signature at url.
func (u *Updater) FetchSignature(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, u.cfg.DownloadTimeout)
	defer cancel()

	buf := manager.NewWriteAtBuffer(nil)
	if _, err := u.source.Fetch(ctx, url, buf, maxSignatureBytes); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Verify checks the package at path against sig with the update public key.
func (u *Updater) Verify(path string, sig []byte) error {
	if u.pub == nil {
		return &keystore.KeyLoadError{Path: "update public key", Err: errors.New("not configured")}
	}
	if err := VerifyFile(path, sig, u.pub); err != nil {
		u.logger.Warn().Str("path", path).Err(err).Msg("update package rejected")
		return err
	}
	return nil
}

// VerifySignature checks sig over an in-memory package. It returns nil or
// ErrSignatureInvalid.
func VerifySignature(pkg, sig []byte, pub *rsa.PublicKey) error {
	return signing.Verify(pub, pkg, sig)
}

// VerifyFile checks sig over the file at path without reading it into
// memory.
func VerifyFile(path string, sig []byte, pub *rsa.PublicKey) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open package: %w", err)
	}
	defer f.Close()

	digest, err := signing.Digest(f)
	if err != nil {
		return err
	}
	return signing.VerifyDigest(pub, digest, sig)
}

// SignFile signs the file at path for publication.
func SignFile(path string, key *rsa.PrivateKey) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open package: %w", err)
	}
	defer f.Close()

	digest, err := signing.Digest(f)
	if err != nil {
		return nil, err
	}
	return signing.SignDigest(key, digest)
}

func checkOutcome(err error) string {
	switch {
	case errors.Is(err, ErrNetwork):
		return CheckNetworkError
	case errors.Is(err, ErrVersionFormat):
		return CheckVersionError
	default:
		return CheckFailed
	}
}
