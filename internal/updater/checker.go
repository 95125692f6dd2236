package updater

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCheckInterval is how long a check result is cached.
const DefaultCheckInterval = 24 * time.Hour

// UpdateInfo is the cached result of the last release check.
type UpdateInfo struct {
	UpdateAvailable bool   `json:"update_available"`
	CurrentVersion  string `json:"current_version"`
	LatestVersion   string `json:"latest_version,omitempty"`
	ReleaseNotes    string `json:"release_notes,omitempty"`
	DownloadURL     string `json:"download_url,omitempty"`
	SignatureURL    string `json:"signature_url,omitempty"`
	PublishedAt     string `json:"published_at,omitempty"`
	CheckedAt       string `json:"checked_at"`
	NextCheckAt     string `json:"next_check_at,omitempty"`
}

// CheckerConfig holds configuration for the update checker.
type CheckerConfig struct {
	// CheckInterval is how long a result stays cached.
	CheckInterval time.Duration
	// Enabled controls whether update checking is enabled.
	Enabled bool
	// AirGapMode disables all external network calls for update checking.
	AirGapMode bool
}

// Checker caches release checks so API and CLI callers do not hit the
// release source on every request.
type Checker struct {
	updater *Updater
	logger  zerolog.Logger
	now     func() time.Time

	mu          sync.RWMutex
	config      CheckerConfig
	cachedInfo  *UpdateInfo
	lastCheckAt time.Time
}

// NewChecker creates a new update Checker.
func NewChecker(u *Updater, config CheckerConfig, logger zerolog.Logger) *Checker {
	if config.CheckInterval == 0 {
		config.CheckInterval = DefaultCheckInterval
	}

	return &Checker{
		updater: u,
		config:  config,
		now:     time.Now,
		logger:  logger.With().Str("component", "update_checker").Logger(),
	}
}

// Check returns the cached result if it is within the check interval and
// queries the release source otherwise.
func (c *Checker) Check(ctx context.Context) (*UpdateInfo, error) {
	if err := c.allowed(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	if c.cachedInfo != nil && c.now().Sub(c.lastCheckAt) < c.config.CheckInterval {
		cached := *c.cachedInfo
		c.mu.RUnlock()
		return &cached, nil
	}
	c.mu.RUnlock()

	return c.forceCheck(ctx)
}

// ForceCheck performs an update check regardless of cache.
func (c *Checker) ForceCheck(ctx context.Context) (*UpdateInfo, error) {
	if err := c.allowed(); err != nil {
		return nil, err
	}
	return c.forceCheck(ctx)
}

func (c *Checker) allowed() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.config.Enabled {
		return ErrCheckDisabled
	}
	if c.config.AirGapMode {
		return ErrAirGapMode
	}
	return nil
}

func (c *Checker) forceCheck(ctx context.Context) (*UpdateInfo, error) {
	c.logger.Debug().Msg("checking for updates")

	m, err := c.updater.CheckLatest(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to fetch latest release")
		return nil, err
	}

	available, err := c.updater.IsUpdate(m)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	info := &UpdateInfo{
		UpdateAvailable: available,
		CurrentVersion:  c.updater.CurrentVersion(),
		LatestVersion:   m.LatestVersionTag,
		ReleaseNotes:    m.ReleaseNotes,
		DownloadURL:     m.DownloadURL,
		SignatureURL:    m.SignatureURL,
		PublishedAt:     m.PublishedAt,
		CheckedAt:       now.Format(time.RFC3339),
		NextCheckAt:     now.Add(c.config.CheckInterval).Format(time.RFC3339),
	}

	if available {
		c.logger.Info().
			Str("current_version", info.CurrentVersion).
			Str("latest_version", m.LatestVersionTag).
			Msg("update available")
	}

	c.mu.Lock()
	c.cachedInfo = info
	c.lastCheckAt = now
	c.mu.Unlock()

	return info, nil
}

// GetCachedInfo returns the cached update info without making a network call.
// Returns nil if no cached info is available.
func (c *Checker) GetCachedInfo() *UpdateInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cachedInfo == nil {
		return nil
	}
	cached := *c.cachedInfo
	return &cached
}

// IsEnabled returns whether update checking is enabled.
func (c *Checker) IsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.Enabled && !c.config.AirGapMode
}

// Settings returns the enabled and air-gap switches as currently set.
func (c *Checker) Settings() (enabled, airGap bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.Enabled, c.config.AirGapMode
}

// SetEnabled enables or disables update checking.
func (c *Checker) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.config.Enabled = enabled
	c.mu.Unlock()
}

// SetAirGapMode enables or disables air-gap mode.
func (c *Checker) SetAirGapMode(enabled bool) {
	c.mu.Lock()
	c.config.AirGapMode = enabled
	c.mu.Unlock()
}
