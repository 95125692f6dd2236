// Package config provides configuration management for serialkeeper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Release sources.
const (
	SourceGitHub = "github"
	SourceS3     = "s3"
)

const (
	// DefaultWarningDays is how close to expiry a license is reported as expiring soon.
	DefaultWarningDays = 30
	// DefaultCheckSchedule runs the background update check once a day.
	DefaultCheckSchedule = "@every 24h"
	// DefaultMetadataTimeout bounds the release index query.
	DefaultMetadataTimeout = 10 * time.Second
	// DefaultDownloadTimeout bounds archive and signature downloads.
	DefaultDownloadTimeout = 15 * time.Second
	// DefaultMaxDownloadBytes caps the size of a downloaded update archive (512 MiB).
	DefaultMaxDownloadBytes int64 = 512 << 20
	// DefaultListenAddr is the address the issuer API listens on.
	DefaultListenAddr = "127.0.0.1:8420"
)

// DefaultConfigDir returns the default config directory (~/.serialkeeper).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".serialkeeper"), nil
}

// DefaultConfigPath returns the default config file path (~/.serialkeeper/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// Config holds the full serialkeeper configuration.
type Config struct {
	Environment Environment   `yaml:"environment,omitempty"`
	Keys        KeysConfig    `yaml:"keys"`
	Store       StoreConfig   `yaml:"store"`
	SerialFile  string        `yaml:"serial_file"`
	License     LicenseConfig `yaml:"license"`
	Update      UpdateConfig  `yaml:"update"`
	Proxy       ProxyConfig   `yaml:"proxy,omitempty"`
	Server      ServerConfig  `yaml:"server"`
}

// KeysConfig holds PEM key paths for the two trust domains.
// Private keys are only present on the issuer side.
type KeysConfig struct {
	LicensePublicKey  string `yaml:"license_public_key"`
	LicensePrivateKey string `yaml:"license_private_key,omitempty"`
	UpdatePublicKey   string `yaml:"update_public_key"`
	UpdatePrivateKey  string `yaml:"update_private_key,omitempty"`
}

// StoreConfig selects the license record store.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path,omitempty"`
	URL    string `yaml:"url,omitempty"`
}

// LicenseConfig holds license engine settings.
type LicenseConfig struct {
	WarningDays int `yaml:"warning_days"`
}

// UpdateConfig holds self-update settings.
type UpdateConfig struct {
	Enabled bool `yaml:"enabled"`
	// AirGap disables all network calls for update checking.
	AirGap    bool   `yaml:"air_gap,omitempty"`
	AutoApply bool   `yaml:"auto_apply,omitempty"`
	Source    string `yaml:"source"`

	// CurrentVersion is normally injected from the build version, not the file.
	CurrentVersion string `yaml:"-"`

	GitHubAPIURL         string `yaml:"github_api_url,omitempty"`
	Owner                string `yaml:"owner,omitempty"`
	Repo                 string `yaml:"repo,omitempty"`
	ArchiveURLTemplate   string `yaml:"archive_url_template,omitempty"`
	SignatureURLTemplate string `yaml:"signature_url_template,omitempty"`

	S3 S3Config `yaml:"s3,omitempty"`

	InstallDir       string        `yaml:"install_dir"`
	ScratchDir       string        `yaml:"scratch_dir"`
	CheckSchedule    string        `yaml:"check_schedule"`
	MetadataTimeout  time.Duration `yaml:"metadata_timeout"`
	DownloadTimeout  time.Duration `yaml:"download_timeout"`
	MaxDownloadBytes int64         `yaml:"max_download_bytes"`
}

// S3Config points the updater at a private release bucket.
type S3Config struct {
	Bucket          string `yaml:"bucket,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

// ProxyConfig holds outbound proxy settings for update traffic.
type ProxyConfig struct {
	HTTPProxy   string `yaml:"http_proxy,omitempty"`
	HTTPSProxy  string `yaml:"https_proxy,omitempty"`
	SOCKS5Proxy string `yaml:"socks5_proxy,omitempty"`
	NoProxy     string `yaml:"no_proxy,omitempty"`
}

// HasProxy returns true if any proxy is configured.
func (p *ProxyConfig) HasProxy() bool {
	return p.HTTPProxy != "" || p.HTTPSProxy != "" || p.SOCKS5Proxy != ""
}

// ServerConfig holds issuer API settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// AdminTokenHash is a bcrypt hash of the bearer token allowed to issue serials.
	AdminTokenHash string `yaml:"admin_token_hash,omitempty"`
	RateLimit      int64  `yaml:"rate_limit"`
	RatePeriod     string `yaml:"rate_period"`
}

// Default returns a configuration rooted at dir with sensible defaults.
func Default(dir string) *Config {
	return &Config{
		Environment: EnvDevelopment,
		Keys: KeysConfig{
			LicensePublicKey: filepath.Join(dir, "keys", "license_public.pem"),
			UpdatePublicKey:  filepath.Join(dir, "keys", "update_public.pem"),
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   filepath.Join(dir, "licenses.db"),
		},
		SerialFile: filepath.Join(dir, "serial.txt"),
		License: LicenseConfig{
			WarningDays: DefaultWarningDays,
		},
		Update: UpdateConfig{
			Enabled:          true,
			Source:           SourceGitHub,
			GitHubAPIURL:     "https://api.github.com",
			Owner:            "MacJediWizard",
			Repo:             "serialkeeper",
			ScratchDir:       filepath.Join(dir, "scratch"),
			CheckSchedule:    DefaultCheckSchedule,
			MetadataTimeout:  DefaultMetadataTimeout,
			DownloadTimeout:  DefaultDownloadTimeout,
			MaxDownloadBytes: DefaultMaxDownloadBytes,
		},
		Server: ServerConfig{
			Listen:     DefaultListenAddr,
			RateLimit:  60,
			RatePeriod: "1m",
		},
	}
}

// Validate checks that the configuration has required fields for operation.
func (c *Config) Validate() error {
	if c.Keys.LicensePublicKey == "" {
		return errors.New("keys.license_public_key is required")
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.URL == "" {
			return errors.New("store.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}

	if c.License.WarningDays < 0 {
		return errors.New("license.warning_days must not be negative")
	}

	if c.Update.Enabled {
		if err := c.Update.validate(); err != nil {
			return err
		}
		if c.Keys.UpdatePublicKey == "" {
			return errors.New("keys.update_public_key is required when updates are enabled")
		}
	}

	return nil
}

func (u *UpdateConfig) validate() error {
	switch u.Source {
	case SourceGitHub:
		if u.Owner == "" || u.Repo == "" {
			return errors.New("update.owner and update.repo are required for the github source")
		}
	case SourceS3:
		if u.S3.Bucket == "" {
			return errors.New("update.s3.bucket is required for the s3 source")
		}
	default:
		return fmt.Errorf("unknown update source: %q", u.Source)
	}
	if u.ScratchDir == "" {
		return errors.New("update.scratch_dir is required")
	}
	if u.CheckSchedule == "" {
		return errors.New("update.check_schedule is required")
	}
	if u.MetadataTimeout <= 0 || u.DownloadTimeout <= 0 {
		return errors.New("update timeouts must be positive")
	}
	if u.MaxDownloadBytes <= 0 {
		return errors.New("update.max_download_bytes must be positive")
	}
	return nil
}

// Load reads the configuration from the given path.
// If the file does not exist, the defaults for the file's directory are returned.
func Load(path string) (*Config, error) {
	cfg := Default(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Write with restricted permissions (user-only read/write)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// SaveDefault saves the configuration to the default path.
func (c *Config) SaveDefault() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return c.Save(path)
}
