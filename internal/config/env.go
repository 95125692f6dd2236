package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// ParseEnvironment converts a string to an Environment, defaulting to development.
func ParseEnvironment(s string) Environment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production", "prod":
		return EnvProduction
	case "staging", "stage":
		return EnvStaging
	default:
		return EnvDevelopment
	}
}

// IsProduction reports whether the environment is production.
func (e Environment) IsProduction() bool {
	return e == EnvProduction
}

// ApplyEnv overrides file values with SERIALKEEPER_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SERIALKEEPER_ENV"); v != "" {
		c.Environment = ParseEnvironment(v)
	}

	c.Keys.LicensePublicKey = getEnv("SERIALKEEPER_LICENSE_PUBLIC_KEY", c.Keys.LicensePublicKey)
	c.Keys.LicensePrivateKey = getEnv("SERIALKEEPER_LICENSE_PRIVATE_KEY", c.Keys.LicensePrivateKey)
	c.Keys.UpdatePublicKey = getEnv("SERIALKEEPER_UPDATE_PUBLIC_KEY", c.Keys.UpdatePublicKey)
	c.Keys.UpdatePrivateKey = getEnv("SERIALKEEPER_UPDATE_PRIVATE_KEY", c.Keys.UpdatePrivateKey)

	c.Store.Driver = getEnv("SERIALKEEPER_STORE_DRIVER", c.Store.Driver)
	c.Store.Path = getEnv("SERIALKEEPER_STORE_PATH", c.Store.Path)
	c.Store.URL = getEnv("SERIALKEEPER_DATABASE_URL", c.Store.URL)
	c.SerialFile = getEnv("SERIALKEEPER_SERIAL_FILE", c.SerialFile)

	c.License.WarningDays = getEnvInt("SERIALKEEPER_WARNING_DAYS", c.License.WarningDays)

	c.Update.Enabled = getEnvBool("SERIALKEEPER_UPDATE_ENABLED", c.Update.Enabled)
	c.Update.AirGap = getEnvBool("SERIALKEEPER_AIR_GAP", c.Update.AirGap)
	c.Update.Source = getEnv("SERIALKEEPER_UPDATE_SOURCE", c.Update.Source)
	c.Update.InstallDir = getEnv("SERIALKEEPER_INSTALL_DIR", c.Update.InstallDir)
	c.Update.CheckSchedule = getEnv("SERIALKEEPER_CHECK_SCHEDULE", c.Update.CheckSchedule)
	c.Update.MetadataTimeout = getEnvDuration("SERIALKEEPER_METADATA_TIMEOUT", c.Update.MetadataTimeout)
	c.Update.DownloadTimeout = getEnvDuration("SERIALKEEPER_DOWNLOAD_TIMEOUT", c.Update.DownloadTimeout)
	c.Update.S3.AccessKeyID = getEnv("SERIALKEEPER_S3_ACCESS_KEY_ID", c.Update.S3.AccessKeyID)
	c.Update.S3.SecretAccessKey = getEnv("SERIALKEEPER_S3_SECRET_ACCESS_KEY", c.Update.S3.SecretAccessKey)

	c.Proxy.HTTPProxy = getEnv("SERIALKEEPER_HTTP_PROXY", c.Proxy.HTTPProxy)
	c.Proxy.HTTPSProxy = getEnv("SERIALKEEPER_HTTPS_PROXY", c.Proxy.HTTPSProxy)
	c.Proxy.SOCKS5Proxy = getEnv("SERIALKEEPER_SOCKS5_PROXY", c.Proxy.SOCKS5Proxy)
	c.Proxy.NoProxy = getEnv("SERIALKEEPER_NO_PROXY", c.Proxy.NoProxy)

	c.Server.Listen = getEnv("SERIALKEEPER_LISTEN", c.Server.Listen)
	c.Server.AdminTokenHash = getEnv("SERIALKEEPER_ADMIN_TOKEN_HASH", c.Server.AdminTokenHash)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
