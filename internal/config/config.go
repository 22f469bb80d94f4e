// Package config handles runtime configuration for the clinicsync CLI,
// including defaults, JSON overlay, and command-line flags.
package config

import (
	"os"
	"time"
)

// Config holds runtime settings for the sync client.
//
// Fields:
//   - TenantID: the clinic whose dataset this device synchronizes.
//   - OriginID: identifies this device in sync bookkeeping.
//   - DatabasePath: path of the local SQLite database.
//   - KeysDir: directory holding encryption key material (0600 files).
//   - Compression: snapshot transform, "xz" or "none".
//   - KeyRotationInterval: active-key lifetime before rotation is due.
//   - SyncDebounce: delay used by the auto-sync debouncer.
//   - S3AccessKeyID / S3SecretAccessKey: credentials for the S3-compatible backend.
//   - S3Bucket / S3Region / S3BaseEndpoint / S3Prefix / S3UsePathStyle: object storage settings.
//   - MaxDailyBackups / MaxMonthlyBackups / MaxYearlyBackups / MaxBackupAge: retention policy.
type Config struct {
	TenantID            string
	OriginID            string
	DatabasePath        string
	KeysDir             string
	Compression         string
	KeyRotationInterval time.Duration
	SyncDebounce        time.Duration

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Bucket          string
	S3Region          string
	S3BaseEndpoint    string
	S3Prefix          string
	S3UsePathStyle    bool

	MaxDailyBackups   int
	MaxMonthlyBackups int
	MaxYearlyBackups  int
	MaxBackupAge      time.Duration
}

// LoadDefaults populates Config with sensible development defaults.
// NOTE: These values are insecure for production and should be overridden.
func (c *Config) LoadDefaults() {
	c.TenantID = "clinic-dev"
	c.OriginID = defaultOriginID()
	c.DatabasePath = "clinicsync.db"
	c.KeysDir = "keys"
	c.Compression = "xz"
	c.KeyRotationInterval = 90 * 24 * time.Hour
	c.SyncDebounce = 30 * time.Second

	c.S3AccessKeyID = "admin"
	c.S3SecretAccessKey = "secretpassword"
	c.S3Bucket = "clinicsync"
	c.S3Region = "us-east-1"
	c.S3BaseEndpoint = "http://127.0.0.1:9000/"
	c.S3Prefix = "backups"
	c.S3UsePathStyle = true

	c.MaxDailyBackups = 7
	c.MaxMonthlyBackups = 12
	c.MaxYearlyBackups = 3
	c.MaxBackupAge = 0
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}

func defaultOriginID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "device-local"
	}
	return host
}
