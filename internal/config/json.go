package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/clinicsync/clinicsync/internal/flagx"
	"github.com/clinicsync/clinicsync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify intervals either as strings like "90s"
// or "2160h", or as integer nanoseconds. After parsing, values are copied
// into the runtime Config (which uses time.Duration).
type JsonConfig struct {
	TenantID            string         `json:"tenant_id"`
	OriginID            string         `json:"origin_id"`
	DatabasePath        string         `json:"database_path"`
	KeysDir             string         `json:"keys_dir"`
	Compression         string         `json:"compression"`
	KeyRotationInterval timex.Duration `json:"key_rotation_interval"`
	SyncDebounce        timex.Duration `json:"sync_debounce"`

	S3AccessKeyID     string `json:"s3_access_key_id"`
	S3SecretAccessKey string `json:"s3_secret_access_key"`
	S3Bucket          string `json:"s3_bucket"`
	S3Region          string `json:"s3_region"`
	S3BaseEndpoint    string `json:"s3_base_endpoint"`
	S3Prefix          string `json:"s3_prefix"`
	S3UsePathStyle    *bool  `json:"s3_use_path_style"`

	MaxDailyBackups   *int           `json:"max_daily_backups"`
	MaxMonthlyBackups *int           `json:"max_monthly_backups"`
	MaxYearlyBackups  *int           `json:"max_yearly_backups"`
	MaxBackupAge      timex.Duration `json:"max_backup_age"`
}

// parseJson overlays Config with values loaded from a JSON file. The file
// path comes from the -c / -config flags; when neither is present no JSON is
// loaded. Absent JSON fields keep the current Config value. Panics on read
// or unmarshal errors (caller should recover if desired).
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.ConfigFileFlag()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	overlayString(&cfg.TenantID, jc.TenantID)
	overlayString(&cfg.OriginID, jc.OriginID)
	overlayString(&cfg.DatabasePath, jc.DatabasePath)
	overlayString(&cfg.KeysDir, jc.KeysDir)
	overlayString(&cfg.Compression, jc.Compression)
	overlayDuration(&cfg.KeyRotationInterval, jc.KeyRotationInterval)
	overlayDuration(&cfg.SyncDebounce, jc.SyncDebounce)

	overlayString(&cfg.S3AccessKeyID, jc.S3AccessKeyID)
	overlayString(&cfg.S3SecretAccessKey, jc.S3SecretAccessKey)
	overlayString(&cfg.S3Bucket, jc.S3Bucket)
	overlayString(&cfg.S3Region, jc.S3Region)
	overlayString(&cfg.S3BaseEndpoint, jc.S3BaseEndpoint)
	overlayString(&cfg.S3Prefix, jc.S3Prefix)
	if jc.S3UsePathStyle != nil {
		cfg.S3UsePathStyle = *jc.S3UsePathStyle
	}

	if jc.MaxDailyBackups != nil {
		cfg.MaxDailyBackups = *jc.MaxDailyBackups
	}
	if jc.MaxMonthlyBackups != nil {
		cfg.MaxMonthlyBackups = *jc.MaxMonthlyBackups
	}
	if jc.MaxYearlyBackups != nil {
		cfg.MaxYearlyBackups = *jc.MaxYearlyBackups
	}
	overlayDuration(&cfg.MaxBackupAge, jc.MaxBackupAge)
}

func overlayString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func overlayDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
