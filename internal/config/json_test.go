package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, data map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.json")
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func Test_parseJson_SourcesAndPrecedence(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	t.Run("loads from flags", func(t *testing.T) {
		path := writeTempJSON(t, map[string]any{
			"tenant_id":             "clinic-42",
			"key_rotation_interval": "2160h",
			"s3_bucket":             "prod-backups",
			"max_daily_backups":     14,
		})
		os.Args = []string{"testbin", "-config", path}

		cfg := &Config{}
		cfg.LoadDefaults()
		parseJson(cfg)

		assert.Equal(t, "clinic-42", cfg.TenantID)
		assert.Equal(t, 2160*time.Hour, cfg.KeyRotationInterval)
		assert.Equal(t, "prod-backups", cfg.S3Bucket)
		assert.Equal(t, 14, cfg.MaxDailyBackups)
	})

	t.Run("absent fields keep defaults", func(t *testing.T) {
		path := writeTempJSON(t, map[string]any{
			"tenant_id": "clinic-42",
		})
		os.Args = []string{"testbin", "-config", path}

		cfg := &Config{}
		cfg.LoadDefaults()
		parseJson(cfg)

		assert.Equal(t, "clinic-42", cfg.TenantID)
		assert.Equal(t, "clinicsync.db", cfg.DatabasePath)
		assert.Equal(t, 7, cfg.MaxDailyBackups)
	})

	t.Run("no config flag leaves values unchanged", func(t *testing.T) {
		os.Args = []string{"testbin"}

		cfg := &Config{TenantID: "unchanged"}
		parseJson(cfg)

		assert.Equal(t, "unchanged", cfg.TenantID)
	})

	t.Run("invalid JSON panics", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{ this is not valid json`), 0o600))
		os.Args = []string{"testbin", "-config", bad}

		cfg := &Config{}
		require.Panics(t, func() { parseJson(cfg) })
	})
}
