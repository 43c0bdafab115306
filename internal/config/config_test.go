package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CRMSYNC_CLIENT", "memory")
	t.Setenv("CRMSYNC_ADDR", "")
	t.Setenv("CRMSYNC_JWT_SECRET", "")
	t.Setenv("CRMSYNC_RATE_LIMIT_MAX", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "dev-secret", cfg.JWTSecret)
	assert.Zero(t, cfg.RateLimitMax)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, "file:crmsync.db", cfg.DatabaseDSN)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, 30*time.Second, cfg.Sync.LockTTL)
	assert.Equal(t, "crmsync", cfg.Temporal.TaskQueue)
	assert.False(t, cfg.Temporal.Enabled())
}

func TestLoadReadsEnvFileWithoutOverriding(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CRMSYNC_CLIENT=memory\nCRMSYNC_WORKERS=9\nCRMSYNC_ADDR=:9000\n"), 0o600))
	t.Setenv("CRMSYNC_ADDR", ":7000")
	t.Setenv("CRMSYNC_CLIENT", "")
	t.Setenv("CRMSYNC_WORKERS", "")
	// t.Setenv restores these after the test; godotenv only fills unset values.
	os.Unsetenv("CRMSYNC_CLIENT")
	os.Unsetenv("CRMSYNC_WORKERS")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, 9, cfg.Sync.Workers)
	assert.Equal(t, "memory", cfg.CRM.Client)
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	t.Setenv("CRMSYNC_CLIENT", "memory")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("CRMSYNC_CLIENT", "memory")
	t.Setenv("CRMSYNC_WORKERS", "lots")
	t.Setenv("CRMSYNC_POLL_INTERVAL", "soon")
	t.Setenv("CRMSYNC_WEBHOOK_TRUST_PAYLOAD", "yes please")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, time.Second, cfg.Sync.PollInterval)
	assert.False(t, cfg.Sync.TrustPayload)
}

func TestValidate(t *testing.T) {
	t.Setenv("CRMSYNC_CLIENT", "hubspot")
	t.Setenv("CRM_ACCESS_TOKEN", "")
	t.Setenv("CRM_REFRESH_TOKEN", "")
	_, err := Load("")
	assert.ErrorContains(t, err, "CRM_ACCESS_TOKEN")

	t.Setenv("CRM_ACCESS_TOKEN", "pat-1")
	_, err = Load("")
	assert.NoError(t, err)

	t.Setenv("CRMSYNC_CLIENT", "salesforce")
	_, err = Load("")
	assert.ErrorContains(t, err, "salesforce")

	t.Setenv("CRMSYNC_CLIENT", "memory")
	t.Setenv("CRMSYNC_SYNC_SCHEDULE", "*/15 * * * *")
	t.Setenv("CRMSYNC_SYNC_WORKSPACE", "")
	_, err = Load("")
	assert.ErrorContains(t, err, "CRMSYNC_SYNC_WORKSPACE")
}
