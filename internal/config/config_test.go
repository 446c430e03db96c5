package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/hustlexp_test")
	t.Setenv("PAYMENT_PROVIDER_KEY", "sk_test_123")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.OutboxWorkerCount)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryBase)
	assert.Equal(t, 2*time.Second, cfg.RetryMax)
	assert.False(t, cfg.Production())
}

func TestLoadEnvKnobs(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OUTBOX_WORKER_COUNT", "12")
	t.Setenv("RETRY_BASE_MS", "25")
	t.Setenv("SAFE_MODE_OVERRIDE", "1")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.OutboxWorkerCount)
	assert.Equal(t, 25*time.Millisecond, cfg.RetryBase)
	assert.True(t, cfg.SafeModeOverride)
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PAYMENT_PROVIDER_KEY", "sk_test_123")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestProductionRequiresSessionKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("SESSION_ENCRYPTION_KEY", "tooshort")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_ENCRYPTION_KEY")
}

func TestYAMLOverlay(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "overlay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("outbox_worker_count: 9\nretry_max_attempts: 3\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.OutboxWorkerCount)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
}

func TestMissingOverlayIsIgnored(t *testing.T) {
	setRequiredEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
}
