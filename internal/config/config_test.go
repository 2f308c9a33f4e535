package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	require.NoError(t, err)
	require.Equal(t, defaultHTTPAddress, cfg.HTTPAddress)
	require.Equal(t, defaultDatabasePath, cfg.DatabasePath)
	require.Equal(t, 8*time.Hour, cfg.TokenTTL)
	require.Equal(t, 2500*time.Millisecond, cfg.SyncDebounce)
	require.Equal(t, 5*time.Second, cfg.SyncPollInterval)
	require.False(t, cfg.S3.Enabled())
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	_, err := Load(NewViper())
	require.ErrorContains(t, err, "auth.signing_secret")
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("KIOSK_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("KIOSK_HTTP_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("KIOSK_SYNC_DEBOUNCE", "1s")

	cfg, err := Load(NewViper())
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.SigningSecret)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	require.Equal(t, time.Second, cfg.SyncDebounce)
}

func TestLoadRequiresRegionForBucket(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("s3.bucket", "kiosk-assets")

	_, err := Load(configViper)
	require.ErrorContains(t, err, "s3.region")
}

func TestLoadSnapshotServerValidatesStore(t *testing.T) {
	configViper := NewViper()
	cfg, err := LoadSnapshotServer(configViper)
	require.NoError(t, err)
	require.Equal(t, SnapshotStoreFile, cfg.Store)
	require.Equal(t, defaultSnapshotPath, cfg.Path)

	configViper.Set("snapshot.store", "redis")
	_, err = LoadSnapshotServer(configViper)
	require.Error(t, err)

	configViper.Set("snapshot.store", SnapshotStoreSQLite)
	configViper.Set("snapshot.path", "no-slash")
	_, err = LoadSnapshotServer(configViper)
	require.ErrorContains(t, err, "snapshot.path")
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("KIOSK_TEST_DOTENV_A=file\nKIOSK_TEST_DOTENV_B=file\n"), 0o600))
	t.Setenv("KIOSK_TEST_DOTENV_A", "env")
	t.Cleanup(func() { _ = os.Unsetenv("KIOSK_TEST_DOTENV_B") })

	require.NoError(t, LoadDotEnv(path))
	require.Equal(t, "env", os.Getenv("KIOSK_TEST_DOTENV_A"))
	require.Equal(t, "file", os.Getenv("KIOSK_TEST_DOTENV_B"))

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
