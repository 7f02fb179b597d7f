package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"LISTEN_ADDR",
		"BASE_PATH",
		"PUBLIC_URL",
		"UPSTREAM_URL",
		"UPSTREAM_USERNAME",
		"UPSTREAM_PASSWORD",
		"UPSTREAM_TIMEOUT",
		"UPSTREAM_WEB_URL",
		"CONFIG_PATH",
		"CONFIG_WATCH",
		"SECRET_KEY",
		"SESSION_TTL",
		"DOWNLOAD_ROOT",
		"CSRF_PROTECTION",
		"ENVIRONMENT",
		"LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	root := t.TempDir()
	t.Setenv("DOWNLOAD_ROOT", root)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.ListenAddr)
	assert.Equal(t, "/transmission", cfg.BasePath)
	assert.Equal(t, "http://localhost:3000/transmission", cfg.PublicURL)
	assert.Equal(t, "http://localhost:9091/transmission/rpc", cfg.UpstreamURL)
	assert.Equal(t, 30*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, "http://localhost:9091/transmission/web", cfg.UpstreamWebURL)
	assert.Equal(t, "transmission-proxy.yaml", cfg.ConfigPath)
	assert.False(t, cfg.ConfigWatch)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.True(t, cfg.CSRFProtection)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, root, cfg.DownloadRoot)
	assert.False(t, cfg.SecureCookies())
}

func TestLoad_GeneratesSecret(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DOWNLOAD_ROOT", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.SecretGenerated)
	assert.Len(t, cfg.SecretKey, minSecretLen)

	other, err := Load()
	require.NoError(t, err)
	assert.NotEqual(t, cfg.SecretKey, other.SecretKey)
}

func TestLoad_ExplicitSecret(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DOWNLOAD_ROOT", t.TempDir())
	t.Setenv("SECRET_KEY", "0123456789abcdef0123456789abcdef")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.SecretGenerated)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.SecretKey)
}

func TestLoad_ShortSecret(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DOWNLOAD_ROOT", t.TempDir())
	t.Setenv("SECRET_KEY", "short")

	_, err := Load()
	assert.ErrorContains(t, err, "SECRET_KEY")
}

func TestLoad_MissingDownloadRoot(t *testing.T) {
	clearConfigEnv(t)

	_, err := Load()
	assert.ErrorContains(t, err, "DOWNLOAD_ROOT")
}

func TestLoad_ResolvesRelativeDownloadRoot(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DOWNLOAD_ROOT", "downloads")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.DownloadRoot))
}

func TestLoad_InvalidUpstreamURL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DOWNLOAD_ROOT", t.TempDir())
	t.Setenv("UPSTREAM_URL", "ftp://daemon/rpc")

	_, err := Load()
	assert.ErrorContains(t, err, "UPSTREAM_URL")
}

func TestLoad_InvalidPublicURL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DOWNLOAD_ROOT", t.TempDir())
	t.Setenv("PUBLIC_URL", "proxy.example.com")

	_, err := Load()
	assert.ErrorContains(t, err, "PUBLIC_URL")
}

func TestLoad_BasePathNormalized(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DOWNLOAD_ROOT", t.TempDir())
	t.Setenv("BASE_PATH", "/torrents/")
	t.Setenv("PUBLIC_URL", "https://proxy.example.com/torrents/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/torrents", cfg.BasePath)
	assert.Equal(t, "https://proxy.example.com/torrents", cfg.PublicURL)
	assert.True(t, cfg.SecureCookies())
}

func TestLoad_BasePathMustBeAbsolute(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DOWNLOAD_ROOT", t.TempDir())
	t.Setenv("BASE_PATH", "transmission")

	_, err := Load()
	assert.ErrorContains(t, err, "BASE_PATH")
}

func TestLoad_NonPositiveDurations(t *testing.T) {
	for _, key := range []string{"UPSTREAM_TIMEOUT", "SESSION_TTL"} {
		t.Run(key, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv("DOWNLOAD_ROOT", t.TempDir())
			t.Setenv(key, "0s")

			_, err := Load()
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestDefaultPublicURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8080/t", defaultPublicURL("0.0.0.0:8080", "/t"))
	assert.Equal(t, "http://localhost", defaultPublicURL("bogus", ""))
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
}
