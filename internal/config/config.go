package config

import (
	"crypto/rand"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// minSecretLen matches the session signer's minimum key length.
const minSecretLen = 32

// Config holds all environment-based configuration for the proxy.
type Config struct {
	// Address the HTTP server listens on.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":3000"`

	// Mount path of every proxy route, without a trailing slash.
	BasePath string `env:"BASE_PATH" envDefault:"/transmission"`

	// Externally visible URL of BasePath, used for OAuth2 callbacks.
	// Defaults to http://localhost<port><BasePath>.
	PublicURL string `env:"PUBLIC_URL"`

	// Daemon RPC endpoint and optional credentials.
	UpstreamURL      string        `env:"UPSTREAM_URL" envDefault:"http://localhost:9091/transmission/rpc"`
	UpstreamUsername string        `env:"UPSTREAM_USERNAME"`
	UpstreamPassword string        `env:"UPSTREAM_PASSWORD"`
	UpstreamTimeout  time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`

	// Daemon web interface. Defaults to UPSTREAM_URL with its final /rpc
	// replaced by /web.
	UpstreamWebURL string `env:"UPSTREAM_WEB_URL"`

	// Policy file with providers and access rules.
	ConfigPath  string `env:"CONFIG_PATH" envDefault:"transmission-proxy.yaml"`
	ConfigWatch bool   `env:"CONFIG_WATCH" envDefault:"false"`

	// Key for signing session cookies. Generated when empty, which logs
	// everyone out on restart.
	SecretKey       string        `env:"SECRET_KEY"`
	SecretGenerated bool          `env:"-"`
	SessionTTL      time.Duration `env:"SESSION_TTL" envDefault:"24h"`

	// Directory restricted callers' downloads are confined to.
	DownloadRoot string `env:"DOWNLOAD_ROOT"`

	// Require the session-id handshake on inbound calls.
	CSRFProtection bool `env:"CSRF_PROTECTION" envDefault:"true"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.BasePath = normalizeBasePath(cfg.BasePath)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.PublicURL == "" {
		cfg.PublicURL = defaultPublicURL(cfg.ListenAddr, cfg.BasePath)
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	// Directory containment checks compare path prefixes, which needs an
	// absolute root.
	absRoot, err := filepath.Abs(cfg.DownloadRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving download root to absolute path: %w", err)
	}
	cfg.DownloadRoot = absRoot

	if cfg.UpstreamWebURL == "" {
		cfg.UpstreamWebURL = strings.TrimSuffix(strings.TrimRight(cfg.UpstreamURL, "/"), "/rpc") + "/web"
	}

	if cfg.SecretKey == "" {
		cfg.SecretKey = randomSecret()
		cfg.SecretGenerated = true
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DownloadRoot == "" {
		return fmt.Errorf("DOWNLOAD_ROOT is required")
	}

	if c.BasePath != "" && !strings.HasPrefix(c.BasePath, "/") {
		return fmt.Errorf("BASE_PATH must start with '/'")
	}

	if err := httpURL("UPSTREAM_URL", c.UpstreamURL); err != nil {
		return err
	}

	if c.UpstreamWebURL != "" {
		if err := httpURL("UPSTREAM_WEB_URL", c.UpstreamWebURL); err != nil {
			return err
		}
	}

	if c.PublicURL != "" {
		if err := httpURL("PUBLIC_URL", c.PublicURL); err != nil {
			return err
		}
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive")
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}

	if c.SecretKey != "" && len(c.SecretKey) < minSecretLen {
		return fmt.Errorf("SECRET_KEY must be at least %d bytes", minSecretLen)
	}

	return nil
}

func httpURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http or https URL", name)
	}
	return nil
}

func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	return strings.TrimRight(p, "/")
}

func defaultPublicURL(listenAddr, basePath string) string {
	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil || port == "" {
		return "http://localhost" + basePath
	}
	return "http://localhost:" + port + basePath
}

// randomSecret returns minSecretLen random alphanumeric bytes.
func randomSecret() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	b := make([]byte, minSecretLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SecureCookies reports whether cookies should carry the Secure flag.
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(c.PublicURL, "https://")
}
