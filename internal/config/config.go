package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for paper-sync.
type Config struct {
	// Address the REST API and UI listen on. Loopback by default: the
	// server manipulates the local filesystem on behalf of the caller.
	ListenAddr string `env:"PAPER_LISTEN_ADDR" envDefault:"127.0.0.1:5001"`

	// Device endpoint and pre-issued session credential.
	DeviceAddr        string `env:"PAPER_DEVICE_ADDR" envDefault:"https://digitalpaper.local:8443"`
	DeviceClientID    string `env:"PAPER_DEVICE_CLIENT_ID"`
	DeviceCredentials string `env:"PAPER_DEVICE_CREDENTIALS"`

	// The device presents a self-signed certificate.
	DeviceInsecureTLS bool `env:"PAPER_DEVICE_INSECURE_TLS" envDefault:"true"`

	// Name of the device's root collection and the local file filter.
	DocumentRoot string `env:"PAPER_DOCUMENT_ROOT" envDefault:"Document"`
	SyncPattern  string `env:"PAPER_SYNC_PATTERN" envDefault:"**/*.pdf"`

	// Default folder offered to the UI. Defaults to the home directory.
	LocalDir string `env:"PAPER_LOCAL_DIR"`

	// Destination of flat downloads that name no folder. Defaults to
	// ~/Downloads.
	DownloadDir string `env:"PAPER_DOWNLOAD_DIR"`

	// bbolt database holding cached credentials and sync history.
	StatePath string `env:"PAPER_STATE_PATH"`

	// Optional directory with index.html and static assets.
	StaticDir string `env:"PAPER_STATIC_DIR"`

	// Browser origins allowed to call the API. Defaults to the origin of
	// ListenAddr. Requests from any other origin are refused.
	CORSOrigins []string `env:"PAPER_CORS_ORIGINS" envSeparator:","`

	// When set, /api and /mcp require this bearer token.
	APIToken string `env:"PAPER_API_TOKEN"`

	EnableMCP    bool `env:"PAPER_ENABLE_MCP" envDefault:"false"`
	HistoryLimit int  `env:"PAPER_HISTORY_LIMIT" envDefault:"50"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The device credential lives there.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.DeviceAddr)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("PAPER_DEVICE_ADDR must be an http(s) URL, got %q", c.DeviceAddr)
	}

	root := strings.Trim(c.DocumentRoot, "/")
	if root == "" || strings.Contains(root, "/") {
		return fmt.Errorf("PAPER_DOCUMENT_ROOT must be a single path segment, got %q", c.DocumentRoot)
	}

	c.DocumentRoot = root

	if !doublestar.ValidatePattern(c.SyncPattern) {
		return fmt.Errorf("PAPER_SYNC_PATTERN is not a valid glob: %q", c.SyncPattern)
	}

	for _, o := range c.CORSOrigins {
		u, err := url.Parse(o)
		if o == "*" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || strings.Trim(u.Path, "/") != "" {
			return fmt.Errorf("PAPER_CORS_ORIGINS entries must be http(s) origins, got %q", o)
		}
	}

	if len(c.CORSOrigins) == 0 {
		origins, err := ListenOrigins(c.ListenAddr)
		if err != nil {
			return fmt.Errorf("PAPER_LISTEN_ADDR: %w", err)
		}

		c.CORSOrigins = origins
	}

	if c.HistoryLimit < 1 {
		return fmt.Errorf("PAPER_HISTORY_LIMIT must be positive, got %d", c.HistoryLimit)
	}

	return nil
}

// resolvePaths expands ~ and makes every configured path absolute.
// Path containment checks downstream compare string prefixes, which only
// works with absolute paths.
func (c *Config) resolvePaths() error {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}

	if c.LocalDir == "" {
		c.LocalDir = home
	}

	if c.DownloadDir == "" && home != "" {
		c.DownloadDir = filepath.Join(home, "Downloads")
	}

	if c.StatePath == "" {
		if home == "" {
			return fmt.Errorf("PAPER_STATE_PATH is required when the home directory is unknown")
		}

		c.StatePath = filepath.Join(home, ".paper-sync", "state.db")
	}

	for _, p := range []*string{&c.LocalDir, &c.DownloadDir, &c.StatePath, &c.StaticDir} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(ExpandHome(*p))
		if err != nil {
			return fmt.Errorf("resolving %q to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return nil
}

// ListenOrigins returns the browser origins of a listen address. A
// loopback or wildcard host is reachable as both localhost and
// 127.0.0.1.
func ListenOrigins(addr string) ([]string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing listen address %q: %w", addr, err)
	}

	switch host {
	case "", "0.0.0.0", "::", "127.0.0.1", "localhost":
		return []string{
			"http://localhost:" + port,
			"http://127.0.0.1:" + port,
		}, nil
	}

	return []string{"http://" + net.JoinHostPort(host, port)}, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}

	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
