package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete opkgsync configuration
type Config struct {
	Mirror MirrorConfig `yaml:"mirror"`
	Paths  PathsConfig  `yaml:"paths"`
	Sync   SyncConfig   `yaml:"sync"`
	Serve  ServeConfig  `yaml:"serve"`
}

// MirrorConfig configures the remote package feed
type MirrorConfig struct {
	PackagesURL string `yaml:"packages_url"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	DownloadDir string `yaml:"download_dir"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	// SkipVerify disables size/checksum verification of downloaded
	// files. Inverted so the yaml zero value keeps verification on.
	SkipVerify bool `yaml:"skip_verify"`
	Retries    int  `yaml:"retries"`
}

// ServeConfig configures the trigger server
type ServeConfig struct {
	Enabled bool `yaml:"enabled"`
	// ListenAddr is only used when no systemd-activated socket is
	// handed over to the server.
	ListenAddr        string `yaml:"listen_addr"`
	WebhookSecretFile string `yaml:"webhook_secret_file"`
	ResyncInterval    string `yaml:"resync_interval"`
}

// New returns a configuration with defaults applied, for runs driven
// entirely by CLI flags.
func New() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file. Validation is left to
// the caller so CLI flags can be overlaid first.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Mirror.PackagesURL = os.ExpandEnv(c.Mirror.PackagesURL)
	c.Paths.DownloadDir = os.ExpandEnv(c.Paths.DownloadDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.WebhookSecretFile = os.ExpandEnv(c.Serve.WebhookSecretFile)
	c.Serve.ResyncInterval = os.ExpandEnv(c.Serve.ResyncInterval)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Sync.Retries == 0 {
		c.Sync.Retries = 3
	}
	if c.Serve.Enabled && c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = ":8080"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate mirror config
	if c.Mirror.PackagesURL == "" {
		return fmt.Errorf("mirror.packages_url is required")
	}
	if !strings.HasPrefix(c.Mirror.PackagesURL, "http://") &&
		!strings.HasPrefix(c.Mirror.PackagesURL, "https://") {
		return fmt.Errorf("mirror.packages_url must be an http or https URL: %s", c.Mirror.PackagesURL)
	}

	// Validate paths
	if c.Paths.DownloadDir == "" {
		return fmt.Errorf("paths.download_dir is required")
	}
	if !filepath.IsAbs(c.Paths.DownloadDir) {
		return fmt.Errorf("paths.download_dir must be an absolute path: %s", c.Paths.DownloadDir)
	}

	// Validate sync config
	if c.Sync.Retries < 1 {
		return fmt.Errorf("sync.retries must be at least 1")
	}

	// Validate serve config if enabled. The listen address has a default
	// and may be superseded entirely by an activated socket, so only the
	// secret file is mandatory.
	if c.Serve.Enabled {
		if c.Serve.WebhookSecretFile == "" {
			return fmt.Errorf("serve.webhook_secret_file is required when serve is enabled")
		}
	}
	if c.Serve.ResyncInterval != "" {
		if _, err := time.ParseDuration(c.Serve.ResyncInterval); err != nil {
			return fmt.Errorf("invalid serve.resync_interval: %w", err)
		}
	}

	return nil
}

// ResyncEvery returns the periodic resync interval, or zero when no
// interval is configured.
func (c *Config) ResyncEvery() time.Duration {
	if c.Serve.ResyncInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Serve.ResyncInterval)
	if err != nil {
		return 0
	}
	return d
}
