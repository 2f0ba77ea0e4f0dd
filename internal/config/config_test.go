package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = os.Remove(tmpfile.Name())
	}()

	content := `
mirror:
  packages_url: "https://feed.example.org/packages/Packages"

paths:
  download_dir: "/var/lib/opkgsync/packages"

sync:
  skip_verify: false
  retries: 5

serve:
  enabled: false
`

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Mirror.PackagesURL != "https://feed.example.org/packages/Packages" {
		t.Errorf("unexpected packages_url: %s", cfg.Mirror.PackagesURL)
	}
	if cfg.Paths.DownloadDir != "/var/lib/opkgsync/packages" {
		t.Errorf("unexpected download_dir: %s", cfg.Paths.DownloadDir)
	}
	if cfg.Sync.Retries != 5 {
		t.Errorf("unexpected retries: %d", cfg.Sync.Retries)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("mirror: [not a mapping"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("OPKGSYNC_TEST_DIR", "/srv/mirror")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
mirror:
  packages_url: "http://feed.example/Packages"
paths:
  download_dir: "$OPKGSYNC_TEST_DIR/packages"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Paths.DownloadDir != "/srv/mirror/packages" {
		t.Errorf("expected env expansion, got %s", cfg.Paths.DownloadDir)
	}
}

func TestNew_Defaults(t *testing.T) {
	cfg := New()
	if cfg.Sync.Retries != 3 {
		t.Errorf("expected default retries 3, got %d", cfg.Sync.Retries)
	}
	if cfg.Sync.SkipVerify {
		t.Error("verification should be enabled by default")
	}
}

func TestLoad_ServeAddrDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
mirror:
  packages_url: "http://feed.example/Packages"
paths:
  download_dir: "/srv/mirror/packages"
serve:
  enabled: true
  webhook_secret_file: "/etc/opkgsync/secret"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Serve.ListenAddr != ":8080" {
		t.Errorf("expected default listen_addr, got %q", cfg.Serve.ListenAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Mirror: MirrorConfig{PackagesURL: "https://feed.example/Packages"},
			Paths:  PathsConfig{DownloadDir: "/var/lib/opkgsync"},
			Sync:   SyncConfig{Retries: 3},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing packages_url",
			mutate:  func(c *Config) { c.Mirror.PackagesURL = "" },
			wantErr: true,
		},
		{
			name:    "non-http packages_url",
			mutate:  func(c *Config) { c.Mirror.PackagesURL = "ftp://feed.example/Packages" },
			wantErr: true,
		},
		{
			name:    "missing download_dir",
			mutate:  func(c *Config) { c.Paths.DownloadDir = "" },
			wantErr: true,
		},
		{
			name:    "relative download_dir",
			mutate:  func(c *Config) { c.Paths.DownloadDir = "packages" },
			wantErr: true,
		},
		{
			name:    "zero retries",
			mutate:  func(c *Config) { c.Sync.Retries = 0 },
			wantErr: true,
		},
		{
			// The address is only a fallback for when no activated socket
			// is handed over, so it is never required.
			name: "serve enabled without listen_addr",
			mutate: func(c *Config) {
				c.Serve.Enabled = true
				c.Serve.WebhookSecretFile = "/etc/opkgsync/secret"
			},
			wantErr: false,
		},
		{
			name: "serve enabled without secret file",
			mutate: func(c *Config) {
				c.Serve.Enabled = true
				c.Serve.ListenAddr = ":8080"
			},
			wantErr: true,
		},
		{
			name: "serve fully configured",
			mutate: func(c *Config) {
				c.Serve.Enabled = true
				c.Serve.ListenAddr = ":8080"
				c.Serve.WebhookSecretFile = "/etc/opkgsync/secret"
				c.Serve.ResyncInterval = "15m"
			},
			wantErr: false,
		},
		{
			name:    "invalid resync_interval",
			mutate:  func(c *Config) { c.Serve.ResyncInterval = "often" },
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestResyncEvery(t *testing.T) {
	cfg := New()
	if got := cfg.ResyncEvery(); got != 0 {
		t.Errorf("expected zero interval by default, got %v", got)
	}

	cfg.Serve.ResyncInterval = "90s"
	if got := cfg.ResyncEvery(); got != 90*time.Second {
		t.Errorf("expected 90s, got %v", got)
	}
}
