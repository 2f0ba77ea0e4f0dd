package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dinotools/opkgsync/internal/config"
	"github.com/dinotools/opkgsync/internal/mirror"
	"github.com/dinotools/opkgsync/internal/transport"
	"github.com/dinotools/opkgsync/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Sync command flags
	dryRun      bool
	downloadDir string
	packagesURL string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "opkgsync",
	Short: "Mirror an opkg package repository to a local directory",
	Long: `opkgsync keeps a local mirror of an opkg package feed in sync with its
remote Packages manifest, transferring only files that are new or changed.

It can run as a oneshot sync (via cron or a systemd timer) or as a
long-running trigger server that re-syncs on feed update notifications.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync of the remote feed to the local mirror",
	Long: `Sync fetches the remote Packages manifest, validates the locally cached
package files against the recorded metadata, and downloads or deletes
files until the local directory matches the remote feed.

The remote manifest is committed as the new local state only after every
file operation succeeded.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the trigger server",
	Long: `Serve starts a long-running HTTP server that listens for feed update
notifications and re-syncs the mirror when one arrives. An optional
resync interval keeps the mirror fresh even without notifications.

This mode requires serve configuration including a webhook secret file.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("opkgsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/opkgsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().StringVarP(&downloadDir, "download-dir", "d", "", "directory to mirror packages into (overrides config)")
	syncCmd.Flags().StringVarP(&packagesURL, "packages-url", "p", "", "URL of the remote Packages manifest (overrides config)")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Create dependencies
	client, err := transport.NewHTTPClient(cfg.Mirror.PackagesURL)
	if err != nil {
		return err
	}

	// Create mirror engine
	engine := mirror.NewEngine(cfg, client, logger, dryRun)

	// Run sync
	logger.Info("starting sync operation")
	if err := engine.Run(ctx); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve is not enabled in the configuration")
	}

	client, err := transport.NewHTTPClient(cfg.Mirror.PackagesURL)
	if err != nil {
		return err
	}

	server, err := webhook.NewServer(cfg, client, logger)
	if err != nil {
		return fmt.Errorf("failed to create trigger server: %w", err)
	}

	return server.Start(ctx)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadConfig builds the effective configuration: the config file (explicit
// path, or the default location when it exists) overlaid with any CLI
// flag overrides. A config file is optional for oneshot syncs driven
// entirely by flags.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		defaultPath := fmt.Sprintf("%s/.config/opkgsync/config.yaml", home)
		if _, err := os.Stat(defaultPath); err == nil {
			configPath = defaultPath
		}
	}

	var cfg *config.Config
	if configPath != "" {
		logger.Info("loading configuration", "path", configPath)
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.New()
	}

	// Flag overrides
	if packagesURL != "" {
		cfg.Mirror.PackagesURL = packagesURL
	}
	if downloadDir != "" {
		abs, err := filepath.Abs(downloadDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve download directory: %w", err)
		}
		cfg.Paths.DownloadDir = abs
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Debug("configuration loaded",
		"packages_url", cfg.Mirror.PackagesURL,
		"download_dir", cfg.Paths.DownloadDir,
		"retries", cfg.Sync.Retries)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
