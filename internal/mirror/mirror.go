package mirror

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/dinotools/opkgsync/internal/config"
	"github.com/dinotools/opkgsync/internal/manifest"
	"github.com/dinotools/opkgsync/internal/transport"
)

// manifestName is the file the feed index is read from and written to
// inside the download directory.
const manifestName = "Packages"

// Engine orchestrates one mirror run: fetch the remote manifest, validate
// local state, reconcile the two package sets and apply the resulting
// plan.
type Engine struct {
	cfg         *config.Config
	client      transport.Client
	logger      *slog.Logger
	dryRun      bool
	progressOut io.Writer
}

// NewEngine creates a new mirror engine.
func NewEngine(cfg *config.Config, client transport.Client, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:         cfg,
		client:      client,
		logger:      logger,
		dryRun:      dryRun,
		progressOut: os.Stderr,
	}
}

// Run executes the complete mirror process. The local manifest is
// rewritten only after every deletion and fetch succeeded, so the
// recorded state never references files that were not downloaded.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("starting sync",
		"url", e.cfg.Mirror.PackagesURL,
		"dir", e.cfg.Paths.DownloadDir,
		"dry_run", e.dryRun)

	e.logger.Info("fetching remote manifest")
	raw, err := e.fetchManifest(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch remote manifest: %w", err)
	}

	remote, err := manifest.Parse(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to parse remote manifest: %w", err)
	}
	e.logger.Info("remote manifest parsed", "packages", len(remote))

	local := e.loadLocal()
	e.logger.Info("local state validated", "packages", len(local))

	entries := merge(local, remote)
	plan := buildPlan(entries)

	e.logger.Info("sync plan",
		"delete", len(plan.Delete),
		"fetch", len(plan.Fetch),
		"unchanged", len(entries)-len(plan.Delete)-len(plan.Fetch))

	if e.dryRun {
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, no changes applied")
		return nil
	}

	if err := os.MkdirAll(e.cfg.Paths.DownloadDir, 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	if err := e.applyPlan(ctx, plan, remote); err != nil {
		return err
	}

	if err := e.commitManifest(raw); err != nil {
		return fmt.Errorf("failed to write local manifest: %w", err)
	}

	e.logger.Info("sync completed successfully")
	return nil
}

// fetchManifest retrieves the remote manifest as raw bytes. The bytes are
// kept verbatim for the commit step.
func (e *Engine) fetchManifest(ctx context.Context) ([]byte, error) {
	body, err := e.client.FetchManifest(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = body.Close()
	}()
	return io.ReadAll(body)
}

// applyPlan executes the plan. Deletions run first and are idempotent; a
// file already gone counts as deleted. Each fetch is retried up to the
// configured bound and any fetch still failing afterwards aborts the run.
func (e *Engine) applyPlan(ctx context.Context, plan *Plan, remote manifest.Set) error {
	dir := e.cfg.Paths.DownloadDir

	for _, name := range plan.Delete {
		e.logger.Info("deleting file", "file", name)
		path, err := localPath(dir, name)
		if err != nil {
			e.logger.Warn("skipping deletion of unsafe filename", "file", name, "error", err)
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete file %s: %w", name, err)
		}
	}

	if len(plan.Fetch) == 0 {
		return nil
	}

	// Index the remote records by filename so each download can be
	// verified against its manifest entry.
	byFile := make(map[string]*manifest.Package, len(remote))
	for _, pkg := range remote {
		if pkg.Filename != "" {
			byFile[pkg.Filename] = pkg
		}
	}

	bar := progressbar.NewOptions(len(plan.Fetch),
		progressbar.OptionSetWriter(e.progressOut),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	defer func() {
		_ = bar.Finish()
	}()

	for i, name := range plan.Fetch {
		bar.Describe(fmt.Sprintf("downloading %s", name))
		e.logger.Debug("downloading file", "file", name, "n", i+1, "of", len(plan.Fetch))

		if err := e.fetchFile(ctx, name, byFile[name]); err != nil {
			return err
		}
		_ = bar.Add(1)
	}
	return nil
}

// fetchFile downloads one file, retrying failed attempts up to the
// configured bound.
func (e *Engine) fetchFile(ctx context.Context, name string, pkg *manifest.Package) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.Sync.Retries; attempt++ {
		if attempt > 1 {
			e.logger.Warn("retrying download", "file", name, "attempt", attempt, "error", lastErr)
		}
		if lastErr = e.downloadFile(ctx, name, pkg); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("failed to download %s: %w", name, lastErr)
}

// downloadFile streams one file into the download directory with an
// atomic temp+rename write. Unless verification is disabled, the received
// bytes are checked against the size and md5sum the remote manifest
// records before the file is moved into place.
func (e *Engine) downloadFile(ctx context.Context, name string, pkg *manifest.Package) error {
	dest, err := localPath(e.cfg.Paths.DownloadDir, name)
	if err != nil {
		return err
	}

	body, err := e.client.FetchFile(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		_ = body.Close()
	}()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".opkgsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	hash := md5.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), body)
	if err != nil {
		_ = tmp.Close()
		return err
	}

	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if !e.cfg.Sync.SkipVerify && pkg != nil {
		if pkg.Size >= 0 && pkg.Size != size {
			return fmt.Errorf("size mismatch for %s: got %d, manifest records %d", name, size, pkg.Size)
		}
		if sum := hex.EncodeToString(hash.Sum(nil)); pkg.MD5Sum != "" && pkg.MD5Sum != sum {
			return fmt.Errorf("md5 mismatch for %s: got %s, manifest records %s", name, sum, pkg.MD5Sum)
		}
	}

	return os.Rename(tmpPath, dest)
}

// commitManifest persists the remote manifest bytes verbatim as the new
// local state record.
func (e *Engine) commitManifest(raw []byte) error {
	dir := e.cfg.Paths.DownloadDir

	tmp, err := os.CreateTemp(dir, ".opkgsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	e.logger.Info("writing local manifest", "file", manifestName)
	return os.Rename(tmpPath, filepath.Join(dir, manifestName))
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(plan *Plan) {
	for _, name := range plan.Delete {
		e.logger.Info("[dry-run] would delete", "file", name)
	}
	for _, name := range plan.Fetch {
		e.logger.Info("[dry-run] would fetch", "file", name)
	}
}
