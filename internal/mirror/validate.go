package mirror

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dinotools/opkgsync/internal/manifest"
)

// loadLocal reads the local Packages manifest and corroborates each record
// against the file it references. Records whose file is missing or whose
// recorded size or checksum disagrees with the bytes on disk are dropped,
// forcing a re-fetch. Missing size or checksum fields are backfilled from
// the file and trusted for the rest of the run.
//
// A missing or unreadable manifest is not an error: a fresh mirror has no
// prior state.
func (e *Engine) loadLocal() manifest.Set {
	dir := e.cfg.Paths.DownloadDir

	f, err := os.Open(filepath.Join(dir, manifestName))
	if err != nil {
		e.logger.Debug("no readable local manifest, starting fresh", "error", err)
		return make(manifest.Set)
	}
	defer func() {
		_ = f.Close()
	}()

	pkgs, err := manifest.Parse(f)
	if err != nil {
		e.logger.Warn("failed to read local manifest, treating as empty", "error", err)
		return make(manifest.Set)
	}

	// Filter into a fresh set instead of mutating pkgs while ranging it.
	trusted := make(manifest.Set, len(pkgs))
	for name, pkg := range pkgs {
		if pkg.Filename == "" {
			e.logger.Debug("dropping local record without filename", "package", name)
			continue
		}

		path, err := localPath(dir, pkg.Filename)
		if err != nil {
			e.logger.Warn("dropping local record with unsafe filename", "package", name, "error", err)
			continue
		}

		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			e.logger.Debug("dropping local record, file missing", "package", name, "file", pkg.Filename)
			continue
		}

		if pkg.Size < 0 {
			pkg.Size = info.Size()
		} else if pkg.Size != info.Size() {
			e.logger.Debug("dropping local record, size mismatch",
				"package", name, "recorded", pkg.Size, "actual", info.Size())
			continue
		}

		sum, err := fileChecksum(path)
		if err != nil {
			e.logger.Debug("dropping local record, checksum failed", "package", name, "error", err)
			continue
		}
		if pkg.MD5Sum == "" {
			pkg.MD5Sum = sum
		} else if pkg.MD5Sum != sum {
			e.logger.Debug("dropping local record, checksum mismatch", "package", name, "file", pkg.Filename)
			continue
		}

		trusted[name] = pkg
	}
	return trusted
}

// fileChecksum computes the hex MD5 digest of a file, reading it
// incrementally. The Packages format records md5 digests.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// localPath joins a manifest filename onto the download directory,
// rejecting names that would escape it.
func localPath(dir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute filename %q not allowed", name)
	}
	path := filepath.Join(dir, name)
	if !strings.HasPrefix(path, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("filename %q escapes download directory", name)
	}
	return path, nil
}
