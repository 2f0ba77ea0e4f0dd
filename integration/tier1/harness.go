//go:build integration

package tier1

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/dinotools/opkgsync/internal/config"
	"github.com/dinotools/opkgsync/internal/mirror"
	"github.com/dinotools/opkgsync/internal/transport"
)

// Feed is an in-process opkg package feed served over HTTP. Tests mutate
// its package set between engine runs and inspect which paths were
// requested.
type Feed struct {
	server *httptest.Server

	mu       sync.Mutex
	packages map[string][]byte // filename -> content
	requests []string
}

// NewFeed starts an empty feed on a local listener. The listener is shut
// down via t.Cleanup.
func NewFeed(t *testing.T) *Feed {
	t.Helper()

	f := &Feed{
		packages: make(map[string][]byte),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

// ManifestURL returns the URL of the feed's Packages manifest.
func (f *Feed) ManifestURL() string {
	return f.server.URL + "/feed/Packages"
}

// AddPackage publishes a package file on the feed. The package name is the
// filename without its extension, which is enough for these scenarios.
func (f *Feed) AddPackage(filename string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packages[filename] = content
}

// RemovePackage withdraws a package from the feed.
func (f *Feed) RemovePackage(filename string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.packages, filename)
}

// Requests returns the request paths served so far, in order.
func (f *Feed) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// ResetRequests clears the request log.
func (f *Feed) ResetRequests() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = nil
}

// FileRequests returns how many package file downloads (everything except
// the manifest) were served since the last reset.
func (f *Feed) FileRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.requests {
		if p != "/feed/Packages" {
			n++
		}
	}
	return n
}

func (f *Feed) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.URL.Path)

	if r.URL.Path == "/feed/Packages" {
		manifest := f.renderManifestLocked()
		f.mu.Unlock()
		_, _ = w.Write(manifest)
		return
	}

	name, ok := strings.CutPrefix(r.URL.Path, "/feed/")
	if !ok {
		f.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	content, found := f.packages[name]
	f.mu.Unlock()

	if !found {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(content)
}

// renderManifestLocked renders the Packages manifest for the current
// package set. Callers must hold f.mu.
func (f *Feed) renderManifestLocked() []byte {
	names := make([]string, 0, len(f.packages))
	for name := range f.packages {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		content := f.packages[name]
		sum := md5.Sum(content)
		fmt.Fprintf(&buf, "Package: %s\n", name)
		fmt.Fprintf(&buf, "Filename: %s\n", name)
		fmt.Fprintf(&buf, "Size: %d\n", len(content))
		fmt.Fprintf(&buf, "MD5Sum: %s\n", hex.EncodeToString(sum[:]))
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

// newEngine wires a mirror engine against the feed with dir as the
// download directory.
func newEngine(t *testing.T, f *Feed, dir string) *mirror.Engine {
	t.Helper()

	cfg := &config.Config{
		Mirror: config.MirrorConfig{PackagesURL: f.ManifestURL()},
		Paths:  config.PathsConfig{DownloadDir: dir},
		Sync:   config.SyncConfig{Retries: 3},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}

	client, err := transport.NewHTTPClient(cfg.Mirror.PackagesURL)
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return mirror.NewEngine(cfg, client, logger, false)
}
