package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Client retrieves feed content from the remote repository.
type Client interface {
	// FetchManifest retrieves the remote Packages manifest.
	FetchManifest(ctx context.Context) (io.ReadCloser, error)
	// FetchFile retrieves a package file by its manifest filename,
	// resolved relative to the manifest's URL.
	FetchFile(ctx context.Context, name string) (io.ReadCloser, error)
}

// HTTPClient implements Client against an HTTP(S) package feed.
type HTTPClient struct {
	manifestURL *url.URL
	client      *http.Client
}

// NewHTTPClient creates a client for the feed whose Packages manifest
// lives at the given URL.
func NewHTTPClient(manifestURL string) (*HTTPClient, error) {
	u, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse packages URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported packages URL scheme %q", u.Scheme)
	}

	return &HTTPClient{
		manifestURL: u,
		client:      newSecureClient(),
	}, nil
}

// newSecureClient returns an http.Client with a TLS version floor.
func newSecureClient() *http.Client {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	transport := &http.Transport{
		TLSClientConfig:   tlsConfig,
		ForceAttemptHTTP2: true,
	}

	return &http.Client{
		Transport: transport,
	}
}

// FetchManifest issues a GET for the manifest URL itself.
func (c *HTTPClient) FetchManifest(ctx context.Context) (io.ReadCloser, error) {
	return c.get(ctx, c.manifestURL)
}

// FetchFile resolves name against the manifest URL, replacing its last
// path segment, and issues a GET for the result.
func (c *HTTPClient) FetchFile(ctx context.Context, name string) (io.ReadCloser, error) {
	ref, err := url.Parse(name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse filename %q: %w", name, err)
	}
	return c.get(ctx, c.manifestURL.ResolveReference(ref))
}

// get issues the request and returns the body for a 200 response. Any
// other status is an error; the caller owns closing the returned body.
func (c *HTTPClient) get(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", u, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s failed: %w", u, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %s", u, resp.Status)
	}
	return resp.Body, nil
}
