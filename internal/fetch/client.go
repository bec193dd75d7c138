// Package fetch downloads Steam Runtime snapshots and their manifests.
package fetch

import (
	"bytes"
	"context"
	_ "crypto/sha256" // registers SHA-256 for go-digest
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

const (
	// DefaultBaseURL is the Steam Runtime image repository.
	DefaultBaseURL = "https://repo.steampowered.com"
	// DefaultTimeout is the default HTTP request timeout
	DefaultTimeout = 5 * time.Minute
	// DefaultRetries is the default number of download retries
	DefaultRetries = 3
	// DefaultUserAgent is the User-Agent header sent with requests
	DefaultUserAgent = "rtup"

	// chunkSize is the read size used when streaming archives.
	chunkSize = 64 << 10

	checksumsFile = "SHA256SUMS"
)

// RuntimeName returns the top-level directory of a runtime snapshot.
func RuntimeName(codename string) string {
	return "SteamLinuxRuntime_" + codename
}

// ArchiveName returns the snapshot archive filename for codename.
func ArchiveName(codename string) string {
	return RuntimeName(codename) + ".tar.xz"
}

// VersionsName returns the version manifest filename for codename.
func VersionsName(codename string) string {
	return RuntimeName(codename) + ".VERSIONS.txt"
}

// Endpoint returns the snapshot directory path for codename.
func Endpoint(codename string) string {
	return fmt.Sprintf("/steamrt-images-%s/snapshots/latest-container-runtime-public-beta", codename)
}

// Client fetches runtime snapshots over HTTP with retry logic.
type Client struct {
	client    *http.Client
	baseURL   string
	userAgent string
	retries   int
	backoff   time.Duration
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the repository base URL.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = base }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithRetries sets how many times a failed request is retried.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithBackoff sets the initial retry delay. It doubles on every attempt.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a new client
func NewClient(opts ...Option) *Client {
	c := &Client{
		client: &http.Client{
			Timeout: DefaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Allow up to 10 redirects
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		baseURL:   DefaultBaseURL,
		userAgent: DefaultUserAgent,
		retries:   DefaultRetries,
		backoff:   time.Second,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// fileURL builds the URL of file in codename's snapshot directory. A fresh
// versions token defeats intermediate caches.
func (c *Client) fileURL(codename, file string) (string, error) {
	if _, err := url.Parse(c.baseURL); err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	query := url.Values{"versions": {uuid.New().String()}}.Encode()
	return strings.TrimRight(c.baseURL, "/") + Endpoint(codename) + "/" + file + "?" + query, nil
}

// FetchChecksum returns the published SHA-256 digest of codename's archive.
func (c *Client) FetchChecksum(ctx context.Context, codename string) (digest.Digest, error) {
	data, err := c.fetchFile(ctx, codename, checksumsFile)
	if err != nil {
		return "", fmt.Errorf("fetch checksums: %w", err)
	}
	return findChecksum(bytes.NewReader(data), ArchiveName(codename))
}

// FetchVersions returns the remote version manifest of codename.
func (c *Client) FetchVersions(ctx context.Context, codename string) ([]byte, error) {
	data, err := c.fetchFile(ctx, codename, VersionsName(codename))
	if err != nil {
		return nil, fmt.Errorf("fetch versions: %w", err)
	}
	return data, nil
}

// Download fetches codename's archive into dir and verifies it against the
// published checksum. It returns the path of the verified archive.
func (c *Client) Download(ctx context.Context, codename, dir string) (string, error) {
	expected, err := c.FetchChecksum(ctx, codename)
	if err != nil {
		return "", err
	}

	archive := ArchiveName(codename)
	rawURL, err := c.fileURL(codename, archive)
	if err != nil {
		return "", err
	}
	destPath := filepath.Join(dir, archive)

	c.logger.Info("downloading runtime", "archive", archive, "digest", expected)
	err = c.retry(ctx, func() error {
		return c.downloadOnce(ctx, rawURL, destPath, expected)
	})
	if err != nil {
		return "", fmt.Errorf("download %s: %w", archive, err)
	}
	return destPath, nil
}

func (c *Client) fetchFile(ctx context.Context, codename, file string) ([]byte, error) {
	rawURL, err := c.fileURL(codename, file)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = c.retry(ctx, func() error {
		resp, err := c.get(ctx, rawURL)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		return nil
	})
	return data, err
}

// retry runs attempt until it succeeds, fails permanently, or the retry
// budget is spent.
func (c *Client) retry(ctx context.Context, attempt func() error) error {
	var lastErr error

	for i := 0; i <= c.retries; i++ {
		// Check context before each attempt
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if i > 0 {
			// Exponential backoff: 1s, 2s, 4s
			backoff := c.backoff * time.Duration(1<<uint(i-1))
			c.logger.Debug("retrying request", "attempt", i, "backoff", backoff, "error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err

		// Don't retry on context cancellation or permanent failures
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
	}

	return fmt.Errorf("failed after %d retries: %w", c.retries, lastErr)
}

func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return !errors.Is(err, ErrChecksumMismatch)
}

// get performs a GET and returns the response only for 200 OK.
func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// downloadOnce performs a single download attempt, hashing the stream as it
// is written. The destination only appears once its digest has matched.
func (c *Client) downloadOnce(ctx context.Context, rawURL, destPath string, expected digest.Digest) error {
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}

	tmpPath := destPath + ".part"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	// Track whether we need to clean up the temp file
	cleanupNeeded := true
	defer func() {
		tmpFile.Close()
		if cleanupNeeded {
			os.Remove(tmpPath) // Clean up on error
		}
	}()

	digester := expected.Algorithm().Digester()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(io.MultiWriter(tmpFile, digester.Hash()), resp.Body, buf); err != nil {
		return fmt.Errorf("copy response body: %w", err)
	}

	if got := digester.Digest(); got != expected {
		c.logger.Error("archive digest mismatch", "archive", filepath.Base(destPath), "expected", expected, "got", got)
		return &ChecksumError{Filename: filepath.Base(destPath), Expected: expected.Encoded(), Got: got.Encoded()}
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	// Success - don't clean up the temp file (it's been renamed)
	cleanupNeeded = false
	return nil
}
