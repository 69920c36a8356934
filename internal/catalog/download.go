package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/PuerkitoBio/rehttp"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/sweep/internal/log"
)

// DefaultDumpURL is the public crates.io database dump.
const DefaultDumpURL = "https://static.crates.io/db-dump.tar.gz"

const dumpFile = "db-dump.tar.gz"

// RetryConfig controls the retrying transport used for the dump download.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the settings used when none are configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// NewHTTPClient returns a client that retries temporary errors and 5xx/429
// responses with jittered exponential delay.
func NewHTTPClient(conf RetryConfig) *http.Client {
	retry := rehttp.RetryAll(
		rehttp.RetryMaxRetries(conf.MaxRetries),
		rehttp.RetryHTTPMethods(http.MethodGet),
		rehttp.RetryAny(
			rehttp.RetryTemporaryErr(),
			rehttp.RetryStatuses(http.StatusTooManyRequests, http.StatusInternalServerError,
				http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout),
		),
	)
	return &http.Client{
		Transport: rehttp.NewTransport(nil, retry, rehttp.ExpJitterDelay(conf.BaseDelay, conf.MaxDelay)),
	}
}

// Fetcher downloads the dump into a cache directory and reuses it while it is
// younger than MaxAge.
type Fetcher struct {
	URL      string
	CacheDir string
	MaxAge   time.Duration
	Client   *http.Client
}

// CachePath returns where the dump is stored.
func (f *Fetcher) CachePath() string {
	return filepath.Join(f.CacheDir, dumpFile)
}

// Load returns the parsed catalog, downloading the dump if the cached copy
// is missing or stale.
func (f *Fetcher) Load(ctx context.Context) (*Catalog, error) {
	p, err := f.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open dump: %w", err)
	}
	defer file.Close()

	c, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("parse dump %s: %w", p, err)
	}
	log.WithComponent("catalog").Info("catalog loaded", "crates", c.Len())
	return c, nil
}

// Fetch ensures a fresh dump exists in the cache and returns its path.
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	logger := log.WithComponent("catalog")
	p := f.CachePath()

	if info, err := os.Stat(p); err == nil && f.MaxAge > 0 && time.Since(info.ModTime()) < f.MaxAge {
		logger.Info("using cached database dump", "path", p, "age", humanize.Time(info.ModTime()))
		return p, nil
	}

	if err := os.MkdirAll(f.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create cache directory: %w", err)
	}

	url := f.URL
	if url == "" {
		url = DefaultDumpURL
	}
	client := f.Client
	if client == nil {
		client = NewHTTPClient(DefaultRetryConfig())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build dump request: %w", err)
	}
	logger.Info("downloading database dump", "url", url)
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download dump: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download dump: unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(f.CacheDir, "."+dumpFile+".*")
	if err != nil {
		return "", fmt.Errorf("create temp dump: %w", err)
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write dump: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("store dump: %w", err)
	}
	logger.Info("database dump downloaded", "path", p, "size", humanize.Bytes(uint64(n)))
	return p, nil
}
