package httpsource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/kacper-wojtaszczyk/obsync/internal/ingestion"
)

// Stager stages sources of a scheme the client does not speak itself,
// returning the path of the staged file.
type Stager interface {
	Stage(ctx context.Context, src, dir string) (string, error)
}

// Client stages raw files from publisher HTTP(S) endpoints.
type Client struct {
	httpClient *retryablehttp.Client
	stagers    map[string]Stager
}

// NewClient creates a client retrying failed requests up to retryMax times
// with exponential backoff. Client errors other than 429 are not retried.
func NewClient(retryMax int, timeout time.Duration) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 30 * time.Second
	rc.Backoff = retryablehttp.DefaultBackoff
	rc.CheckRetry = retryablehttp.DefaultRetryPolicy
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = slog.Default()
	rc.HTTPClient.Timeout = timeout

	return &Client{httpClient: rc, stagers: map[string]Stager{}}
}

// Register routes sources of scheme to s.
func (c *Client) Register(scheme string, s Stager) {
	c.stagers[strings.ToLower(scheme)] = s
}

// Fetch stages every source of the request. Local paths and globs are passed
// through; remote files land in StagingDir/<dataset>/. A failed source is
// recorded and its siblings are still attempted.
func (c *Client) Fetch(ctx context.Context, req ingestion.FetchRequest) (ingestion.FetchResult, error) {
	batch, err := c.Download(ctx, req.Sources, filepath.Join(req.StagingDir, req.Dataset.String()), Options{
		Include:   req.Include,
		Checksums: req.Checksums,
	})
	if err != nil {
		return ingestion.FetchResult{}, err
	}
	result := ingestion.FetchResult{Staged: batch.Staged}
	if batch.Incomplete() {
		result.Failures = batch.Err()
	}
	return result, nil
}

// Options tune a download batch.
type Options struct {
	// Include filters files found in directory listings by base name (path.Match syntax).
	Include string
	// Checksums maps a file base name to its expected hex sha256.
	Checksums map[string]string
}

// Batch is the outcome of staging a list of sources.
type Batch struct {
	Staged []string
	Failed []*FetchError
}

// Incomplete reports whether any source failed.
func (b Batch) Incomplete() bool {
	return len(b.Failed) > 0
}

// Err returns a *BatchError when the batch is incomplete, nil otherwise.
func (b Batch) Err() error {
	if !b.Incomplete() {
		return nil
	}
	return &BatchError{Failed: b.Failed, Staged: len(b.Staged)}
}

// Download stages sources into dir, creating it when needed. The returned
// error is reserved for problems with dir itself.
func (c *Client) Download(ctx context.Context, sources []string, dir string, opts Options) (Batch, error) {
	var batch Batch
	madeDir := false
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return batch, err
		}

		scheme := sourceScheme(src)
		var stager Stager
		switch scheme {
		case "":
			paths, ferr := local(src)
			if ferr != nil {
				slog.WarnContext(ctx, "local source missing", "path", src, "error", ferr)
				batch.Failed = append(batch.Failed, ferr)
				continue
			}
			batch.Staged = append(batch.Staged, paths...)
			continue
		case "http", "https":
		default:
			s, ok := c.stagers[scheme]
			if !ok {
				batch.Failed = append(batch.Failed, &FetchError{URL: src, Err: fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)})
				continue
			}
			stager = s
		}

		if !madeDir {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return batch, fmt.Errorf("create staging dir %s: %w", dir, err)
			}
			madeDir = true
		}

		if stager != nil {
			staged, err := c.stage(ctx, stager, src, dir)
			if err != nil {
				slog.WarnContext(ctx, "staging failed", "source", src, "error", err)
				batch.Failed = append(batch.Failed, asFetchError(src, err))
				continue
			}
			batch.Staged = append(batch.Staged, staged...)
			continue
		}

		urls := []string{src}
		if strings.HasSuffix(src, "/") {
			listed, err := c.list(ctx, src, opts.Include)
			if err != nil {
				slog.WarnContext(ctx, "listing failed", "url", src, "error", err)
				batch.Failed = append(batch.Failed, asFetchError(src, err))
				continue
			}
			urls = listed
		}

		for _, u := range urls {
			staged, err := c.download(ctx, u, dir, opts.Checksums)
			if err != nil {
				slog.WarnContext(ctx, "download failed", "url", u, "error", err)
				batch.Failed = append(batch.Failed, asFetchError(u, err))
				continue
			}
			batch.Staged = append(batch.Staged, staged...)
		}
	}

	slog.InfoContext(ctx, "fetch batch finished", "staged", len(batch.Staged), "failed", len(batch.Failed))
	return batch, nil
}

// download retrieves one file to dir/<basename> and unpacks archives.
func (c *Client) download(ctx context.Context, rawURL, dir string, checksums map[string]string) ([]string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." || name == "" {
		return nil, fmt.Errorf("cannot derive a file name from %s", rawURL)
	}
	target := filepath.Join(dir, name)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "downloading", "url", rawURL, "path", target)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	hasher := sha256.New()
	if err := writeAtomic(target, io.TeeReader(resp.Body, hasher)); err != nil {
		return nil, fmt.Errorf("write %s: %w", target, err)
	}

	if want, ok := checksums[name]; ok {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, want) {
			os.Remove(target)
			return nil, fmt.Errorf("%w: %s has sha256 %s, want %s", ErrChecksumMismatch, name, got, want)
		}
	}

	slog.InfoContext(ctx, "downloaded", "url", rawURL, "path", target)
	return unpack(target)
}

func (c *Client) stage(ctx context.Context, s Stager, src, dir string) ([]string, error) {
	target, err := s.Stage(ctx, src, dir)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "staged", "source", src, "path", target)
	return unpack(target)
}

// local expands a local path or glob. A pattern matching nothing is a failure.
func local(src string) ([]string, *FetchError) {
	matches, err := filepath.Glob(src)
	if err != nil {
		return nil, &FetchError{URL: src, Err: err}
	}
	if len(matches) == 0 {
		return nil, &FetchError{URL: src, Err: os.ErrNotExist}
	}
	sort.Strings(matches)
	return matches, nil
}

func sourceScheme(src string) string {
	scheme, _, ok := strings.Cut(src, "://")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}

func asFetchError(u string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) && fe.URL == u {
		return fe
	}
	return &FetchError{URL: u, Err: err}
}
