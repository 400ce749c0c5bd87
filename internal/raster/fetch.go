package raster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/cenkalti/backoff/v5"
)

// Fetcher retrieves the bytes of an asset href. Implementations must honour
// ctx cancellation and refuse bodies larger than maxBytes.
type Fetcher interface {
	Fetch(ctx context.Context, href string, maxBytes int64) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, href string, maxBytes int64) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, href string, maxBytes int64) ([]byte, error) {
	return f(ctx, href, maxBytes)
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: asset larger than %d bytes", ErrAssetUnreadable, maxBytes)
	}
	return data, nil
}

// HTTPFetcher fetches http(s) hrefs, retrying transport failures and 5xx
// answers with exponential backoff. When Signer is set every href is signed
// once before the first attempt.
type HTTPFetcher struct {
	Client       *http.Client
	Retries      int
	RetryInitial time.Duration
	UserAgent    string
	Signer       Signer
}

// NewHTTPFetcher creates an HTTPFetcher with a pooled transport.
func NewHTTPFetcher(retries int) *HTTPFetcher {
	return &HTTPFetcher{
		Client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        200,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Retries:      retries,
		RetryInitial: 100 * time.Millisecond,
		UserAgent:    "stac-mosaic-tiler/1.0",
	}
}

// Fetch downloads href.
func (f *HTTPFetcher) Fetch(ctx context.Context, href string, maxBytes int64) ([]byte, error) {
	if f.Signer != nil {
		signed, err := f.Signer.Sign(ctx, href)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !errors.Is(err, ErrAssetUnreachable) {
				err = fmt.Errorf("%w: sign: %w", ErrAssetUnreachable, err)
			}
			return nil, err
		}
		href = signed
	}

	b := backoff.NewExponentialBackOff()
	if f.RetryInitial > 0 {
		b.InitialInterval = f.RetryInitial
	}

	op := func() ([]byte, error) {
		data, err := f.fetchOnce(ctx, href, maxBytes)
		if err != nil && (ctx.Err() != nil || !errors.Is(err, errRetryable)) {
			return nil, backoff.Permanent(err)
		}
		return data, err
	}

	data, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(f.Retries+1)),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return data, nil
}

var errRetryable = errors.New("retryable")

func (f *HTTPFetcher) fetchOnce(ctx context.Context, href string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAssetUnreachable, err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w: %w", ErrAssetUnreachable, errRetryable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %w: status %d", ErrAssetUnreachable, errRetryable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrAssetUnreachable, resp.StatusCode)
	}

	data, err := readLimited(resp.Body, maxBytes)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrAssetUnreadable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w: %w", ErrAssetUnreachable, errRetryable, err)
	}
	return data, nil
}

// GCSFetcher fetches gs://bucket/object hrefs.
type GCSFetcher struct {
	Client *storage.Client
}

// Fetch downloads a Cloud Storage object.
func (f *GCSFetcher) Fetch(ctx context.Context, href string, maxBytes int64) ([]byte, error) {
	u, err := url.Parse(href)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid gs href %q", ErrAssetUnreachable, href)
	}
	object := strings.TrimPrefix(u.Path, "/")

	rc, err := f.Client.Bucket(u.Host).Object(object).NewReader(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("%w: %s: %w", ErrAssetUnreachable, href, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrAssetUnreachable, err)
	}
	defer rc.Close()

	data, err := readLimited(rc, maxBytes)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrAssetUnreadable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrAssetUnreachable, err)
	}
	return data, nil
}

// FileFetcher reads file:// hrefs and bare paths below Root.
type FileFetcher struct {
	Root string
}

// Fetch reads a local file.
func (f *FileFetcher) Fetch(ctx context.Context, href string, maxBytes int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := href
	if strings.HasPrefix(href, "file://") {
		u, err := url.Parse(href)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAssetUnreachable, err)
		}
		path = u.Path
	}
	path = filepath.Clean(path)

	if f.Root != "" {
		root, err := filepath.Abs(f.Root)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAssetUnreachable, err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAssetUnreachable, err)
		}
		if rel, err := filepath.Rel(root, abs); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("%w: %s is outside %s", ErrAssetUnreachable, path, root)
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAssetUnreachable, err)
	}
	defer file.Close()

	return readLimited(file, maxBytes)
}
