// Package catalog provides the STAC API search client and the query and item
// types the tiler works with.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/stac"
)

const (
	// DefaultPageSize is the default number of items requested per page.
	DefaultPageSize = 100

	// DefaultMaxItems caps the items collected for one search.
	DefaultMaxItems = 500

	// DefaultMaxPages caps the pages followed for one search.
	DefaultMaxPages = 20

	// DefaultTimeout bounds a whole search including pagination and retries.
	DefaultTimeout = 10 * time.Second

	maxErrorBody = 4 << 10
)

// DefaultFields is the fields-extension include list sent with every search.
var DefaultFields = []string{"id", "bbox", "collection", "assets", "properties"}

// Options configures a Client.
type Options struct {
	BaseURL      string
	Timeout      time.Duration
	PageSize     int
	MaxItems     int
	MaxPages     int
	Retries      int
	RetryInitial time.Duration
	RateLimit    float64 // requests per second, 0 disables limiting
	Fields       []string
	UserAgent    string
	HTTPClient   *http.Client
}

// Client searches a STAC API.
type Client struct {
	baseURL    string
	opts       Options
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a new STAC API client.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("catalog base URL is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = DefaultMaxItems
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 200 * time.Millisecond
	}
	if opts.Fields == nil {
		opts.Fields = DefaultFields
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "stac-mosaic-tiler/1.0"
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		opts:       opts,
		httpClient: httpClient,
		logger:     slog.Default(),
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c, nil
}

// WithLogger sets a custom logger for the client.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

// BaseURL returns the STAC API root the client searches.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SearchResult contains the items of a completed search in catalog order.
type SearchResult struct {
	Items     []Item
	Truncated bool
	Matched   *int
	Pages     int
}

// Search runs the query against POST /search and follows next links until
// the result set is exhausted or the item/page cap is reached.
func (c *Client) Search(ctx context.Context, q Query) (*SearchResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	maxItems := q.MaxItems
	if maxItems <= 0 {
		maxItems = c.opts.MaxItems
	}
	if q.Limit <= 0 {
		q.Limit = min(c.opts.PageSize, maxItems)
	}

	var fields *stac.Fields
	if len(c.opts.Fields) > 0 {
		fields = &stac.Fields{Include: c.opts.Fields}
	}
	body, err := json.Marshal(q.SearchRequest(fields))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode search: %w", ErrInvalidQuery, err)
	}

	page := &stac.NextPage{Method: http.MethodPost, URL: c.baseURL + "/search", Body: body}
	result := &SearchResult{}
	start := time.Now()

	for {
		resp, err := c.fetchPage(ctx, page)
		if err != nil {
			err = classifyContext(ctx, err)
			c.logger.ErrorContext(ctx, "catalog search failed",
				slog.String("url", page.URL),
				slog.Int("page", result.Pages+1),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		result.Pages++
		if result.Matched == nil {
			result.Matched = resp.Matched()
		}

		for _, f := range resp.Features {
			if len(result.Items) >= maxItems {
				result.Truncated = true
				break
			}
			item, err := ItemFromFeature(f)
			if err != nil {
				c.logger.WarnContext(ctx, "skipping malformed catalog item",
					slog.String("error", err.Error()),
				)
				continue
			}
			result.Items = append(result.Items, item)
		}

		next := stac.NextLink(resp.Links)
		if next == nil || result.Truncated {
			break
		}
		if len(result.Items) >= maxItems || result.Pages >= c.opts.MaxPages {
			result.Truncated = true
			break
		}

		page, err = stac.ResolveNextPage(next, page.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
		}
	}

	c.logger.DebugContext(ctx, "catalog search completed",
		slog.Int("returned", len(result.Items)),
		slog.Int("pages", result.Pages),
		slog.Bool("truncated", result.Truncated),
		slog.Duration("took", time.Since(start)),
	)

	return result, nil
}

func (c *Client) fetchPage(ctx context.Context, page *stac.NextPage) (*stac.SearchResponse, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInitial

	op := func() (*stac.SearchResponse, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		resp, err := c.doPage(ctx, page)
		if err != nil && !errors.Is(err, ErrCatalogUnavailable) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.opts.Retries+1)),
	)
}

func (c *Client) doPage(ctx context.Context, page *stac.NextPage) (*stac.SearchResponse, error) {
	var body io.Reader
	if page.Body != nil {
		body = bytes.NewReader(page.Body)
	}

	req, err := http.NewRequestWithContext(ctx, page.Method, page.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", ErrInvalidQuery, err)
	}
	req.Header.Set("Accept", stac.MediaTypeGeoJSON+", "+stac.MediaTypeJSON)
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if page.Body != nil {
		req.Header.Set("Content-Type", stac.MediaTypeJSON)
	}

	c.logger.DebugContext(ctx, "executing catalog search",
		slog.String("method", page.Method),
		slog.String("url", page.URL),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		kind := ErrCatalogUnavailable
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout &&
			resp.StatusCode != http.StatusTooManyRequests {
			kind = ErrCatalogQuery
		}
		return nil, fmt.Errorf("%w: catalog returned status %d: %s", kind, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out stac.SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: failed to decode search response: %w", ErrCatalogUnavailable, err)
	}
	return &out, nil
}

// classifyContext maps context expiry to ErrCatalogTimeout. Cancellation is
// passed through so callers can tell an abandoned request from a slow catalog.
func classifyContext(ctx context.Context, err error) error {
	if errors.Is(err, ErrCatalogQuery) || errors.Is(err, ErrCatalogUnavailable) || errors.Is(err, ErrInvalidQuery) {
		if ctx.Err() == nil {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrCatalogTimeout, err)
	}
	return err
}
