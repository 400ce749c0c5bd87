package raster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"
)

// Signer rewrites an asset href into one the fetcher may read, typically by
// attaching a short-lived access token.
type Signer interface {
	Sign(ctx context.Context, href string) (string, error)
}

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(ctx context.Context, href string) (string, error)

// Sign calls f.
func (f SignerFunc) Sign(ctx context.Context, href string) (string, error) {
	return f(ctx, href)
}

// DefaultSASTokenURL is the Planetary Computer SAS token endpoint.
const DefaultSASTokenURL = "https://planetarycomputer.microsoft.com/api/sas/v1/token"

const azureBlobSuffix = ".blob.core.windows.net"

// SASSigner appends Planetary Computer SAS tokens to Azure Blob Storage
// hrefs. Tokens are cached per storage account and container until they
// come within Margin of expiry. Other hrefs pass through unchanged.
type SASSigner struct {
	TokenURL        string
	SubscriptionKey string
	Client          *http.Client
	Retries         int
	RetryInitial    time.Duration
	Margin          time.Duration

	now    func() time.Time
	mu     sync.Mutex
	tokens map[string]sasToken
	group  singleflight.Group
}

type sasToken struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"msv:expiry"`
}

// NewSASSigner creates a signer for the token endpoint at tokenURL; an
// empty tokenURL selects DefaultSASTokenURL.
func NewSASSigner(tokenURL, subscriptionKey string, retries int) *SASSigner {
	if tokenURL == "" {
		tokenURL = DefaultSASTokenURL
	}
	return &SASSigner{
		TokenURL:        strings.TrimRight(tokenURL, "/"),
		SubscriptionKey: subscriptionKey,
		Client:          &http.Client{Timeout: 10 * time.Second},
		Retries:         retries,
		RetryInitial:    100 * time.Millisecond,
		Margin:          time.Minute,
		now:             time.Now,
		tokens:          make(map[string]sasToken),
	}
}

// Sign appends a SAS token to href when it points at Azure Blob Storage and
// does not already carry a signature.
func (s *SASSigner) Sign(ctx context.Context, href string) (string, error) {
	u, err := url.Parse(href)
	if err != nil || !strings.HasSuffix(u.Hostname(), azureBlobSuffix) {
		return href, nil
	}
	if u.Query().Has("sig") {
		return href, nil
	}

	account := strings.TrimSuffix(u.Hostname(), azureBlobSuffix)
	container, _, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if account == "" || container == "" {
		return "", fmt.Errorf("%w: cannot derive storage account and container from %s", ErrAssetUnreachable, href)
	}

	token, err := s.token(ctx, account, container)
	if err != nil {
		return "", err
	}
	if u.RawQuery == "" {
		u.RawQuery = token
	} else {
		u.RawQuery += "&" + token
	}
	return u.String(), nil
}

func (s *SASSigner) token(ctx context.Context, account, container string) (string, error) {
	key := account + "/" + container

	s.mu.Lock()
	t, ok := s.tokens[key]
	s.mu.Unlock()
	if ok && s.now().Add(s.Margin).Before(t.Expiry) {
		return t.Token, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		t, err := s.fetchToken(ctx, account, container)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.tokens[key] = t
		s.mu.Unlock()
		return t.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *SASSigner) fetchToken(ctx context.Context, account, container string) (sasToken, error) {
	endpoint := s.TokenURL + "/" + url.PathEscape(account) + "/" + url.PathEscape(container)

	b := backoff.NewExponentialBackOff()
	if s.RetryInitial > 0 {
		b.InitialInterval = s.RetryInitial
	}
	op := func() (sasToken, error) {
		t, err := s.requestToken(ctx, endpoint)
		if err != nil && (ctx.Err() != nil || !errors.Is(err, errRetryable)) {
			return sasToken{}, backoff.Permanent(err)
		}
		return t, err
	}

	t, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.Retries+1)),
	)
	if err != nil {
		if ctx.Err() != nil {
			return sasToken{}, ctx.Err()
		}
		return sasToken{}, err
	}
	return t, nil
}

func (s *SASSigner) requestToken(ctx context.Context, endpoint string) (sasToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return sasToken{}, fmt.Errorf("%w: sas token: %w", ErrAssetUnreachable, err)
	}
	req.Header.Set("Accept", "application/json")
	if s.SubscriptionKey != "" {
		req.Header.Set("Ocp-Apim-Subscription-Key", s.SubscriptionKey)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return sasToken{}, fmt.Errorf("%w: sas token: %w: %w", ErrAssetUnreachable, errRetryable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return sasToken{}, fmt.Errorf("%w: sas token: %w: status %d", ErrAssetUnreachable, errRetryable, resp.StatusCode)
	default:
		return sasToken{}, fmt.Errorf("%w: sas token: status %d", ErrAssetUnreachable, resp.StatusCode)
	}

	var t sasToken
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&t); err != nil {
		return sasToken{}, fmt.Errorf("%w: sas token: %w", ErrAssetUnreachable, err)
	}
	if t.Token == "" {
		return sasToken{}, fmt.Errorf("%w: sas token: empty token", ErrAssetUnreachable)
	}
	return t, nil
}
