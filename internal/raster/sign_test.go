package raster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func tokenServer(t *testing.T, calls *atomic.Int32, expiry time.Time) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Ocp-Apim-Subscription-Key") != "key" {
			http.Error(w, "missing key", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "sv=2021&sig=" + strings.ReplaceAll(strings.TrimPrefix(r.URL.Path, "/"), "/", "-"),
			"msv:expiry": expiry.UTC().Format(time.RFC3339),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSASSigner_Sign(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, time.Now().Add(time.Hour))
	s := NewSASSigner(srv.URL+"/", "key", 0)

	tests := []struct {
		name string
		href string
		want string
	}{
		{
			name: "blob href",
			href: "https://acct.blob.core.windows.net/sentinel2/a/B04.tif",
			want: "https://acct.blob.core.windows.net/sentinel2/a/B04.tif?sv=2021&sig=acct-sentinel2",
		},
		{
			name: "blob href with query",
			href: "https://acct.blob.core.windows.net/sentinel2/b.tif?x=1",
			want: "https://acct.blob.core.windows.net/sentinel2/b.tif?x=1&sv=2021&sig=acct-sentinel2",
		},
		{
			name: "already signed",
			href: "https://acct.blob.core.windows.net/sentinel2/c.tif?sig=abc",
			want: "https://acct.blob.core.windows.net/sentinel2/c.tif?sig=abc",
		},
		{
			name: "other host",
			href: "https://example.com/sentinel2/d.tif",
			want: "https://example.com/sentinel2/d.tif",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Sign(context.Background(), tt.href)
			if err != nil {
				t.Fatalf("Sign() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Sign() = %q, want %q", got, tt.want)
			}
		})
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("token requests = %d, want 1 for one container", n)
	}
}

func TestSASSigner_RefreshesNearExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, time.Now().Add(30*time.Second))
	s := NewSASSigner(srv.URL, "key", 0)

	for range 2 {
		if _, err := s.Sign(context.Background(), "https://acct.blob.core.windows.net/c/x.tif"); err != nil {
			t.Fatalf("Sign() error = %v", err)
		}
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("token requests = %d, want 2 when the token expires within the margin", n)
	}
}

func TestSASSigner_Errors(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, time.Now().Add(time.Hour))

	s := NewSASSigner(srv.URL, "wrong", 2)
	s.RetryInitial = time.Millisecond
	if _, err := s.Sign(context.Background(), "https://acct.blob.core.windows.net/c/x.tif"); !errors.Is(err, ErrAssetUnreachable) {
		t.Errorf("Sign() error = %v, want ErrAssetUnreachable", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("token requests = %d, want 1 since 401 is not retried", n)
	}

	s = NewSASSigner(srv.URL, "key", 0)
	if _, err := s.Sign(context.Background(), "https://acct.blob.core.windows.net/"); !errors.Is(err, ErrAssetUnreachable) {
		t.Errorf("Sign(no container) error = %v, want ErrAssetUnreachable", err)
	}
}

func TestHTTPFetcher_Signer(t *testing.T) {
	body := grayPNG(t, 2, 2)
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)

	f := &HTTPFetcher{
		Client: http.DefaultClient,
		Signer: SignerFunc(func(_ context.Context, href string) (string, error) {
			return href + "?sig=ok", nil
		}),
	}
	if _, err := f.Fetch(context.Background(), srv.URL+"/a.png", 0); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if q, _ := gotQuery.Load().(string); q != "sig=ok" {
		t.Errorf("query = %q, want sig=ok", q)
	}

	f.Signer = SignerFunc(func(context.Context, string) (string, error) {
		return "", errors.New("token service down")
	})
	if _, err := f.Fetch(context.Background(), srv.URL+"/a.png", 0); !errors.Is(err, ErrAssetUnreachable) {
		t.Errorf("Fetch() with failing signer error = %v, want ErrAssetUnreachable", err)
	}
}
