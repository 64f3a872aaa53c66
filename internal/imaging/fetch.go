package imaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrUnsupportedRef is returned for references that are neither http(s)
	// nor data URLs.
	ErrUnsupportedRef = errors.New("imaging: unsupported image reference")
	// ErrTooLarge is returned when an image exceeds the configured size.
	ErrTooLarge = errors.New("imaging: image too large")
)

// Fetcher resolves image references into bytes.
type Fetcher struct {
	HTTP     *http.Client
	MaxBytes int64
}

// NewFetcher returns a Fetcher with its own HTTP client.
func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	return &Fetcher{
		HTTP:     &http.Client{Timeout: timeout},
		MaxBytes: maxBytes,
	}
}

// Fetch returns the bytes behind ref. Data URLs are decoded in place; http
// and https URLs are downloaded. Non-2xx responses are errors.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "data:") {
		_, data, err := DecodeDataURL(ref)
		if err != nil {
			return nil, err
		}
		if f.MaxBytes > 0 && int64(len(data)) > f.MaxBytes {
			return nil, ErrTooLarge
		}
		return data, nil
	}

	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRef, truncate(ref, 64))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("imaging: build request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	client := f.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("imaging: fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("imaging: fetch %s: status %d", u.Host, resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if f.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, f.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("imaging: read %s: %w", u.Host, err)
	}
	if f.MaxBytes > 0 && int64(len(data)) > f.MaxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
