package scanagent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PageFetcher retrieves a site's page body. The production implementation
// is an *http.Client; tests substitute a stub.
type PageFetcher interface {
	FetchPage(ctx context.Context, url, userAgent string, timeout time.Duration) ([]byte, map[string]string, error)
}

// HTTPFetcher is the production PageFetcher, a thin wrapper over
// *http.Client honoring a per-request timeout (spec §4.B step 3).
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher builds an HTTPFetcher. A nil client defaults to
// http.DefaultClient's transport with no client-level timeout, since the
// per-request timeout is applied via context instead.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) FetchPage(ctx context.Context, url, userAgent string, timeout time.Duration) ([]byte, map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("reading body of %s: %w", url, err)
	}
	if resp.StatusCode >= 400 {
		return nil, nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	meta := map[string]string{
		"status":       fmt.Sprintf("%d", resp.StatusCode),
		"content_type": resp.Header.Get("Content-Type"),
	}
	return body, meta, nil
}

const maxBodyBytes = 10 << 20 // 10MiB, generous for HTML pages
