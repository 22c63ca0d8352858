package tor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/nao1215/tornago"
)

// DefaultFetchTimeout bounds a request made through the SOCKS listener.
// Requests over Tor take several circuit hops, so this is generous.
const DefaultFetchTimeout = 60 * time.Second

// FetchResult describes a request sent through the SOCKS listener.
type FetchResult struct {
	// URL is the requested URL.
	URL string

	// StatusCode is the HTTP status returned by the remote end.
	StatusCode int

	// Elapsed is the round-trip time including circuit setup.
	Elapsed time.Duration
}

// FetchThroughProxy performs an HTTP GET of url routed through the SOCKS
// listener using tornago's client. It proves the daemon has bootstrapped
// far enough to build circuits, which the SOCKS handshake alone does not.
//
// The body is drained and discarded.
func FetchThroughProxy(ctx context.Context, socksAddr netip.AddrPort, url string, timeout time.Duration) (*FetchResult, error) {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	cfg, err := tornago.NewClientConfig(
		tornago.WithClientSocksAddr(socksAddr.String()),
		tornago.WithClientRequestTimeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tornago client config: %w", err)
	}

	client, err := tornago.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create tornago client: %w", err)
	}
	defer client.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request through %s failed: %w", socksAddr, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", url, err)
	}

	return &FetchResult{
		URL:        url,
		StatusCode: resp.StatusCode,
		Elapsed:    time.Since(start),
	}, nil
}
