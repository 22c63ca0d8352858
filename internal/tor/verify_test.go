package tor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	socks5 "github.com/armon/go-socks5"
)

// startSOCKS5 runs a plain SOCKS5 proxy on 127.0.0.1 standing in for
// Tor's SocksPort.
func startSOCKS5(t *testing.T) netip.AddrPort {
	t.Helper()

	server, err := socks5.New(&socks5.Config{})
	if err != nil {
		t.Fatalf("failed to create SOCKS5 server: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0") //nolint:noctx // test code
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() { _ = server.Serve(listener) }()
	return netip.MustParseAddrPort(listener.Addr().String())
}

func TestFetchThroughProxy(t *testing.T) {
	t.Parallel()

	web := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("hello from the other side"))
	}))
	t.Cleanup(web.Close)

	socksAddr := startSOCKS5(t)

	result, err := FetchThroughProxy(context.Background(), socksAddr, web.URL, 10*time.Second)
	if err != nil {
		t.Fatalf("FetchThroughProxy() error = %v", err)
	}
	if result.StatusCode != http.StatusTeapot {
		t.Errorf("StatusCode = %d, expected %d", result.StatusCode, http.StatusTeapot)
	}
	if result.URL != web.URL {
		t.Errorf("URL = %q, expected %q", result.URL, web.URL)
	}
	if result.Elapsed <= 0 {
		t.Errorf("Elapsed = %s, expected a positive duration", result.Elapsed)
	}
}

func TestFetchThroughProxyUnreachable(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0") //nolint:noctx // test code
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := netip.MustParseAddrPort(listener.Addr().String())
	_ = listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := FetchThroughProxy(ctx, addr, "http://example.com/", time.Second); err == nil {
		t.Error("expected an error for a closed SOCKS port")
	}
}

func TestCheckConnectionAgainstRealSOCKS5(t *testing.T) {
	t.Parallel()

	checker, err := NewProxyChecker(startSOCKS5(t))
	if err != nil {
		t.Fatalf("failed to create checker: %v", err)
	}
	// The unpublished onion cannot be resolved by a clearnet proxy, which answers
	// with a SOCKS5 failure code: still a well-formed SOCKS5 reply.
	if status := checker.CheckConnection(context.Background()); status != ProxyStatusOK {
		t.Errorf("expected ProxyStatusOK, got %v", status)
	}
}
