package tor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// checkProxyTimeout bounds the SOCKS handshake used to classify a listener.
const checkProxyTimeout = 2 * time.Second

// unpublishedOnion is a syntactically valid v3 address (all-zero key) that
// no service publishes. Tor answers a CONNECT to it with a failure code.
const unpublishedOnion = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaam2dqd.onion"

// ProxyChecker verifies the SOCKS listener reported by the daemon.
type ProxyChecker struct {
	// address is the SOCKS listener in "ip:port" form.
	address netip.AddrPort

	// dialer routes connections through the listener.
	dialer proxy.ContextDialer
}

// NewProxyChecker creates a checker for the given SOCKS listener.
func NewProxyChecker(address netip.AddrPort) (*ProxyChecker, error) {
	if !address.IsValid() || address.Port() == 0 {
		return nil, ErrInvalidProxyAddress
	}

	// Tor's SocksPort does not require authentication by default.
	dialer, err := proxy.SOCKS5("tcp", address.String(), nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer for %s does not accept a context", address)
	}

	return &ProxyChecker{
		address: address,
		dialer:  contextDialer,
	}, nil
}

// Address returns the SOCKS listener address.
func (c *ProxyChecker) Address() netip.AddrPort {
	return c.address
}

// CheckConnection classifies the listener by dialing an unpublished onion
// address through it. Any well-formed SOCKS5 reply to the CONNECT, success
// or failure, means a Tor proxy is listening.
func (c *ProxyChecker) CheckConnection(ctx context.Context) ProxyStatus {
	ctx, cancel := context.WithTimeout(ctx, checkProxyTimeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", net.JoinHostPort(unpublishedOnion, "80"))
	if err != nil {
		return classifyDialError(err)
	}
	_ = conn.Close()
	return ProxyStatusOK
}

// classifyDialError maps a failed dial through the SOCKS listener to a
// status. The SOCKS client reports a failure reply to CONNECT as
// "unknown error <reply>"; everything else that is neither a timeout nor a
// refused TCP connect is a handshake the listener got wrong.
func classifyDialError(err error) ProxyStatus {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return ProxyStatusTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var dialErr *net.OpError
		if errors.As(opErr.Err, &dialErr) && dialErr.Op == "dial" {
			return ProxyStatusCannotConnect
		}
	}

	if strings.Contains(err.Error(), "unknown error ") {
		return ProxyStatusOK
	}
	return ProxyStatusWrongType
}
