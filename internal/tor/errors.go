package tor

import "errors"

// Daemon lifecycle errors.
// These are returned (possibly wrapped) by Supervisor and Locator so callers
// can tell a daemon that never came up from one that is merely slow.
var (
	// ErrProcessLaunch is returned when the Tor binary cannot be started, or
	// when it exits before announcing its control port.
	ErrProcessLaunch = errors.New("tor process failed to launch")

	// ErrProcessKilled is returned by Stop when the daemon ignored the
	// interrupt and had to be killed.
	ErrProcessKilled = errors.New("tor process did not stop in time and was killed")

	// ErrDiscoveryTimeout is returned when the control port announcement file
	// did not appear (or never parsed) within the configured attempts or deadline.
	ErrDiscoveryTimeout = errors.New("timed out waiting for tor control port announcement")

	// ErrInvalidControlPortFile is returned when the announcement file exists
	// but its content is not "PORT=<ip>:<port>".
	ErrInvalidControlPortFile = errors.New("invalid control port announcement")

	// ErrProxyNotTor is returned when the SOCKS address responds
	// but is not a Tor SOCKS5 proxy.
	ErrProxyNotTor = errors.New("proxy is not a Tor SOCKS5 proxy")

	// ErrProxyCannotConnect is returned when we cannot establish a TCP connection
	// to the SOCKS address.
	ErrProxyCannotConnect = errors.New("cannot connect to Tor proxy")

	// ErrProxyTimeout is returned when the SOCKS handshake times out.
	ErrProxyTimeout = errors.New("timeout connecting to Tor proxy")

	// ErrInvalidProxyAddress is returned when the proxy address format is invalid.
	// Expected format is "host:port".
	ErrInvalidProxyAddress = errors.New("invalid proxy address format: expected host:port")

	// ErrInvalidOnionKey is returned when key material is not a valid
	// ED25519-V3 expanded secret key.
	ErrInvalidOnionKey = errors.New("invalid onion service key")
)

// ProxyStatus represents the result of checking the SOCKS listener.
type ProxyStatus int

const (
	// ProxyStatusOK indicates the proxy is a working Tor SOCKS5 proxy.
	ProxyStatusOK ProxyStatus = iota

	// ProxyStatusWrongType indicates the listener answered but is not a Tor proxy.
	ProxyStatusWrongType

	// ProxyStatusCannotConnect indicates we could not establish a connection.
	ProxyStatusCannotConnect

	// ProxyStatusTimeout indicates the handshake timed out.
	ProxyStatusTimeout
)

// String returns a human-readable description of the proxy status.
func (s ProxyStatus) String() string {
	switch s {
	case ProxyStatusOK:
		return "OK"
	case ProxyStatusWrongType:
		return "wrong type (not Tor)"
	case ProxyStatusCannotConnect:
		return "cannot connect"
	case ProxyStatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Err returns the error for this status, or nil if OK.
func (s ProxyStatus) Err() error {
	switch s {
	case ProxyStatusOK:
		return nil
	case ProxyStatusWrongType:
		return ErrProxyNotTor
	case ProxyStatusCannotConnect:
		return ErrProxyCannotConnect
	case ProxyStatusTimeout:
		return ErrProxyTimeout
	default:
		return errors.New("unknown proxy status")
	}
}
