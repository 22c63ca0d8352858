package tor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// ControlPortFileName is the file the daemon writes its control address to.
	ControlPortFileName = "control-port.txt"

	// controlPortPrefix is the token Tor writes before the address.
	controlPortPrefix = "PORT="

	// DefaultPollInterval is how often the announcement file is re-read.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultDiscoveryTimeout bounds discovery when the caller's context has
	// no deadline. A cold Tor start writes the file within a few seconds.
	DefaultDiscoveryTimeout = 30 * time.Second
)

// ControlPortFile returns the announcement file path inside dataDir.
func ControlPortFile(dataDir string) string {
	return filepath.Join(dataDir, ControlPortFileName)
}

// ParseControlPortFile parses announcement content of the form
// "PORT=<ip>:<port>\n". Content without the PORT= token, with a host name
// instead of an IP literal, or with a non-numeric port is rejected.
func ParseControlPortFile(content string) (netip.AddrPort, error) {
	rest, ok := strings.CutPrefix(content, controlPortPrefix)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: missing %q prefix", ErrInvalidControlPortFile, controlPortPrefix)
	}

	addr, err := netip.ParseAddrPort(strings.TrimRight(rest, " \t\r\n"))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %w", ErrInvalidControlPortFile, err)
	}
	return addr, nil
}

// Locator discovers the control port announced by a daemon.
//
// The daemon writes the file some time after it starts, and may write it in
// more than one syscall, so a read that fails to parse is treated the same as
// a missing file: wait one interval and try again.
type Locator struct {
	// interval is the delay between reads.
	interval time.Duration

	// maxAttempts bounds the number of reads; 0 means bounded only by time.
	maxAttempts int

	// timeout applies when the context carries no deadline of its own.
	timeout time.Duration

	logger *slog.Logger
}

// LocatorOption configures a Locator.
type LocatorOption func(*Locator)

// WithPollInterval sets the delay between reads of the announcement file.
func WithPollInterval(interval time.Duration) LocatorOption {
	return func(l *Locator) {
		l.interval = interval
	}
}

// WithMaxAttempts bounds the number of reads before giving up.
func WithMaxAttempts(attempts int) LocatorOption {
	return func(l *Locator) {
		l.maxAttempts = attempts
	}
}

// WithDiscoveryTimeout sets the overall deadline used when the context has none.
func WithDiscoveryTimeout(timeout time.Duration) LocatorOption {
	return func(l *Locator) {
		l.timeout = timeout
	}
}

// WithLocatorLogger sets the logger.
func WithLocatorLogger(logger *slog.Logger) LocatorOption {
	return func(l *Locator) {
		l.logger = logger
	}
}

// NewLocator creates a Locator with the default 100ms interval and 30s timeout.
func NewLocator(opts ...LocatorOption) *Locator {
	l := &Locator{
		interval: DefaultPollInterval,
		timeout:  DefaultDiscoveryTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.interval <= 0 {
		l.interval = DefaultPollInterval
	}
	return l
}

// Locate polls <dataDir>/control-port.txt until it yields an address.
//
// It fails with ErrDiscoveryTimeout once the attempts are used up or the
// deadline passes. If ctx is cancelled for another reason (for example the
// daemon exited, see context.WithCancelCause) that cause is returned instead.
func (l *Locator) Locate(ctx context.Context, dataDir string) (netip.AddrPort, error) {
	if _, ok := ctx.Deadline(); !ok && l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	path := ControlPortFile(dataDir)
	limiter := rate.NewLimiter(rate.Every(l.interval), 1)
	var lastErr error

	for attempt := 1; l.maxAttempts <= 0 || attempt <= l.maxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return netip.AddrPort{}, l.stopped(ctx, attempt-1, lastErr)
		}

		addr, err := readControlPortFile(path)
		if err == nil {
			l.logger.Debug("control port discovered", "address", addr.String(), "attempts", attempt)
			return addr, nil
		}
		lastErr = err
	}

	return netip.AddrPort{}, fmt.Errorf("%w: %d attempts at %s: %w", ErrDiscoveryTimeout, l.maxAttempts, l.interval, lastErr)
}

// stopped converts a context stop into the error reported to the caller.
func (l *Locator) stopped(ctx context.Context, attempts int, lastErr error) error {
	cause := context.Cause(ctx)
	if cause != nil && !errors.Is(cause, context.DeadlineExceeded) && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	// The deadline passed, or the limiter refused to wait beyond it.
	if lastErr == nil {
		return fmt.Errorf("%w after %d attempts", ErrDiscoveryTimeout, attempts)
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrDiscoveryTimeout, attempts, lastErr)
}

// readControlPortFile reads and parses the announcement file once.
func readControlPortFile(path string) (netip.AddrPort, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from the configured data directory
	if err != nil {
		return netip.AddrPort{}, err
	}
	return ParseControlPortFile(string(data))
}
