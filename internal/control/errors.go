package control

import (
	"errors"
	"fmt"
)

// Control protocol errors.
// Each failing operation wraps exactly one of these so callers can
// distinguish the failure modes with errors.Is. When the daemon rejected
// the command, the chain also contains a *ReplyError with the status code.
var (
	// ErrConnection is returned when the control port is unreachable or the
	// connection broke mid-exchange.
	ErrConnection = errors.New("control connection failed")

	// ErrAuth is returned when the daemon rejected the credential or the
	// authentication exchange was malformed.
	ErrAuth = errors.New("control authentication failed")

	// ErrNotAuthenticated is returned for privileged commands issued before
	// authentication succeeded. Nothing is sent to the daemon.
	ErrNotAuthenticated = errors.New("control session is not authenticated")

	// ErrAlreadyAuthenticated is returned when Authenticate is called twice.
	ErrAlreadyAuthenticated = errors.New("control session is already authenticated")

	// ErrProvision is returned when onion service creation failed.
	ErrProvision = errors.New("onion service provisioning failed")

	// ErrQuery is returned when an info query failed or its reply could not
	// be parsed.
	ErrQuery = errors.New("control info query failed")

	// ErrMalformedReply is returned when a reply line does not follow the
	// "<3-digit code><separator><text>" grammar.
	ErrMalformedReply = errors.New("malformed control reply")

	// ErrInvalidCommand is returned for commands that would break framing,
	// such as ones containing line breaks.
	ErrInvalidCommand = errors.New("invalid control command")

	// ErrClosed is returned when using a session after Close.
	ErrClosed = errors.New("control session closed")
)

// Status codes used by the daemon.
const (
	StatusOK                 = 250
	StatusUnnecessary        = 251
	StatusAuthRequired       = 514
	StatusBadAuthentication  = 515
	StatusUnrecognizedEntity = 552
	StatusAsyncEvent         = 650
)

// ReplyError is a non-success reply from the daemon.
type ReplyError struct {
	// Code is the three digit status code, e.g. 515 or 552.
	Code int

	// Message is the text of the final reply line.
	Message string
}

// Error implements the error interface.
func (e *ReplyError) Error() string {
	return fmt.Sprintf("tor replied %d %s", e.Code, e.Message)
}
