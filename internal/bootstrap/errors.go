package bootstrap

import "fmt"

// Step names reported in Error.Step.
const (
	StepConfig       = "config"
	StepLaunch       = "launch"
	StepLocate       = "locate"
	StepConnect      = "connect"
	StepAuthenticate = "authenticate"
	StepProvision    = "provision"
	StepQuery        = "query"
	StepSubscribe    = "subscribe"
	StepVerify       = "verify"
)

// Error reports which bootstrap step failed.
// Err keeps the underlying error, so sentinels such as control.ErrAuth or
// tor.ErrDiscoveryTimeout still match with errors.Is.
type Error struct {
	Step string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("bootstrap step %q failed: %v", e.Step, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}
