package config

import "errors"

// Configuration validation errors.
// These errors are returned by Config.Validate() and ServiceConfig.Validate()
// and can be matched with errors.Is().
var (
	// ErrInvalidStartupTimeout is returned when the overall bootstrap
	// timeout is not positive.
	ErrInvalidStartupTimeout = errors.New("invalid startup timeout: must be positive")

	// ErrInvalidStepTimeout is returned when the per-step timeout is not positive.
	ErrInvalidStepTimeout = errors.New("invalid step timeout: must be positive")

	// ErrInvalidConnectAttempts is returned when the control port connect
	// attempts are not positive.
	ErrInvalidConnectAttempts = errors.New("invalid connect attempts: must be positive")

	// ErrEmptyTorBinary is returned when no tor executable is configured.
	ErrEmptyTorBinary = errors.New("tor binary must not be empty")

	// ErrInvalidFetchURL is returned when the verification URL is not an
	// absolute http or https URL.
	ErrInvalidFetchURL = errors.New("invalid fetch URL: must be an absolute http or https URL")

	// ErrEmptyDataDir is returned when the service configuration has no
	// Tor data directory.
	ErrEmptyDataDir = errors.New("data_dir must not be empty")

	// ErrMissingOnionKey is returned when the service configuration has no
	// onion service key.
	ErrMissingOnionKey = errors.New("onion_key is required")

	// ErrInvalidListenPort is returned when listen_port is zero.
	ErrInvalidListenPort = errors.New("invalid listen_port: must be between 1 and 65535")
)
