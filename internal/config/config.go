package config

import (
	"net/url"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// Default configuration values.
const (
	// AppName is the application name used for XDG directory paths.
	AppName = "onionhost"

	// DefaultConfigFileName is the service configuration file name inside
	// the XDG config directory.
	DefaultConfigFileName = "onionhost.yaml"

	// DefaultTorBinary is looked up in PATH.
	DefaultTorBinary = "tor"

	// DefaultStartupTimeout bounds the whole bootstrap. The daemon does not
	// need to reach the network for the control port and ADD_ONION to work,
	// so this is far below a full Tor bootstrap.
	DefaultStartupTimeout = 3 * time.Minute

	// DefaultStepTimeout bounds each bootstrap step.
	DefaultStepTimeout = 30 * time.Second

	// DefaultStopTimeout is the grace period between interrupt and kill
	// when stopping the daemon.
	DefaultStopTimeout = 10 * time.Second

	// DefaultConnectAttempts is how often connecting to the control port is
	// tried. The port is announced before the daemon accepts on it on some
	// platforms.
	DefaultConnectAttempts = 5

	// DefaultFetchURL is requested through the SOCKS port by --verify when
	// --fetch-url is not given.
	DefaultFetchURL = "https://check.torproject.org/"
)

// Config holds the runtime options of one CLI invocation.
// It is populated from flags and passed down explicitly; the persisted
// service identity lives in ServiceConfig.
type Config struct {
	// ConfigFilePath is the service configuration file.
	// Empty means DefaultConfigFile().
	ConfigFilePath string

	// TorBinary is the tor executable name or path.
	TorBinary string

	// TorArgs are extra command line arguments for the daemon.
	TorArgs []string

	// StartupTimeout bounds the whole bootstrap sequence.
	StartupTimeout time.Duration

	// StepTimeout bounds each bootstrap step.
	StepTimeout time.Duration

	// StopTimeout is the grace period used when stopping the daemon.
	StopTimeout time.Duration

	// ConnectAttempts bounds control port connection retries.
	ConnectAttempts int

	// KeepSession keeps the control session open after provisioning and
	// reports descriptor upload events.
	KeepSession bool

	// KeepProcessOnFailure leaves the daemon running when bootstrap fails,
	// for inspecting its log.
	KeepProcessOnFailure bool

	// Verify checks the SOCKS listener after provisioning.
	Verify bool

	// FetchURL, when set together with Verify, is fetched through the
	// SOCKS listener.
	FetchURL string

	// Verbose enables debug logging.
	Verbose bool

	// LogJSON switches log output to JSON.
	LogJSON bool

	// DBDir is the run history directory. Defaults to XDGDataDir().
	DBDir string

	// SaveToDB records each run in the history database.
	SaveToDB bool
}

// NewConfig creates a Config with default values.
func NewConfig() *Config {
	return &Config{
		TorBinary:       DefaultTorBinary,
		StartupTimeout:  DefaultStartupTimeout,
		StepTimeout:     DefaultStepTimeout,
		StopTimeout:     DefaultStopTimeout,
		ConnectAttempts: DefaultConnectAttempts,
		DBDir:           XDGDataDir(),
		SaveToDB:        true,
	}
}

// XDGDataDir returns the XDG data directory for onionhost.
// On Linux: ~/.local/share/onionhost
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the XDG config directory for onionhost.
// On Linux: ~/.config/onionhost
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// DefaultConfigFile returns the default service configuration path.
func DefaultConfigFile() string {
	return filepath.Join(XDGConfigDir(), DefaultConfigFileName)
}

// ServiceConfigPath returns ConfigFilePath or the default location.
func (c *Config) ServiceConfigPath() string {
	if c.ConfigFilePath != "" {
		return c.ConfigFilePath
	}
	return DefaultConfigFile()
}

// Validate checks if the configuration is valid.
// It returns the first problem found.
func (c *Config) Validate() error {
	if c.TorBinary == "" {
		return ErrEmptyTorBinary
	}
	if c.StartupTimeout <= 0 {
		return ErrInvalidStartupTimeout
	}
	if c.StepTimeout <= 0 {
		return ErrInvalidStepTimeout
	}
	if c.ConnectAttempts <= 0 {
		return ErrInvalidConnectAttempts
	}
	if c.FetchURL != "" {
		u, err := url.Parse(c.FetchURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ErrInvalidFetchURL
		}
	}
	return nil
}
