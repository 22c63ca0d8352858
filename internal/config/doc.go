// Package config provides configuration structures and utilities for onionhost.
// It defines the persisted service configuration (data directory, onion key,
// listen port) and the runtime options the CLI builds from flags.
package config
