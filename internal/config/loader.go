package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned when the configuration file does not exist.
var ErrConfigNotFound = errors.New("configuration file not found")

// Source supplies the service configuration to the bootstrap.
type Source interface {
	LoadServiceConfig() (*ServiceConfig, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (*ServiceConfig, error)

// LoadServiceConfig calls f.
func (f SourceFunc) LoadServiceConfig() (*ServiceConfig, error) {
	return f()
}

// Static returns a Source that always yields cfg.
func Static(cfg *ServiceConfig) Source {
	return SourceFunc(func() (*ServiceConfig, error) {
		return cfg, nil
	})
}

// FileStore reads and writes the service configuration as YAML.
type FileStore struct {
	path string
}

// NewFileStore creates a store for path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads and validates the file.
// It returns ErrConfigNotFound if the file does not exist.
func (s *FileStore) Load() (*ServiceConfig, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}

	var cfg ServiceConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", s.path, err)
	}
	return &cfg, nil
}

// Save writes cfg with mode 0600, creating the directory if needed.
// The file holds the onion service's secret key.
func (s *FileStore) Save(cfg *ServiceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".onionhost-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set configuration permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

// LoadOrCreate loads the file, or generates a new configuration and saves it
// when the file does not exist. created reports which happened.
func (s *FileStore) LoadOrCreate() (cfg *ServiceConfig, created bool, err error) {
	cfg, err = s.Load()
	if err == nil {
		return cfg, false, nil
	}
	if !errors.Is(err, ErrConfigNotFound) {
		return nil, false, err
	}

	cfg, err = NewServiceConfig()
	if err != nil {
		return nil, false, err
	}
	if err := s.Save(cfg); err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// LoadServiceConfig implements Source with LoadOrCreate semantics: the key
// is generated exactly once and reused on every later run.
func (s *FileStore) LoadServiceConfig() (*ServiceConfig, error) {
	cfg, _, err := s.LoadOrCreate()
	return cfg, err
}
