package main

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nao1215/onionhost/internal/config"
)

func TestRunAddressCmd(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "onionhost.yaml")
	if _, err := executeRoot(t, "init", "-c", path, "--port", "8080"); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg, err := config.NewFileStore(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "with port",
			args: []string{"address", "-c", path},
			want: cfg.OnionAddress() + ":8080\n",
		},
		{
			name: "without port",
			args: []string{"address", "-c", path, "--no-port"},
			want: cfg.OnionAddress() + "\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := executeRoot(t, tt.args...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out != tt.want {
				t.Errorf("output = %q, want %q", out, tt.want)
			}
		})
	}

	t.Run("missing configuration", func(t *testing.T) {
		t.Parallel()
		missing := filepath.Join(t.TempDir(), "missing.yaml")

		_, err := executeRoot(t, "address", "-c", missing)
		if !errors.Is(err, config.ErrConfigNotFound) {
			t.Fatalf("expected ErrConfigNotFound, got %v", err)
		}
		if !strings.Contains(err.Error(), "onionhost init") {
			t.Errorf("expected a hint to run init, got %v", err)
		}
	})
}
