package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/radarcore/termind/internal/config"
)

// runInit initializes a termind working directory with a default
// config.yaml and the data/profile directories it points at. Existing
// files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing termind workspace in %s\n", dir)

	defaults := config.Default()
	defaults.DataDir = filepath.Join(dir, "data")
	defaults.ProfileDir = filepath.Join(dir, "data", "persons")

	for _, sub := range []string{defaults.DataDir, defaults.ProfileDir} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", sub, err)
		}
	}
	fmt.Fprintf(w, "  ✓ %s\n", defaults.DataDir)
	fmt.Fprintf(w, "  ✓ %s\n", defaults.ProfileDir)

	configPath := filepath.Join(dir, "config.yaml")
	written, err := writeYAMLIfMissing(configPath, defaults)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s already exists, left untouched\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to set anthropic.api_key / ollama.base_url and family.* before running termind serve.")
	return nil
}

// writeYAMLIfMissing marshals v to path only if the file does not
// already exist, so init never overwrites a customized config.
func writeYAMLIfMissing(path string, v any) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
