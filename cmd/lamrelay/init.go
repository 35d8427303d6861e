package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/lamrelay/internal/defaults"
)

// runInit creates dir with a data directory and the example config.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing lamrelay in %s\n", dir)

	dataDir := filepath.Join(dir, "db")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	// The config can hold broker and inference credentials.
	configPath := filepath.Join(dir, "config.yaml")
	wrote, err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, kept)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point at your inference server and broker.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
