package main

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed defaults/keys/*.csv
var defaultKeys embed.FS

// initKeysDir creates the keys directory and extracts the embedded
// starter CSV files, skipping any that already exist. Files are written
// with mode 0644, the only mode the daemon accepts.
func initKeysDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create keys dir: %w", err)
	}

	entries, err := defaultKeys.ReadDir("defaults/keys")
	if err != nil {
		return fmt.Errorf("read embedded defaults: %w", err)
	}

	for _, entry := range entries {
		dst := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(dst); err == nil {
			fmt.Printf("  skip %s (already exists)\n", entry.Name())
			continue
		}

		data, err := defaultKeys.ReadFile("defaults/keys/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", entry.Name(), err)
		}

		if err := os.WriteFile(dst, data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", dst, err)
		}
		fmt.Printf("  created %s\n", entry.Name())
	}

	return nil
}
