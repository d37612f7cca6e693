// Package manifest loads the extension manifest file consumed at startup.
package manifest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

const logPrefix = "manifest:loader"

// Load reads the manifest from file paths or environment. It tries paths in
// order: first any paths passed in, then EXTENSION_MANIFEST_FILE env, then
// defaults. So an explicit path is tried before the env var.
func Load(paths ...string) (*Manifest, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("EXTENSION_MANIFEST_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/extensions.json", "extensions.json")
	paths = all

	for _, p := range paths {
		if p == "" {
			continue
		}

		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse manifest file %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded extension manifest from %s (%d entries)", logPrefix, p, len(m.Extensions)))
		return &m, nil
	}

	slog.Info(fmt.Sprintf("%s - No manifest file found, starting with no extensions", logPrefix))
	return Default(), nil
}

// Default returns the fallback manifest: an empty extension list, so a bridge
// without a manifest file still starts and serves in-process extensions.
func Default() *Manifest {
	return &Manifest{
		Name:       "extension-bridge",
		Version:    "1.0.0",
		Extensions: []ExtensionEntry{},
	}
}
