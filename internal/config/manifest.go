// Package config provides configuration loading utilities.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModuleManifest declares per-module deployment settings loaded from YAML.
type ModuleManifest struct {
	Modules map[string]ModuleEntry `yaml:"modules"`
}

// ModuleEntry is one module's declared state and opaque settings bag.
type ModuleEntry struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings"`
}

// LoadModuleManifest reads the manifest at path. A missing path returns an
// empty manifest so the settings store stays authoritative.
func LoadModuleManifest(path string) (ModuleManifest, error) {
	m := ModuleManifest{Modules: map[string]ModuleEntry{}}
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return m, fmt.Errorf("op=config.LoadModuleManifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("op=config.LoadModuleManifest: %w", err)
	}
	if m.Modules == nil {
		m.Modules = map[string]ModuleEntry{}
	}
	return m, nil
}
