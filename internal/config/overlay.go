package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OverlaySettings controls the visual feedback the page executor draws.
type OverlaySettings struct {
	OverlayClickEnabled bool `yaml:"overlayClickEnabled" json:"overlayClickEnabled"`
	OverlayClickOpacity int  `yaml:"overlayClickOpacity" json:"overlayClickOpacity"`
	OverlayTypeEnabled  bool `yaml:"overlayTypeEnabled" json:"overlayTypeEnabled"`
	OverlayTypeOpacity  int  `yaml:"overlayTypeOpacity" json:"overlayTypeOpacity"`
	OverlayTextEnabled  bool `yaml:"overlayTextEnabled" json:"overlayTextEnabled"`
	OverlayTextOpacity  int  `yaml:"overlayTextOpacity" json:"overlayTextOpacity"`
}

// DefaultOverlaySettings returns the settings used when none are configured.
func DefaultOverlaySettings() OverlaySettings {
	return OverlaySettings{
		OverlayClickEnabled: true,
		OverlayClickOpacity: 75,
		OverlayTypeEnabled:  true,
		OverlayTypeOpacity:  75,
		OverlayTextEnabled:  true,
		OverlayTextOpacity:  50,
	}
}

// LoadOverlaySettings reads a YAML settings file on top of the defaults.
// Returns an os.ErrNotExist-wrapped error if the file is absent.
func LoadOverlaySettings(path string) (OverlaySettings, error) {
	cfg := DefaultOverlaySettings()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("overlay settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultOverlaySettings(), fmt.Errorf("overlay settings: %w", err)
	}
	for name, v := range map[string]int{
		"overlayClickOpacity": cfg.OverlayClickOpacity,
		"overlayTypeOpacity":  cfg.OverlayTypeOpacity,
		"overlayTextOpacity":  cfg.OverlayTextOpacity,
	} {
		if v < 0 || v > 100 {
			return DefaultOverlaySettings(), fmt.Errorf("overlay settings: %s must be within 0..100, got %d", name, v)
		}
	}
	return cfg, nil
}

// OverlayFile serves settings from a YAML file, re-read on every call so that
// edits take effect without a restart.
type OverlayFile struct {
	Path string
}

// OverlaySettings returns the file's settings as JSON. A missing file yields the defaults.
func (f OverlayFile) OverlaySettings(context.Context) (json.RawMessage, error) {
	settings := DefaultOverlaySettings()
	if f.Path != "" {
		loaded, err := LoadOverlaySettings(f.Path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err == nil {
			settings = loaded
		}
	}
	return json.Marshal(settings)
}
