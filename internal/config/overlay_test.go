package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverlaySettingsMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	if err := os.WriteFile(path, []byte("overlayClickEnabled: false\noverlayTextOpacity: 20\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := LoadOverlaySettings(path)
	if err != nil {
		t.Fatalf("LoadOverlaySettings() error: %v", err)
	}
	want := DefaultOverlaySettings()
	want.OverlayClickEnabled = false
	want.OverlayTextOpacity = 20
	if got != want {
		t.Fatalf("settings = %+v; want %+v", got, want)
	}
}

func TestLoadOverlaySettingsValidatesOpacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	if err := os.WriteFile(path, []byte("overlayTypeOpacity: 140\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadOverlaySettings(path); err == nil {
		t.Fatal("LoadOverlaySettings() succeeded; want opacity error")
	}
}

func TestLoadOverlaySettingsMissingFile(t *testing.T) {
	_, err := LoadOverlaySettings(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("error = %v; want os.ErrNotExist", err)
	}
}

func TestOverlayFileDefaultsWhenAbsent(t *testing.T) {
	raw, err := OverlayFile{Path: filepath.Join(t.TempDir(), "absent.yaml")}.OverlaySettings(context.Background())
	if err != nil {
		t.Fatalf("OverlaySettings() error: %v", err)
	}
	var got OverlaySettings
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != DefaultOverlaySettings() {
		t.Fatalf("settings = %+v; want defaults", got)
	}
	if !json.Valid(raw) || string(raw) == "" {
		t.Fatalf("raw = %s; want JSON", raw)
	}
}
