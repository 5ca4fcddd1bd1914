// ABOUTME: Tests for configuration defaults and yaml file loading
// ABOUTME: Uses temp files, never touches the real search paths
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Port != 8937 {
		t.Errorf("Port = %d, want 8937", cfg.Port)
	}
	if cfg.RenderTool != "aplay" || cfg.CaptureTool != "arecord" {
		t.Errorf("tools = %q/%q, want aplay/arecord", cfg.RenderTool, cfg.CaptureTool)
	}
	if !cfg.EnableMDNS {
		t.Error("EnableMDNS = false, want true")
	}
	if cfg.DrainIntervalMs != 200 || cfg.SafetyMarginMs != 150 || cfg.CloseGraceMs != 100 {
		t.Errorf("timing = %d/%d/%d, want 200/150/100",
			cfg.DrainIntervalMs, cfg.SafetyMarginMs, cfg.CloseGraceMs)
	}
	if !strings.HasSuffix(cfg.Name, "-pipecast") && cfg.Name != "pipecast" {
		t.Errorf("Name = %q, want hostname-derived default", cfg.Name)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipecast.yaml")
	content := `
port: 9001
name: living-room
render_tool: /usr/local/bin/aplay
use_tui: true
safety_margin_ms: 300
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9001 {
		t.Errorf("Port = %d, want 9001", cfg.Port)
	}
	if cfg.Name != "living-room" {
		t.Errorf("Name = %q, want living-room", cfg.Name)
	}
	if cfg.RenderTool != "/usr/local/bin/aplay" {
		t.Errorf("RenderTool = %q", cfg.RenderTool)
	}
	if !cfg.UseTUI {
		t.Error("UseTUI = false, want true")
	}
	if cfg.SafetyMarginMs != 300 {
		t.Errorf("SafetyMarginMs = %d, want 300", cfg.SafetyMarginMs)
	}

	// Unset keys keep their defaults.
	if cfg.CaptureTool != "arecord" {
		t.Errorf("CaptureTool = %q, want arecord default", cfg.CaptureTool)
	}
	if cfg.DrainIntervalMs != 200 {
		t.Errorf("DrainIntervalMs = %d, want 200 default", cfg.DrainIntervalMs)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}
}
