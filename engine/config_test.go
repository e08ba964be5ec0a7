package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bibin-skaria/remaster/internal/types"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `source_image: /images/source.iso
output_image: /images/out.iso
spec:
  payload_dir: payload
  mutations:
    - op: inject
      path: etc/hostname
      source: hostname.txt
`
	path := filepath.Join(dir, "remaster.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.ContainerDir != "live" {
		t.Errorf("Expected default container dir live, got %s", config.ContainerDir)
	}
	if config.Format != "squashfs" {
		t.Errorf("Expected default format squashfs, got %s", config.Format)
	}
	if config.Strategy != types.StrategyCollapse {
		t.Errorf("Expected default strategy collapse, got %s", config.Strategy)
	}
	if config.MergedName != "rootfs" {
		t.Errorf("Expected default merged name rootfs, got %s", config.MergedName)
	}
	if len(config.BootConfig.Paths) != 2 {
		t.Errorf("Expected default boot config paths, got %v", config.BootConfig.Paths)
	}

	// A relative payload dir resolves against the config file's location.
	want := filepath.Join(dir, "payload")
	if config.Spec.PayloadDir != want {
		t.Errorf("Payload dir is %s, want %s", config.Spec.PayloadDir, want)
	}
}

func TestLoadConfigRejectsIncompleteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remaster.yaml")
	if err := os.WriteFile(path, []byte("source_image: /images/source.iso\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("Expected an error for a config without an output image")
	}
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remaster.yaml")
	if err := os.WriteFile(path, []byte(":\n  - not yaml"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("Expected an error for malformed YAML")
	}
}

func TestConfigValidateRejectsDuplicateLayers(t *testing.T) {
	config := &types.RemasterConfig{
		SourceImage: "/images/source.iso",
		OutputImage: "/images/out.iso",
		Layers:      []string{"base", "base"},
	}
	config.ApplyDefaults()
	if err := config.Validate(); err == nil {
		t.Errorf("Expected an error for duplicate layer IDs")
	}
}
