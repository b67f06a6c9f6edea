package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such-file.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *cfg != *Default() {
		t.Errorf("Missing file did not yield defaults: %+v", cfg)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
api:
  endpoint: https://api.example.com/v2
chain:
  block_generation_time_sec: 5
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.API.Endpoint != "https://api.example.com/v2" {
		t.Errorf("Endpoint override not applied: %s", cfg.API.Endpoint)
	}
	if cfg.Chain.BlockGenerationTimeSec != 5 {
		t.Errorf("Block time override not applied: %d", cfg.Chain.BlockGenerationTimeSec)
	}

	// Untouched sections keep their defaults
	if cfg.API.SignatureKind != "OST1-PS" {
		t.Errorf("Signature kind default lost: %s", cfg.API.SignatureKind)
	}
	if cfg.Recovery.ScryptN != 1<<14 {
		t.Errorf("Scrypt default lost: %d", cfg.Recovery.ScryptN)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("api: [not a mapping"), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Malformed YAML accepted")
	}
}
