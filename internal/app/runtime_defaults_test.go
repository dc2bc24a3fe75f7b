package app

import (
	"strings"
	"testing"
)

func TestApplyRuntimeDefaultsDerivesMissingSettings(t *testing.T) {
	cfg := &Config{}
	cfg.Origin.BaseURL = "http://origin.internal:3000"

	generated, err := ApplyRuntimeDefaults(cfg, "1.4.0")
	if err != nil {
		t.Fatalf("ApplyRuntimeDefaults returned error: %v", err)
	}

	if cfg.Cache.Version != "1.4.0" {
		t.Fatalf("expected cache version from build, got %q", cfg.Cache.Version)
	}
	if cfg.Remote.BaseURL != "http://origin.internal:3000" {
		t.Fatalf("expected remote to default to origin, got %q", cfg.Remote.BaseURL)
	}
	if !generated["cache.version"] || !generated["remote.base_url"] {
		t.Fatalf("expected generated map to include derived keys: %#v", generated)
	}
}

func TestApplyRuntimeDefaultsDevBuildGetsFreshVersion(t *testing.T) {
	cfg := &Config{}

	if _, err := ApplyRuntimeDefaults(cfg, "dev"); err != nil {
		t.Fatalf("ApplyRuntimeDefaults returned error: %v", err)
	}

	if !strings.HasPrefix(cfg.Cache.Version, "dev-") || len(cfg.Cache.Version) != len("dev-")+2*devVersionBytes {
		t.Fatalf("unexpected dev cache version %q", cfg.Cache.Version)
	}
}

func TestApplyRuntimeDefaultsPreservesExplicitSettings(t *testing.T) {
	cfg := &Config{}
	cfg.Cache.Version = "2026.10.1"
	cfg.Origin.BaseURL = "http://origin"
	cfg.Remote.BaseURL = "http://api"

	generated, err := ApplyRuntimeDefaults(cfg, "1.4.0")
	if err != nil {
		t.Fatalf("ApplyRuntimeDefaults returned error: %v", err)
	}

	if len(generated) != 0 {
		t.Fatalf("expected nothing derived, got %#v", generated)
	}
	if cfg.Cache.Version != "2026.10.1" || cfg.Remote.BaseURL != "http://api" {
		t.Fatalf("explicit settings were overwritten: %+v", cfg)
	}
}

func TestApplyRuntimeDefaultsNilConfig(t *testing.T) {
	_, err := ApplyRuntimeDefaults(nil, "")
	if err == nil || !strings.Contains(err.Error(), "config is nil") {
		t.Fatalf("expected nil config error, got %v", err)
	}
}

func TestGenerateHexKey(t *testing.T) {
	key, err := generateHexKey(4)
	if err != nil {
		t.Fatalf("generateHexKey returned error: %v", err)
	}
	if len(key) != 8 {
		t.Fatalf("expected encoded length 8, got %d", len(key))
	}

	if _, err = generateHexKey(0); err == nil {
		t.Fatal("expected error when length <= 0")
	}
}
