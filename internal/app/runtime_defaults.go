package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const devVersionBytes = 4

// ApplyRuntimeDefaults fills settings that are derived from other settings or
// from the build rather than from static defaults. It returns a map describing
// which keys were derived so callers can log the event.
func ApplyRuntimeDefaults(cfg *Config, buildVersion string) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	generated := make(map[string]bool)

	if strings.TrimSpace(cfg.Cache.Version) == "" {
		version := strings.TrimSpace(buildVersion)
		if version == "" || version == "dev" {
			suffix, err := generateHexKey(devVersionBytes)
			if err != nil {
				return nil, fmt.Errorf("generate cache version: %w", err)
			}
			version = "dev-" + suffix
		}
		cfg.Cache.Version = version
		generated["cache.version"] = true
	}

	if strings.TrimSpace(cfg.Remote.BaseURL) == "" {
		cfg.Remote.BaseURL = strings.TrimSpace(cfg.Origin.BaseURL)
		generated["remote.base_url"] = true
	}

	return generated, nil
}

func generateHexKey(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be positive")
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
