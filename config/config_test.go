package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
}

func TestReadConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("localIP: 10.0.0.7\npreferredMSS: 536\nmaxRetries: 3\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if cfg.LocalIP != "10.0.0.7" {
		t.Errorf("LocalIP = %q, want 10.0.0.7", cfg.LocalIP)
	}
	if cfg.PreferredMSS != 536 {
		t.Errorf("PreferredMSS = %d, want 536", cfg.PreferredMSS)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	// untouched field keeps its default
	if cfg.MTU != 1500 {
		t.Errorf("MTU = %d, want default 1500", cfg.MTU)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"tiny mtu", func(c *Config) { c.MTU = 100 }},
		{"oversized mss", func(c *Config) { c.PreferredMSS = c.MTU }},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }},
		{"zero msl", func(c *Config) { c.MslSec = 0 }},
		{"inverted port range", func(c *Config) { c.LocalPortLower = 50000; c.LocalPortUpper = 40000 }},
	}

	for _, tc := range testCases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
