package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("Port = %q, want 8000", cfg.Port)
	}
	if cfg.DockerNetwork != "forgehook" {
		t.Errorf("DockerNetwork = %q", cfg.DockerNetwork)
	}
	if cfg.PortRangeStart != 4001 || cfg.PortRangeEnd != 4999 {
		t.Errorf("port range = %d-%d", cfg.PortRangeStart, cfg.PortRangeEnd)
	}
	if cfg.RegistryRefreshInterval != 5*time.Minute {
		t.Errorf("RegistryRefreshInterval = %v", cfg.RegistryRefreshInterval)
	}
	if cfg.Production() {
		t.Error("default env must not be production")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("FORGEHOOK_ENV", "Production")
	t.Setenv("CONTAINER_HEALTH_INTERVAL", "10s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9100" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if !cfg.Production() {
		t.Error("Production() = false for FORGEHOOK_ENV=Production")
	}
	if cfg.ContainerHealthInterval != 10*time.Second {
		t.Errorf("ContainerHealthInterval = %v", cfg.ContainerHealthInterval)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"inverted port range", "PLUGIN_PORT_RANGE_END", "100"},
		{"bad log level", "LOG_LEVEL", "verbose"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load accepted %s=%s", tt.key, tt.value)
			}
		})
	}
}
