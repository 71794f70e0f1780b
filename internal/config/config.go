// Package config loads control-plane configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all operator-tunable settings.
type Config struct {
	// Port is the HTTP listen port.
	Port string

	// LogLevel is one of fatal, error, warn, info, debug, trace.
	LogLevel string

	// Env is the deployment environment; "production" disables /status.
	Env string

	// DockerHost is the container engine endpoint. Empty or unix:// selects
	// the local socket; tcp://host:port selects TCP.
	DockerHost string

	// DockerNetwork is the internal network plugin containers join.
	DockerNetwork string

	// StoreDSN selects the Postgres store when set; empty selects the
	// file-backed store at StatePath.
	StoreDSN string

	// StatePath is the file store location (file store only).
	StatePath string

	// PortRangeStart/PortRangeEnd bound host port allocation for container
	// plugins.
	PortRangeStart int
	PortRangeEnd   int

	// StaticDir serves the web UI when non-empty.
	StaticDir string

	// RegistryURL seeds the official marketplace source on first boot.
	// Empty disables seeding.
	RegistryURL string

	// RegistryRefreshInterval is the background catalogue refresh cadence.
	RegistryRefreshInterval time.Duration

	// GatewayHealthInterval is the gateway re-probe cadence.
	GatewayHealthInterval time.Duration

	// ContainerHealthInterval is the container health poll cadence.
	ContainerHealthInterval time.Duration

	// ShutdownGrace bounds in-flight lifecycle transitions at shutdown.
	ShutdownGrace time.Duration

	// JWTSecret signs plugin callback tokens. Generated at boot when empty.
	JWTSecret string
}

// Load reads configuration from the environment, applying documented
// defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                    getEnv("PORT", "8000"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		Env:                     getEnv("FORGEHOOK_ENV", "development"),
		DockerHost:              getEnv("DOCKER_HOST", ""),
		DockerNetwork:           getEnv("DOCKER_NETWORK", "forgehook"),
		StoreDSN:                getEnv("STORE_DSN", ""),
		StatePath:               getEnv("STATE_PATH", "/data/forgehook-state.json"),
		PortRangeStart:          getEnvInt("PLUGIN_PORT_RANGE_START", 4001),
		PortRangeEnd:            getEnvInt("PLUGIN_PORT_RANGE_END", 4999),
		StaticDir:               getEnv("STATIC_DIR", ""),
		RegistryURL:             getEnv("REGISTRY_URL", "https://raw.githubusercontent.com/forgehook/registry/main/registry.json"),
		RegistryRefreshInterval: getEnvDuration("REGISTRY_REFRESH_INTERVAL", 5*time.Minute),
		GatewayHealthInterval:   getEnvDuration("GATEWAY_HEALTH_INTERVAL", 60*time.Second),
		ContainerHealthInterval: getEnvDuration("CONTAINER_HEALTH_INTERVAL", 30*time.Second),
		ShutdownGrace:           getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),
		JWTSecret:               getEnv("JWT_SECRET", ""),
	}

	if cfg.PortRangeStart <= 0 || cfg.PortRangeEnd < cfg.PortRangeStart {
		return nil, fmt.Errorf("invalid plugin port range %d-%d", cfg.PortRangeStart, cfg.PortRangeEnd)
	}
	if !validLogLevel(cfg.LogLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q", cfg.LogLevel)
	}
	return cfg, nil
}

// Production reports whether the server runs in production mode.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

func validLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "fatal", "error", "warn", "info", "debug", "trace":
		return true
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
