package config

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

const (
	DefaultGatewayPort   = 18790
	DefaultMaxDepth      = 4
	DefaultEngineTimeout = 2 * time.Minute
	DefaultToolTimeout   = 30 * time.Second
	DefaultQuietPeriod   = 1500 * time.Millisecond
	DefaultMaxWait       = 10 * time.Second
	DefaultIdleTTL       = 30 * time.Minute
	DefaultLeaseTTL      = 3 * time.Minute
	DefaultClaudeModel   = "claude-sonnet-4-5"
)

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	cfg := Config{
		Engine: EngineConfig{
			Model:     "claude",
			MaxTokens: 4096,
		},
		Gateway: GatewayConfig{
			Mode: "local",
			Bind: "loopback",
			Auth: GatewayAuth{Mode: "token"},
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
		Session: SessionConfig{
			Scope: "per-sender",
			Store: "sqlite",
		},
		Memory:  MemoryConfig{Enabled: true},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	applyDefaults(&cfg)
	return cfg
}
