package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential fields so passwords and tokens can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Gateway.Auth.Token = expandEnvVars(cfg.Gateway.Auth.Token)
	cfg.Gateway.Auth.Password = expandEnvVars(cfg.Gateway.Auth.Password)
	cfg.Lease.Password = expandEnvVars(cfg.Lease.Password)
	if cfg.Channels.IRC != nil {
		cfg.Channels.IRC.Password = expandEnvVars(cfg.Channels.IRC.Password)
	}
	for name, p := range cfg.Engine.Providers {
		p.APIKey = expandEnvVars(p.APIKey)
		p.Endpoint = expandEnvVars(p.Endpoint)
		cfg.Engine.Providers[name] = p
	}
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Engine.Model == "" {
		cfg.Engine.Model = "claude"
	}
	if cfg.Engine.MaxTokens == 0 {
		cfg.Engine.MaxTokens = 4096
	}
	if cfg.Engine.AssistantName == "" {
		cfg.Engine.AssistantName = "parley"
	}
	if cfg.Turn.MaxDepth == 0 {
		cfg.Turn.MaxDepth = DefaultMaxDepth
	}
	if cfg.Turn.EngineTimeout == 0 {
		cfg.Turn.EngineTimeout = DefaultEngineTimeout
	}
	if cfg.Turn.ToolTimeout == 0 {
		cfg.Turn.ToolTimeout = DefaultToolTimeout
	}
	if cfg.Turn.DirectiveTag == "" {
		cfg.Turn.DirectiveTag = "tool"
	}
	if cfg.Aggregator.QuietPeriod == 0 {
		cfg.Aggregator.QuietPeriod = DefaultQuietPeriod
	}
	if cfg.Aggregator.MaxWait == 0 {
		cfg.Aggregator.MaxWait = DefaultMaxWait
	}
	if cfg.Aggregator.IdleTTL == 0 {
		cfg.Aggregator.IdleTTL = DefaultIdleTTL
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = DefaultGatewayPort
	}
	if cfg.Gateway.Mode == "" {
		cfg.Gateway.Mode = "local"
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = "loopback"
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = "token"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = "pretty"
	}
	if cfg.Session.Scope == "" {
		cfg.Session.Scope = "per-sender"
	}
	if cfg.Session.Store == "" {
		cfg.Session.Store = "sqlite"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Lease.TTL == 0 {
		cfg.Lease.TTL = DefaultLeaseTTL
	}
	if cfg.Lease.Prefix == "" {
		cfg.Lease.Prefix = "parley:lease:"
	}
	if cfg.Lease.RedisAddr == "" {
		cfg.Lease.RedisAddr = "localhost:6379"
	}
}

// applyEnvOverrides reads PARLEY_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PARLEY_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("PARLEY_GATEWAY_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("PARLEY_ENGINE_MODEL"); v != "" {
		cfg.Engine.Model = v
	}
	if v := os.Getenv("PARLEY_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Turn.MaxDepth = n
		}
	}
	if v := os.Getenv("PARLEY_QUIET_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Aggregator.QuietPeriod = d
		}
	}
	if v := os.Getenv("PARLEY_REDIS_ADDR"); v != "" {
		cfg.Lease.RedisAddr = v
		cfg.Lease.Enabled = true
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		if len(cfg.Engine.Providers) == 0 {
			cfg.Engine.Providers = map[string]ProviderConfig{
				"claude": {Kind: "claude", Model: DefaultClaudeModel},
			}
		}
		for name, p := range cfg.Engine.Providers {
			if p.Kind == "claude" && p.APIKey == "" {
				p.APIKey = v
				cfg.Engine.Providers[name] = p
			}
		}
	}
}

func yamlUnmarshalScalar(s string, out *any) error {
	return yaml.Unmarshal([]byte(s), out)
}
