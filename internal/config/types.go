package config

import "time"

// Config is the root configuration for parley.
type Config struct {
	Engine     EngineConfig     `yaml:"engine,omitempty"`
	Turn       TurnConfig       `yaml:"turn,omitempty"`
	Aggregator AggregatorConfig `yaml:"aggregator,omitempty"`
	Gateway    GatewayConfig    `yaml:"gateway,omitempty"`
	Channels   ChannelsConfig   `yaml:"channels,omitempty"`
	Session    SessionConfig    `yaml:"session,omitempty"`
	Logging    LoggingConfig    `yaml:"logging,omitempty"`
	Memory     MemoryConfig     `yaml:"memory,omitempty"`
	Metrics    MetricsConfig    `yaml:"metrics,omitempty"`
	Lease      LeaseConfig      `yaml:"lease,omitempty"`
}

// EngineConfig selects the generative engine. Model is resolved against the
// provider names and aliases in Providers; Fallbacks are tried in order on
// retryable failures.
type EngineConfig struct {
	Model         string                    `yaml:"model,omitempty"`
	Fallbacks     []string                  `yaml:"fallbacks,omitempty"`
	MaxTokens     int                       `yaml:"maxTokens,omitempty"`
	Temperature   *float64                  `yaml:"temperature,omitempty"`
	ExtraPrompt   string                    `yaml:"extraPrompt,omitempty"`
	AssistantName string                    `yaml:"assistantName,omitempty"`
	Providers     map[string]ProviderConfig `yaml:"providers,omitempty"`
}

// ProviderConfig describes one engine backend.
type ProviderConfig struct {
	Kind     string   `yaml:"kind"` // "claude" | "ollama"
	Endpoint string   `yaml:"endpoint,omitempty"`
	APIKey   string   `yaml:"apiKey,omitempty"`
	Model    string   `yaml:"model,omitempty"`
	Aliases  []string `yaml:"aliases,omitempty"`
}

// TurnConfig bounds a single turn.
type TurnConfig struct {
	MaxDepth      int           `yaml:"maxDepth,omitempty"`
	EngineTimeout time.Duration `yaml:"engineTimeout,omitempty"`
	ToolTimeout   time.Duration `yaml:"toolTimeout,omitempty"`
	DirectiveTag  string        `yaml:"directiveTag,omitempty"`
}

// AggregatorConfig controls inbound batching.
type AggregatorConfig struct {
	QuietPeriod time.Duration `yaml:"quietPeriod,omitempty"`
	MaxWait     time.Duration `yaml:"maxWait,omitempty"`
	IdleTTL     time.Duration `yaml:"idleTTL,omitempty"`
}

// GatewayConfig controls the gateway HTTP/WebSocket server.
type GatewayConfig struct {
	Enabled        *bool       `yaml:"enabled,omitempty"`
	Port           int         `yaml:"port,omitempty"`
	Mode           string      `yaml:"mode,omitempty"` // "local" | "remote"
	Bind           string      `yaml:"bind,omitempty"` // "auto" | "lan" | "loopback" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	TLS            GatewayTLS  `yaml:"tls,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"` // browser origins accepted for /ws and CORS
}

// GatewayTLS enables TLS on the gateway listener.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// GatewayAuth configures gateway authentication.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "token" | "password"
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// ChannelsConfig defines channel-specific configurations.
type ChannelsConfig struct {
	IRC *IRCConfig `yaml:"irc,omitempty"`
}

// IRCConfig defines IRC channel settings.
type IRCConfig struct {
	Server   string   `yaml:"server"`
	Port     int      `yaml:"port,omitempty"`
	Nick     string   `yaml:"nick"`
	Password string   `yaml:"password,omitempty"`
	Channels []string `yaml:"channels"`
	UseTLS   bool     `yaml:"useTLS,omitempty"`
	SASL     bool     `yaml:"sasl,omitempty"`
	OpOnly   bool     `yaml:"opOnly,omitempty"` // only accept channel messages from operators
	Owner    string   `yaml:"owner,omitempty"`  // only accept messages from this nick
}

// SessionConfig defines how conversations are keyed and stored.
type SessionConfig struct {
	Scope string `yaml:"scope,omitempty"` // "per-sender" | "per-chat"
	Store string `yaml:"store,omitempty"` // "sqlite" | "memory"
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}

// MemoryConfig configures the note store used by remember/recall.
type MemoryConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint on the gateway.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// LeaseConfig configures the cross-process conversation lease.
type LeaseConfig struct {
	Enabled   bool          `yaml:"enabled,omitempty"`
	RedisAddr string        `yaml:"redisAddr,omitempty"`
	Password  string        `yaml:"password,omitempty"`
	DB        int           `yaml:"db,omitempty"`
	TTL       time.Duration `yaml:"ttl,omitempty"`
	Prefix    string        `yaml:"prefix,omitempty"`
}

// GatewayEnabled reports whether the gateway should run; it defaults to on.
func (c *Config) GatewayEnabled() bool {
	return c.Gateway.Enabled == nil || *c.Gateway.Enabled
}
