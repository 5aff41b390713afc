package config

import (
	"fmt"
	"slices"
	"sort"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	// Engine
	names := make([]string, 0, len(cfg.Engine.Providers))
	for name := range cfg.Engine.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	validKinds := []string{"claude", "ollama"}
	for _, name := range names {
		p := cfg.Engine.Providers[name]
		path := "engine.providers." + name
		if !slices.Contains(validKinds, p.Kind) {
			add(path+".kind", "must be one of %v, got %q", validKinds, p.Kind)
			continue
		}
		if p.Kind == "claude" && p.APIKey == "" {
			add(path+".apiKey", "required for claude providers")
		}
		if p.Model == "" {
			add(path+".model", "model is required")
		}
	}
	if cfg.Engine.MaxTokens < 0 {
		add("engine.maxTokens", "must not be negative, got %d", cfg.Engine.MaxTokens)
	}
	if t := cfg.Engine.Temperature; t != nil && (*t < 0 || *t > 2) {
		add("engine.temperature", "must be between 0 and 2, got %g", *t)
	}

	// Turn
	if cfg.Turn.MaxDepth < 1 {
		add("turn.maxDepth", "must be at least 1, got %d", cfg.Turn.MaxDepth)
	}
	if cfg.Turn.EngineTimeout < 0 {
		add("turn.engineTimeout", "must not be negative")
	}
	if cfg.Turn.ToolTimeout < 0 {
		add("turn.toolTimeout", "must not be negative")
	}

	// Aggregator
	if cfg.Aggregator.QuietPeriod < 0 {
		add("aggregator.quietPeriod", "must not be negative")
	}
	if cfg.Aggregator.MaxWait > 0 && cfg.Aggregator.MaxWait < cfg.Aggregator.QuietPeriod {
		add("aggregator.maxWait", "must be at least quietPeriod (%s), got %s", cfg.Aggregator.QuietPeriod, cfg.Aggregator.MaxWait)
	}

	// Gateway
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}
	validModes := []string{"local", "remote"}
	if cfg.Gateway.Mode != "" && !slices.Contains(validModes, cfg.Gateway.Mode) {
		add("gateway.mode", "must be one of %v, got %q", validModes, cfg.Gateway.Mode)
	}
	validBinds := []string{"auto", "lan", "loopback", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		add("gateway.bind", "must be one of %v, got %q", validBinds, cfg.Gateway.Bind)
	}
	if cfg.Gateway.Bind == "custom" && cfg.Gateway.CustomBindHost == "" {
		add("gateway.customBindHost", "required when bind is custom")
	}
	validAuthModes := []string{"token", "password"}
	if cfg.Gateway.Auth.Mode != "" && !slices.Contains(validAuthModes, cfg.Gateway.Auth.Mode) {
		add("gateway.auth.mode", "must be one of %v, got %q", validAuthModes, cfg.Gateway.Auth.Mode)
	}
	if cfg.Gateway.TLS.Enabled && (cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "") {
		add("gateway.tls", "certPath and keyPath are required when tls is enabled")
	}

	// Logging
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		add("logging.level", "must be one of %v, got %q", validLogLevels, cfg.Logging.Level)
	}
	validConsoleStyles := []string{"pretty", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		add("logging.consoleStyle", "must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle)
	}

	// Session
	validScopes := []string{"per-sender", "per-chat"}
	if cfg.Session.Scope != "" && !slices.Contains(validScopes, cfg.Session.Scope) {
		add("session.scope", "must be one of %v, got %q", validScopes, cfg.Session.Scope)
	}
	validStores := []string{"sqlite", "memory"}
	if cfg.Session.Store != "" && !slices.Contains(validStores, cfg.Session.Store) {
		add("session.store", "must be one of %v, got %q", validStores, cfg.Session.Store)
	}

	// IRC (only if configured)
	if irc := cfg.Channels.IRC; irc != nil {
		if irc.Server == "" {
			add("channels.irc.server", "server is required")
		}
		if irc.Nick == "" {
			add("channels.irc.nick", "nick is required")
		}
		if irc.Port < 0 || irc.Port > 65535 {
			add("channels.irc.port", "port must be 0-65535, got %d", irc.Port)
		}
		if irc.SASL && irc.Password == "" {
			add("channels.irc.sasl", "SASL requires a password to be set")
		}
	}

	// Lease
	if cfg.Lease.Enabled {
		if cfg.Lease.RedisAddr == "" {
			add("lease.redisAddr", "required when lease is enabled")
		}
		if cfg.Lease.TTL > 0 && cfg.Lease.TTL < cfg.Turn.EngineTimeout {
			add("lease.ttl", "must be at least turn.engineTimeout (%s), got %s", cfg.Turn.EngineTimeout, cfg.Lease.TTL)
		}
	}

	return issues
}
