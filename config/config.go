// Package config loads the promptchaind server configuration from a JSON
// file with environment variable substitution. A .env file in the working
// directory is honored via godotenv before references are resolved.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Provider ProviderConfig `json:"provider"`
	Database DatabaseConfig `json:"database"`
	Defaults DefaultsConfig `json:"defaults"`
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// ProviderConfig selects and parameterizes the capability provider.
type ProviderConfig struct {
	// Type is one of "mock", "anthropic", "openai".
	Type   string `json:"type"`
	APIKey string `json:"api_key,omitempty"`
	// StandardModel and LiteModel override the provider's model mapping.
	StandardModel string `json:"standard_model,omitempty"`
	LiteModel     string `json:"lite_model,omitempty"`
}

// DatabaseConfig locates the durable store.
type DatabaseConfig struct {
	// SQLitePath is the database file; empty selects the in-memory store.
	SQLitePath string `json:"sqlite_path"`
}

// DefaultsConfig carries engine-wide run policy defaults.
type DefaultsConfig struct {
	TimeoutMs        int    `json:"timeout_ms"`
	FallbackStrategy string `json:"fallback_strategy"`
	MaxRetries       int    `json:"max_retries"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable
// references. Environment values from a local .env file are loaded first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns the configuration used when no config file is supplied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Provider.Type == "" {
		c.Provider.Type = "mock"
	}
	if c.Defaults.TimeoutMs == 0 {
		c.Defaults.TimeoutMs = 30000
	}
	if c.Defaults.FallbackStrategy == "" {
		c.Defaults.FallbackStrategy = "retry"
	}
	if c.Defaults.MaxRetries == 0 {
		c.Defaults.MaxRetries = 2
	}
}
