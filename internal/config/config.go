// Package config loads the daemon configuration: built-in defaults,
// overlaid by an optional YAML file, overlaid by environment variables.
// The result is immutable for the process lifetime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces the daemon's environment overrides
// (e.g. CODERELAY_ADDR, CODERELAY_AGENT_COMMAND).
const envPrefix = "CODERELAY_"

// AgentConfig describes the upstream app-server subprocess.
type AgentConfig struct {
	Command string        `koanf:"command"`
	Args    []string      `koanf:"args"`
	Cwd     string        `koanf:"cwd"`
	Timeout time.Duration `koanf:"timeout"`
}

// Config holds the daemon's runtime configuration.
type Config struct {
	Addr      string        `koanf:"addr"`
	Token     string        `koanf:"token"`
	DBPath    string        `koanf:"dbpath"`
	Retention int           `koanf:"retention"`
	TTL       time.Duration `koanf:"ttl"`
	Queue     int           `koanf:"queue"`
	LogLevel  string        `koanf:"loglevel"`
	Agent     AgentConfig   `koanf:"agent"`
}

func defaults() map[string]any {
	return map[string]any{
		"addr":          ":8787",
		"token":         "",
		"dbpath":        filepath.Join(defaultDataDir(), "coderelay.db"),
		"retention":     2000,
		"ttl":           "24h",
		"queue":         256,
		"loglevel":      "info",
		"agent.command": "",
		"agent.cwd":     "",
		"agent.timeout": "30s",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "coderelay")
	}
	return filepath.Join(home, ".config", "coderelay")
}

// Load builds the configuration: defaults → optional YAML file →
// CODERELAY_* environment → legacy environment names (PORT,
// WORKER_TOKEN, WORKER_DB_PATH, WORKER_EVENT_RETENTION).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyLegacyEnv(&cfg)
	return &cfg, nil
}

// applyLegacyEnv honors the worker's original environment names, which
// take precedence over everything else.
func applyLegacyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	if token := os.Getenv("WORKER_TOKEN"); token != "" {
		cfg.Token = token
	}
	if dbPath := os.Getenv("WORKER_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if retention := os.Getenv("WORKER_EVENT_RETENTION"); retention != "" {
		if n, err := strconv.Atoi(retention); err == nil {
			cfg.Retention = n
		}
	}
}

// Validate checks the configuration values and ensures the data
// directory exists.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	if c.Retention < 100 {
		return fmt.Errorf("retention must be at least 100 (got %d)", c.Retention)
	}
	if c.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(c.DBPath), 0o750); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	return nil
}
