// Package config loads bloom.config.yaml through viper. Unknown keys are
// warned about and ignored; recognized keys and defaults follow the
// orchestrator's configuration surface.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileName is the config file under the bloom dir.
const FileName = "bloom.config.yaml"

// Defaults.
const (
	DefaultMaxParallelAgents = 8
	DefaultMaxAttempts       = 3
	DefaultPollIntervalMs    = 2000
	DefaultHardKillGraceMs   = 5000
)

// AgentConfig holds per-agent overrides keyed by agent name.
type AgentConfig struct {
	Model               string            `mapstructure:"model"`
	TimeoutMs           int               `mapstructure:"timeoutMs"`
	HeartbeatIntervalMs int               `mapstructure:"heartbeatIntervalMs"`
	Env                 map[string]string `mapstructure:"env"`
}

// Config is the recognized configuration surface.
type Config struct {
	MaxParallelAgents int                    `mapstructure:"maxParallelAgents"`
	DefaultAgent      string                 `mapstructure:"defaultAgent"`
	MaxAttempts       int                    `mapstructure:"maxAttempts"`
	PollIntervalMs    int                    `mapstructure:"pollIntervalMs"`
	HardKillGraceMs   int                    `mapstructure:"hardKillGraceMs"`
	Agents            map[string]AgentConfig `mapstructure:"agent"`
}

// recognizedTopLevel lists the keys Load accepts without warning.
var recognizedTopLevel = map[string]bool{
	"maxparallelagents": true,
	"defaultagent":      true,
	"maxattempts":       true,
	"pollintervalms":    true,
	"hardkillgracems":   true,
	"agent":             true,
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		MaxParallelAgents: DefaultMaxParallelAgents,
		MaxAttempts:       DefaultMaxAttempts,
		PollIntervalMs:    DefaultPollIntervalMs,
		HardKillGraceMs:   DefaultHardKillGraceMs,
		Agents:            make(map[string]AgentConfig),
	}
}

// Load reads bloom.config.yaml from bloomDir. A missing file yields the
// defaults; a malformed file is an error.
func Load(bloomDir string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := Default()

	path := filepath.Join(bloomDir, FileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("maxParallelAgents", DefaultMaxParallelAgents)
	v.SetDefault("maxAttempts", DefaultMaxAttempts)
	v.SetDefault("pollIntervalMs", DefaultPollIntervalMs)
	v.SetDefault("hardKillGraceMs", DefaultHardKillGraceMs)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	for _, key := range v.AllKeys() {
		top := key
		if i := strings.Index(key, "."); i >= 0 {
			top = key[:i]
		}
		if !recognizedTopLevel[strings.ToLower(top)] {
			logger.Warn("ignoring unknown config key", zap.String("key", key))
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if cfg.Agents == nil {
		cfg.Agents = make(map[string]AgentConfig)
	}
	// viper lowercases map keys; restore env variable names as written.
	var raw struct {
		Agent map[string]struct {
			Env map[string]string `yaml:"env"`
		} `yaml:"agent"`
	}
	if data, err := os.ReadFile(path); err == nil && yaml.Unmarshal(data, &raw) == nil {
		for name, a := range raw.Agent {
			if ac, ok := cfg.Agents[strings.ToLower(name)]; ok && a.Env != nil {
				ac.Env = a.Env
				cfg.Agents[strings.ToLower(name)] = ac
			}
		}
	}
	if cfg.MaxParallelAgents <= 0 {
		cfg.MaxParallelAgents = DefaultMaxParallelAgents
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return cfg, nil
}

// Agent returns the overrides for the named agent (zero value when unset).
func (c *Config) Agent(name string) AgentConfig {
	return c.Agents[name]
}

// PollInterval returns the scheduler wake deadline.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// HardKillGrace returns the cancellation escalation window.
func (c *Config) HardKillGrace() time.Duration {
	return time.Duration(c.HardKillGraceMs) * time.Millisecond
}

// ActivityTimeout returns the per-agent activity timeout, zero when unset.
func (a AgentConfig) ActivityTimeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns the per-agent heartbeat interval, zero when unset.
func (a AgentConfig) HeartbeatInterval() time.Duration {
	return time.Duration(a.HeartbeatIntervalMs) * time.Millisecond
}
