// Package config – config.go defines the gateway configuration and its
// defaults. Every section reuses the Config type of the package it drives.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/agent"
	"github.com/jholhewres/clawgate/pkg/clawgate/audit"
	"github.com/jholhewres/clawgate/pkg/clawgate/bus"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/discord"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/telegram"
	"github.com/jholhewres/clawgate/pkg/clawgate/health"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
	"github.com/jholhewres/clawgate/pkg/clawgate/scheduler"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

// ErrInvalid is wrapped by every validation and expansion failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all gateway configuration.
type Config struct {
	Agent     agent.Config                       `yaml:"agent"`
	Providers map[string]provider.ProviderConfig `yaml:"providers"`
	Channels  ChannelsConfig                     `yaml:"channels"`
	Runtime   RuntimeConfig                      `yaml:"runtime"`
	Tools     tools.Config                       `yaml:"tools"`
	Scheduler scheduler.Config                   `yaml:"scheduler"`
	Heartbeat scheduler.HeartbeatConfig          `yaml:"heartbeat"`
	Health    health.Config                      `yaml:"health"`
	Logging   LoggingConfig                      `yaml:"logging"`
	Audit     audit.Config                       `yaml:"audit"`
	State     StateConfig                        `yaml:"state"`
}

// ChannelsConfig configures the chat platforms.
type ChannelsConfig struct {
	Discord  discord.Config       `yaml:"discord"`
	Telegram telegram.Config      `yaml:"telegram"`
	Retry    channels.RetryConfig `yaml:"retry"`
}

// RuntimeConfig sizes the worker pools and the bus.
type RuntimeConfig struct {
	// Workers bounds concurrent turns.
	Workers int `yaml:"workers"`

	// BlockingWorkers bounds concurrent tool executions.
	BlockingWorkers int `yaml:"blocking_workers"`

	// ProviderTimeoutSeconds bounds one provider request.
	ProviderTimeoutSeconds int `yaml:"provider_timeout_seconds"`

	// BusCapacity is the size of the inbound and outbound queues.
	BusCapacity int `yaml:"bus_capacity"`
}

// ProviderTimeout returns the provider timeout as a duration.
func (r RuntimeConfig) ProviderTimeout() time.Duration {
	return time.Duration(r.ProviderTimeoutSeconds) * time.Second
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// StateConfig locates persisted state.
type StateConfig struct {
	Dir string `yaml:"dir"`
}

// SessionsDir is where transcripts live.
func (s StateConfig) SessionsDir() string { return filepath.Join(s.Dir, "sessions") }

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Agent:     agent.DefaultConfig(),
		Providers: map[string]provider.ProviderConfig{},
		Channels: ChannelsConfig{
			Telegram: telegram.DefaultConfig(),
			Retry:    channels.DefaultRetryConfig(),
		},
		Runtime: RuntimeConfig{
			Workers:                agent.DefaultWorkers,
			BlockingWorkers:        tools.DefaultBlockingWorkers,
			ProviderTimeoutSeconds: int(provider.DefaultTimeout.Seconds()),
			BusCapacity:            bus.DefaultCapacity,
		},
		Tools:     tools.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Heartbeat: scheduler.DefaultHeartbeatConfig(),
		Health:    health.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Audit:     audit.Config{Path: "./data/audit.db"},
		State:     StateConfig{Dir: "./data"},
	}
}

// RouterConfig assembles the provider router configuration.
func (c *Config) RouterConfig() provider.Config {
	return provider.Config{
		Default:   c.Agent.Provider,
		Providers: c.Providers,
		Fallbacks: c.Agent.FallbackProviders,
		Timeout:   c.Runtime.ProviderTimeout(),
	}
}

// ProviderProblems lists provider entries, defaults and fallbacks the
// router will disable or drop.
func (c *Config) ProviderProblems() []string {
	return provider.ConfigProblems(c.RouterConfig())
}

// Validate checks cross-field constraints. Problems are joined into one
// error wrapping ErrInvalid. Problems confined to one provider or channel
// are not errors here: the runtime disables that provider or channel alone
// and ProviderProblems lists them.
func (c *Config) Validate() error {
	var problems []string

	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		problems = append(problems, "agent.temperature must be between 0 and 2")
	}
	if c.Runtime.Workers < 1 {
		problems = append(problems, "runtime.workers must be at least 1")
	}
	if c.Runtime.BlockingWorkers < 1 {
		problems = append(problems, "runtime.blocking_workers must be at least 1")
	}
	if c.Runtime.ProviderTimeoutSeconds < 1 {
		problems = append(problems, "runtime.provider_timeout_seconds must be at least 1")
	}
	if c.Runtime.BusCapacity < 1 {
		problems = append(problems, "runtime.bus_capacity must be at least 1")
	}
	if c.Health.Enabled {
		if _, _, err := net.SplitHostPort(c.Health.Address); err != nil {
			problems = append(problems, fmt.Sprintf("health.address %q: %v", c.Health.Address, err))
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is unknown", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not text or json", c.Logging.Format))
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		problems = append(problems, "audit.path is required when audit is enabled")
	}
	if c.State.Dir == "" {
		problems = append(problems, "state.dir is required")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}
