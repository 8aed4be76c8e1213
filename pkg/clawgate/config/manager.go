package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/joho/godotenv"
)

// Manager holds the current configuration snapshot. Readers get an
// immutable pointer; Reload swaps it only when the new document is valid.
type Manager struct {
	primary string
	legacy  string

	mu      sync.Mutex
	current atomic.Pointer[Config]
	logger  *slog.Logger
}

// NewManager loads the configuration once.
func NewManager(primary, legacy string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(primary, legacy)
	if err != nil {
		return nil, err
	}
	m := &Manager{primary: primary, legacy: legacy, logger: logger.With("component", "config")}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the active snapshot. Callers must not modify it.
func (m *Manager) Current() *Config { return m.current.Load() }

// Paths returns the primary and legacy file paths.
func (m *Manager) Paths() (primary, legacy string) { return m.primary, m.legacy }

// Reload re-reads .env files, overriding the process environment, and
// re-runs the merge. On failure the previous snapshot stays active.
func (m *Manager) Reload() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range []string{".env", ".env.local"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Overload(name); err != nil {
			return m.current.Load(), fmt.Errorf("reloading %s: %w", name, err)
		}
	}
	cfg, err := Load(m.primary, m.legacy)
	if err != nil {
		m.logger.Warn("config reload failed, keeping previous snapshot", "error", err)
		return m.current.Load(), err
	}
	m.current.Store(cfg)
	m.logger.Info("config reloaded", "path", m.primary)
	return cfg, nil
}
