// Package config – loader.go reads the YAML config and the legacy JSON5
// config, merges them, expands environment references and validates.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/joho/godotenv"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

// ErrNothingToMigrate is returned by Migrate when no legacy file exists.
var ErrNothingToMigrate = errors.New("no legacy configuration to migrate")

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// DefaultPath returns ~/.clawgate/config.yaml.
func DefaultPath() string {
	return filepath.Join(homeDir(), ".clawgate", "config.yaml")
}

// DefaultLegacyPath returns ~/.picors/config.json.
func DefaultLegacyPath() string {
	return filepath.Join(homeDir(), ".picors", "config.json")
}

func homeDir() string {
	if h := strings.TrimSpace(os.Getenv("CLAWGATE_HOME")); h != "" {
		return h
	}
	h, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return h
}

// FindConfigFile returns the first existing config file among the usual
// locations, or "" when there is none.
func FindConfigFile() string {
	for _, p := range []string{"clawgate.yaml", "config.yaml", filepath.Join("configs", "clawgate.yaml"), DefaultPath()} {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// LoadEnvFiles loads .env and .env.local from the working directory.
// Variables already set in the process environment win.
func LoadEnvFiles() error {
	for _, name := range []string{".env", ".env.local"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("loading %s: %w", name, err)
		}
	}
	return nil
}

// Load reads primary (YAML) and legacy (JSON5), deep-merges them with the
// primary winning, expands environment references, decodes the result on
// top of DefaultConfig and validates it. Missing files are skipped; with
// neither present the defaults are returned.
func Load(primary, legacy string) (*Config, error) {
	raw, err := mergedDocument(primary, legacy)
	if err != nil {
		return nil, err
	}
	expanded, err := expandTree(raw)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(expanded.(map[string]any))
	if err != nil {
		return nil, err
	}
	cfg.expandHome()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Migrate writes the merged primary and legacy documents to primary. The
// previous primary, if any, is kept as primary+".bak". Environment
// references are written unexpanded.
func Migrate(primary, legacy string) error {
	legacyRaw, found, err := readLegacy(legacy)
	if err != nil {
		return err
	}
	if !found {
		return ErrNothingToMigrate
	}
	primaryRaw, _, err := readPrimary(primary)
	if err != nil {
		return err
	}
	merged := mergeMaps(legacyRaw, primaryRaw)

	expanded, err := expandTree(merged)
	if err != nil {
		return err
	}
	cfg, err := decode(expanded.(map[string]any))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding migrated config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(primary), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if old, err := os.ReadFile(primary); err == nil {
		if err := store.WriteFileAtomic(primary+".bak", old, 0o600); err != nil {
			return err
		}
	}
	return store.WriteFileAtomic(primary, data, 0o600)
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func mergedDocument(primary, legacy string) (map[string]any, error) {
	legacyRaw, _, err := readLegacy(legacy)
	if err != nil {
		return nil, err
	}
	primaryRaw, _, err := readPrimary(primary)
	if err != nil {
		return nil, err
	}
	return mergeMaps(legacyRaw, primaryRaw), nil
}

func readPrimary(path string) (map[string]any, bool, error) {
	if path == "" {
		return map[string]any{}, false, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading config: %w", err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, false, fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, true, nil
}

func readLegacy(path string) (map[string]any, bool, error) {
	if path == "" {
		return map[string]any{}, false, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading legacy config: %w", err)
	}
	var raw map[string]any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, false, fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
	}
	normalized, _ := normalizeKeys(raw).(map[string]any)
	if normalized == nil {
		normalized = map[string]any{}
	}
	return translateLegacy(normalized), true, nil
}

// normalizeKeys rewrites camelCase keys to snake_case, drops nulls and
// turns integral JSON numbers into ints.
func normalizeKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			out[camelToSnake(k)] = normalizeKeys(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeKeys(val)
		}
		return out
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	default:
		return v
	}
}

func camelToSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// translateLegacy maps the legacy layout onto the current sections:
// agents.defaults becomes agent, gateway host and port become
// health.address and heartbeat.interval becomes interval_minutes.
func translateLegacy(raw map[string]any) map[string]any {
	if agents, ok := raw["agents"].(map[string]any); ok {
		if defaults, ok := agents["defaults"].(map[string]any); ok {
			current, _ := raw["agent"].(map[string]any)
			raw["agent"] = mergeMaps(defaults, current)
		}
		delete(raw, "agents")
	}
	if gw, ok := raw["gateway"].(map[string]any); ok {
		host, _ := gw["host"].(string)
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		if port, ok := gw["port"]; ok {
			h, _ := raw["health"].(map[string]any)
			if h == nil {
				h = map[string]any{}
			}
			if _, set := h["address"]; !set {
				h["address"] = fmt.Sprintf("%s:%v", host, port)
			}
			raw["health"] = h
		}
		delete(raw, "gateway")
	}
	if hb, ok := raw["heartbeat"].(map[string]any); ok {
		if v, ok := hb["interval"]; ok {
			if _, set := hb["interval_minutes"]; !set {
				hb["interval_minutes"] = v
			}
			delete(hb, "interval")
		}
	}
	if providers, ok := raw["providers"].(map[string]any); ok {
		for name, p := range providers {
			if m, ok := p.(map[string]any); !ok || len(m) == 0 {
				delete(providers, name)
			}
		}
	}
	delete(raw, "devices")
	return raw
}

// mergeMaps returns base overlaid with over. Nested maps merge
// recursively; any other value in over replaces the one in base.
func mergeMaps(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		if om, ok := v.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = mergeMaps(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func expandTree(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			e, err := expandTree(val)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = e
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			e, err := expandTree(val)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case string:
		return expandEnv(t)
	default:
		return v, nil
	}
}

// expandEnv substitutes environment references in s. ${VAR:?msg} fails
// when VAR is unset or empty.
func expandEnv(s string) (string, error) {
	var firstErr error
	out := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		if m[4] != "" {
			return os.Getenv(m[4])
		}
		name, op, arg := m[1], m[2], m[3]
		val, set := os.LookupEnv(name)
		switch op {
		case "-":
			if !set || val == "" {
				return arg
			}
		case "?":
			if (!set || val == "") && firstErr == nil {
				if arg == "" {
					arg = "is required"
				}
				firstErr = fmt.Errorf("%w: ${%s} %s", ErrInvalid, name, arg)
			}
		}
		return val
	})
	return out, firstErr
}

// IsEnvReference reports whether s is a single ${VAR} or $VAR reference.
func IsEnvReference(s string) bool {
	s = strings.TrimSpace(s)
	loc := envVarPattern.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

func decode(raw map[string]any) (*Config, error) {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encoding config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}

func (c *Config) expandHome() {
	for _, p := range []*string{&c.Agent.Workspace, &c.State.Dir, &c.Audit.Path, &c.Scheduler.JobsPath} {
		*p = expandHomePath(*p)
	}
}

func expandHomePath(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	h, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(h, strings.TrimPrefix(p, "~"))
}
