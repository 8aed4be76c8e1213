package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

const legacyDoc = `{
  // written by the previous tool
  "agents": {"defaults": {"model": "gpt-4o-mini", "maxToolIterations": 7, "restrictToWorkspace": true}},
  "providers": {
    "openai": {"apiKey": "${TEST_OPENAI_KEY}", "apiBase": null},
    "groq": {"apiKey": null},
  },
  "channels": {"telegram": {"enabled": false, "allowFrom": ["42", "@alice"]}},
  "gateway": {"host": "0.0.0.0", "port": 18790},
  "heartbeat": {"enabled": true, "interval": 45},
  "devices": {"monitorUsb": false},
}`

func TestLoadDefaults(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "missing.yaml"), filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatal(err)
	}
	def := DefaultConfig()
	if cfg.Agent.MaxToolIterations != def.Agent.MaxToolIterations || cfg.Runtime.Workers != def.Runtime.Workers {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Heartbeat.IntervalMinutes != 30 {
		t.Errorf("heartbeat interval = %d", cfg.Heartbeat.IntervalMinutes)
	}
}

func TestLoadMergesLegacyAndPrimary(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	dir := t.TempDir()
	legacy := writeFile(t, dir, "config.json", legacyDoc)
	primary := writeFile(t, dir, "config.yaml", `
agent:
  model: gpt-4.1
  provider: openai
runtime:
  workers: 3
`)

	cfg, err := Load(primary, legacy)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Model != "gpt-4.1" {
		t.Errorf("model = %q, primary should win", cfg.Agent.Model)
	}
	if cfg.Agent.MaxToolIterations != 7 {
		t.Errorf("max_tool_iterations = %d, want the legacy value", cfg.Agent.MaxToolIterations)
	}
	if cfg.Runtime.Workers != 3 {
		t.Errorf("workers = %d", cfg.Runtime.Workers)
	}
	if got := cfg.Providers["openai"].APIKey; got != "sk-from-env" {
		t.Errorf("api key = %q", got)
	}
	if _, ok := cfg.Providers["groq"]; ok {
		t.Error("empty legacy provider entry should be dropped")
	}
	if got := strings.Join(cfg.Channels.Telegram.AllowFrom, ","); got != "42,@alice" {
		t.Errorf("allow_from = %q", got)
	}
	if cfg.Health.Address != "127.0.0.1:18790" {
		t.Errorf("health address = %q", cfg.Health.Address)
	}
	if !cfg.Heartbeat.Enabled || cfg.Heartbeat.IntervalMinutes != 45 {
		t.Errorf("heartbeat = %+v", cfg.Heartbeat)
	}
	if cfg.Agent.Workspace != DefaultConfig().Agent.Workspace {
		t.Errorf("workspace default lost: %q", cfg.Agent.Workspace)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CG_SET", "value")
	t.Setenv("CG_EMPTY", "")
	tests := []struct {
		in, want string
	}{
		{"${CG_SET}", "value"},
		{"$CG_SET", "value"},
		{"prefix-${CG_SET}-suffix", "prefix-value-suffix"},
		{"${CG_UNSET_VAR:-fallback}", "fallback"},
		{"${CG_EMPTY:-fallback}", "fallback"},
		{"${CG_SET:-fallback}", "value"},
		{"${CG_UNSET_VAR}", ""},
		{"no references", "no references"},
	}
	for _, tt := range tests {
		got, err := expandEnv(tt.in)
		if err != nil {
			t.Errorf("expandEnv(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	_, err := expandEnv("${CG_UNSET_VAR:?set the token}")
	if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "set the token") {
		t.Errorf("required reference error = %v", err)
	}
}

func TestRequiredReferenceFailsLoad(t *testing.T) {
	dir := t.TempDir()
	primary := writeFile(t, dir, "config.yaml", "channels:\n  discord:\n    token: ${CG_MISSING_TOKEN:?}\n")
	if _, err := Load(primary, ""); !errors.Is(err, ErrInvalid) {
		t.Errorf("Load = %v, want ErrInvalid", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown default provider", func(c *Config) { c.Agent.Provider = "nope" }, true},
		{"unknown fallback", func(c *Config) { c.Agent.FallbackProviders = []string{"nope"} }, true},
		{"bad kind", func(c *Config) {
			c.Providers["x"] = providerWithKind("grpc")
		}, true},
		{"zero workers", func(c *Config) { c.Runtime.Workers = 0 }, false},
		{"bad health address", func(c *Config) { c.Health.Enabled = true; c.Health.Address = "8085" }, false},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, false},
		{"channel without token", func(c *Config) { c.Channels.Discord.Enabled = true }, true},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(cfg)
		err := cfg.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%s: Validate = %v", tt.name, err)
		}
		if err != nil && !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: error does not wrap ErrInvalid", tt.name)
		}
	}
}

func TestProviderProblems(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	if got := cfg.ProviderProblems(); len(got) != 0 {
		t.Errorf("defaults: %v", got)
	}
	cfg.Providers["openai"] = providerWithKey("sk-abcdefghijklmnop1234")
	cfg.Providers["x"] = providerWithKind("grpc")
	cfg.Agent.Provider = "x"
	cfg.Agent.FallbackProviders = []string{"openai", "nope"}
	got := cfg.ProviderProblems()
	if len(got) != 3 {
		t.Fatalf("problems = %v, want 3", got)
	}
	joined := strings.Join(got, "\n")
	for _, want := range []string{`providers.x: unknown kind "grpc"`, `"nope"`} {
		if !strings.Contains(joined, want) {
			t.Errorf("problems %v missing %s", got, want)
		}
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("provider-level problems failed validation: %v", err)
	}
}

func TestCamelToSnake(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"maxToolIterations": "max_tool_iterations",
		"apiKey":            "api_key",
		"monitorUSB":        "monitor_usb",
		"HTTPServer":        "http_server",
		"v2Api":             "v2_api",
		"already_snake":     "already_snake",
	}
	for in, want := range tests {
		if got := camelToSnake(in); got != want {
			t.Errorf("camelToSnake(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMigrate(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "clawgate", "config.yaml")

	if err := Migrate(primary, filepath.Join(dir, "none.json")); !errors.Is(err, ErrNothingToMigrate) {
		t.Fatalf("Migrate without legacy = %v", err)
	}

	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	legacy := writeFile(t, dir, "config.json", legacyDoc)
	if err := Migrate(primary, legacy); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(primary)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "${TEST_OPENAI_KEY}") {
		t.Errorf("env reference was expanded in the migrated file:\n%s", data)
	}
	if strings.Contains(string(data), "maxToolIterations") {
		t.Errorf("legacy key survived:\n%s", data)
	}

	if err := Migrate(primary, legacy); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(primary + ".bak"); err != nil {
		t.Errorf("backup not written: %v", err)
	}

	cfg, err := Load(primary, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.MaxToolIterations != 7 {
		t.Errorf("migrated max_tool_iterations = %d", cfg.Agent.MaxToolIterations)
	}
}

func TestPlaintextSecrets(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	primary := writeFile(t, dir, "config.yaml", `
providers:
  openai:
    api_key: sk-abcdefghijklmnopqrstuvwxyz
  anthropic:
    api_key: ${ANTHROPIC_API_KEY}
channels:
  telegram:
    token: "123456789:AAHfiqksKZ8WmR2zSjiQ7_v4TMAKdiHm9T0"
`)
	found, err := PlaintextSecrets(primary, "")
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(found, ","); got != "channels.telegram.token,providers.openai.api_key" {
		t.Errorf("found = %q", got)
	}
}

func TestRedacted(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Providers["openai"] = providerWithKey("sk-abcdefghijklmnop1234")
	red := cfg.Redacted()
	if red.Providers["openai"].APIKey != "****1234" {
		t.Errorf("masked = %q", red.Providers["openai"].APIKey)
	}
	if cfg.Providers["openai"].APIKey != "sk-abcdefghijklmnop1234" {
		t.Error("Redacted modified the original")
	}
}

func TestOpenPermissions(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", "{}")
	if open, _, err := OpenPermissions(p); err != nil || open {
		t.Errorf("0600 file: open=%v err=%v", open, err)
	}
	if err := os.Chmod(p, 0o644); err != nil {
		t.Fatal(err)
	}
	if open, mode, _ := OpenPermissions(p); !open || mode != "0644" {
		t.Errorf("0644 file: open=%v mode=%s", open, mode)
	}
	if open, _, err := OpenPermissions(filepath.Join(dir, "missing")); open || err != nil {
		t.Errorf("missing file: open=%v err=%v", open, err)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	primary := writeFile(t, dir, "config.yaml", "agent:\n  model: first\n")
	m, err := NewManager(primary, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	before := m.Current()

	writeFile(t, dir, "config.yaml", "agent:\n  model: second\n")
	cfg, err := m.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Model != "second" || m.Current().Agent.Model != "second" {
		t.Errorf("reloaded model = %q", m.Current().Agent.Model)
	}
	if before.Agent.Model != "first" {
		t.Error("previous snapshot was mutated")
	}

	writeFile(t, dir, "config.yaml", "runtime:\n  workers: 0\n")
	if _, err := m.Reload(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("invalid reload = %v", err)
	}
	if m.Current().Agent.Model != "second" {
		t.Error("invalid reload replaced the snapshot")
	}
}

func providerWithKind(kind string) provider.ProviderConfig {
	return provider.ProviderConfig{Kind: kind}
}

func providerWithKey(key string) provider.ProviderConfig {
	return provider.ProviderConfig{APIKey: key}
}
