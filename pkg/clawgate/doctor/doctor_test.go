package doctor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jholhewres/clawgate/pkg/clawgate/config"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
)

func noCredential(string, string) (string, string) { return "", "" }

func cleanOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  model: gpt-4.1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.State.Dir = filepath.Join(dir, "data")
	cfg.Tools.Policy.AutoAllow = []string{"ls"}
	return Options{ConfigPath: path, Config: cfg, Credential: noCredential}
}

func findingIDs(r *Report) map[string]string {
	ids := make(map[string]string)
	for _, f := range r.Findings {
		ids[f.CheckID] = f.Severity
	}
	return ids
}

func TestCleanConfig(t *testing.T) {
	t.Parallel()
	report := Run(cleanOptions(t))
	if len(report.Findings) != 0 {
		t.Errorf("findings = %+v", report.Findings)
	}
	if report.TotalChecks != len(Checks) {
		t.Errorf("TotalChecks = %d", report.TotalChecks)
	}
	if report.Summary() != "doctor: 9 checks passed, no findings." {
		t.Errorf("Summary = %q", report.Summary())
	}
}

func TestChecks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		setup    func(t *testing.T, o *Options)
		id       string
		severity string
	}{
		{"plaintext key", func(t *testing.T, o *Options) {
			if err := os.WriteFile(o.ConfigPath, []byte("providers:\n  openai:\n    api_key: sk-live-abcdefghijklmnopqrstuvwxyz\n"), 0o600); err != nil {
				t.Fatal(err)
			}
		}, "config.plaintext_secrets", SeverityCritical},
		{"open config", func(t *testing.T, o *Options) {
			if err := os.Chmod(o.ConfigPath, 0o644); err != nil {
				t.Fatal(err)
			}
		}, "fs.config_permissions", SeverityWarning},
		{"open state dir", func(t *testing.T, o *Options) {
			if err := os.MkdirAll(o.Config.State.Dir, 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.Chmod(o.Config.State.Dir, 0o755); err != nil {
				t.Fatal(err)
			}
		}, "fs.state_permissions", SeverityWarning},
		{"health on all interfaces", func(_ *testing.T, o *Options) {
			o.Config.Health.Enabled = true
			o.Config.Health.Address = "0.0.0.0:8085"
		}, "health.exposed_no_auth", SeverityCritical},
		{"health exposed with token", func(_ *testing.T, o *Options) {
			o.Config.Health.Enabled = true
			o.Config.Health.Address = "0.0.0.0:8085"
			o.Config.Health.AuthToken = "secret"
		}, "health.exposed", SeverityWarning},
		{"allow private", func(_ *testing.T, o *Options) {
			o.Config.Tools.Policy.Network.AllowPrivate = true
		}, "tools.allow_private", SeverityWarning},
		{"exec unusable", func(_ *testing.T, o *Options) {
			o.Config.Tools.Policy.ConfirmUnknown = false
			o.Config.Tools.Policy.AutoAllow = nil
		}, "tools.exec_unusable", SeverityInfo},
		{"open channel", func(_ *testing.T, o *Options) {
			o.Config.Channels.Telegram.Enabled = true
		}, "channels.open", SeverityWarning},
		{"missing credential", func(_ *testing.T, o *Options) {
			o.Config.Providers["groq"] = provider.ProviderConfig{}
		}, "providers.no_credential", SeverityWarning},
		{"unknown provider kind", func(_ *testing.T, o *Options) {
			o.Config.Providers["local"] = provider.ProviderConfig{Kind: "ollama-native"}
		}, "providers.disabled", SeverityWarning},
		{"unknown fallback", func(_ *testing.T, o *Options) {
			o.Config.Agent.FallbackProviders = []string{"nope"}
		}, "providers.disabled", SeverityWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := cleanOptions(t)
			tt.setup(t, &opts)
			ids := findingIDs(Run(opts))
			if got, ok := ids[tt.id]; !ok || got != tt.severity {
				t.Errorf("findings = %v, want %s/%s", ids, tt.id, tt.severity)
			}
		})
	}
}

func TestCredentialFromEnvironmentIsEnough(t *testing.T) {
	t.Parallel()
	opts := cleanOptions(t)
	opts.Config.Providers["openai"] = provider.ProviderConfig{}
	opts.Credential = func(name, _ string) (string, string) { return "sk-env", "env" }
	if _, ok := findingIDs(Run(opts))["providers.no_credential"]; ok {
		t.Error("provider with a resolved credential was reported")
	}
}
