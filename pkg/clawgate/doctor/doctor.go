// Package doctor checks a gateway configuration for insecure or
// ineffective settings.
package doctor

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/config"
	"github.com/jholhewres/clawgate/pkg/clawgate/health"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
)

// Severity levels for findings.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Checks is the list of check functions run by Run.
var Checks = []func(Options) *Finding{
	checkPlaintextSecrets,
	checkConfigPermissions,
	checkStatePermissions,
	checkHealthExposed,
	checkAllowPrivate,
	checkUnknownCommandsDenied,
	checkOpenChannels,
	checkMissingCredentials,
	checkProviderEntries,
}

// Finding is one problem found by a check.
type Finding struct {
	CheckID     string `json:"check_id"`
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Detail      string `json:"detail"`
	Remediation string `json:"remediation"`
}

// Report is the result of Run.
type Report struct {
	Timestamp     time.Time `json:"timestamp"`
	TotalChecks   int       `json:"total_checks"`
	CriticalCount int       `json:"critical_count"`
	WarningCount  int       `json:"warning_count"`
	InfoCount     int       `json:"info_count"`
	Findings      []Finding `json:"findings"`
}

// Summary returns a one-line summary.
func (r *Report) Summary() string {
	if len(r.Findings) == 0 {
		return fmt.Sprintf("doctor: %d checks passed, no findings.", r.TotalChecks)
	}
	return fmt.Sprintf("doctor: %d checks, %d critical, %d warnings, %d info.",
		r.TotalChecks, r.CriticalCount, r.WarningCount, r.InfoCount)
}

// Options is what the checks inspect.
type Options struct {
	ConfigPath string
	LegacyPath string
	Config     *config.Config

	// Credential resolves a provider key. Defaults to
	// provider.ResolveCredential.
	Credential func(name, configured string) (key, source string)
}

// Run executes every check.
func Run(opts Options) *Report {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Credential == nil {
		opts.Credential = provider.ResolveCredential
	}
	report := &Report{Timestamp: time.Now(), TotalChecks: len(Checks)}
	for _, check := range Checks {
		f := check(opts)
		if f == nil {
			continue
		}
		report.Findings = append(report.Findings, *f)
		switch f.Severity {
		case SeverityCritical:
			report.CriticalCount++
		case SeverityWarning:
			report.WarningCount++
		case SeverityInfo:
			report.InfoCount++
		}
	}
	return report
}

func checkPlaintextSecrets(opts Options) *Finding {
	paths, err := config.PlaintextSecrets(opts.ConfigPath, opts.LegacyPath)
	if err != nil || len(paths) == 0 {
		return nil
	}
	return &Finding{
		CheckID:     "config.plaintext_secrets",
		Severity:    SeverityCritical,
		Title:       "Credentials stored in plaintext",
		Detail:      "Literal credentials found at: " + strings.Join(paths, ", "),
		Remediation: "Replace them with ${VAR} references or store provider keys with 'clawgate config set-key'.",
	}
}

func checkConfigPermissions(opts Options) *Finding {
	var open []string
	for _, p := range []string{opts.ConfigPath, opts.LegacyPath} {
		if p == "" {
			continue
		}
		if isOpen, mode, err := config.OpenPermissions(p); err == nil && isOpen {
			open = append(open, fmt.Sprintf("%s (%s)", p, mode))
		}
	}
	if len(open) == 0 {
		return nil
	}
	return &Finding{
		CheckID:     "fs.config_permissions",
		Severity:    SeverityWarning,
		Title:       "Config file readable by other users",
		Detail:      "Readable by group or others: " + strings.Join(open, ", "),
		Remediation: "chmod 600 the listed files.",
	}
}

func checkStatePermissions(opts Options) *Finding {
	cfg := opts.Config
	var open []string
	for _, dir := range []string{cfg.State.Dir, cfg.State.SessionsDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		if perm := info.Mode().Perm(); perm&0o007 != 0 {
			open = append(open, fmt.Sprintf("%s (%04o)", dir, perm))
		}
	}
	if cfg.Audit.Enabled {
		if isOpen, mode, err := config.OpenPermissions(cfg.Audit.Path); err == nil && isOpen {
			open = append(open, fmt.Sprintf("%s (%s)", cfg.Audit.Path, mode))
		}
	}
	if len(open) == 0 {
		return nil
	}
	return &Finding{
		CheckID:     "fs.state_permissions",
		Severity:    SeverityWarning,
		Title:       "State readable by other users",
		Detail:      "Transcripts and decision logs may contain sensitive conversations: " + strings.Join(open, ", "),
		Remediation: "chmod 700 the state directories and 600 the audit database.",
	}
}

func checkHealthExposed(opts Options) *Finding {
	h := opts.Config.Health
	if !h.Enabled || health.IsLoopback(h.Address) {
		return nil
	}
	if h.AuthToken == "" {
		return &Finding{
			CheckID:     "health.exposed_no_auth",
			Severity:    SeverityCritical,
			Title:       "Health endpoint exposed without authentication",
			Detail:      fmt.Sprintf("health.address %s is reachable from the network and /metrics has no auth token.", h.Address),
			Remediation: "Bind health.address to 127.0.0.1 or set health.auth_token.",
		}
	}
	return &Finding{
		CheckID:     "health.exposed",
		Severity:    SeverityWarning,
		Title:       "Health endpoint bound to a non-loopback address",
		Detail:      fmt.Sprintf("health.address %s is reachable from the network.", h.Address),
		Remediation: "Bind health.address to 127.0.0.1 unless a remote probe needs it.",
	}
}

func checkAllowPrivate(opts Options) *Finding {
	if !opts.Config.Tools.Policy.Network.AllowPrivate {
		return nil
	}
	return &Finding{
		CheckID:     "tools.allow_private",
		Severity:    SeverityWarning,
		Title:       "web_fetch may reach private networks",
		Detail:      "tools.policy.network.allow_private lets the model fetch RFC 1918, CGNAT and ULA addresses.",
		Remediation: "Disable allow_private and list the internal hosts you need in allow_hosts.",
	}
}

func checkUnknownCommandsDenied(opts Options) *Finding {
	p := opts.Config.Tools.Policy
	if p.ConfirmUnknown || len(p.AutoAllow) > 0 {
		return nil
	}
	return &Finding{
		CheckID:     "tools.exec_unusable",
		Severity:    SeverityInfo,
		Title:       "Every shell command will be refused",
		Detail:      "confirm_unknown is off and auto_allow is empty, so exec denies any command not matched by a rule.",
		Remediation: "Add the commands you expect to tools.policy.auto_allow.",
	}
}

func checkOpenChannels(opts Options) *Finding {
	ch := opts.Config.Channels
	var open []string
	if ch.Discord.Enabled && len(ch.Discord.AllowFrom) == 0 {
		open = append(open, "discord")
	}
	if ch.Telegram.Enabled && len(ch.Telegram.AllowFrom) == 0 {
		open = append(open, "telegram")
	}
	if len(open) == 0 {
		return nil
	}
	return &Finding{
		CheckID:     "channels.open",
		Severity:    SeverityWarning,
		Title:       "Channels accept messages from anyone",
		Detail:      "No allow_from list on: " + strings.Join(open, ", "),
		Remediation: "Set allow_from to the user ids or @usernames that may use the gateway.",
	}
}

func checkMissingCredentials(opts Options) *Finding {
	var missing []string
	for name, p := range opts.Config.Providers {
		if key, _ := opts.Credential(name, p.APIKey); key == "" {
			missing = append(missing, fmt.Sprintf("%s (%s)", name, provider.EnvKeyName(name)))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &Finding{
		CheckID:     "providers.no_credential",
		Severity:    SeverityWarning,
		Title:       "Providers without a credential",
		Detail:      "These providers will never be selected: " + strings.Join(missing, ", "),
		Remediation: "Set the listed environment variables or store keys in the OS keyring.",
	}
}

func checkProviderEntries(opts Options) *Finding {
	problems := opts.Config.ProviderProblems()
	if len(problems) == 0 {
		return nil
	}
	return &Finding{
		CheckID:     "providers.disabled",
		Severity:    SeverityWarning,
		Title:       "Provider entries the router will disable",
		Detail:      strings.Join(problems, "; "),
		Remediation: "Set kind to openai or anthropic and point agent.provider and agent.fallback_providers at configured providers.",
	}
}
