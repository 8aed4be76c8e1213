// Package policy decides whether a model-requested tool call may run.
// The Engine is built once from configuration and holds no mutable state
// afterwards, so it is safe to call from any goroutine.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	// ErrDenied marks a refusal by the command or tool rule tables.
	ErrDenied = errors.New("policy denied")

	// ErrConfirmationRequired marks a Confirm decision without a confirmation.
	ErrConfirmationRequired = errors.New("confirmation required")
)

// Class is the outcome of a classification.
type Class int

const (
	Allow Class = iota
	Confirm
	Deny
)

func (c Class) String() string {
	switch c {
	case Allow:
		return "allow"
	case Confirm:
		return "confirm"
	case Deny:
		return "deny"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Decision is the result of Classify. It is a pure function of the tool
// name, its arguments and the rule table.
type Decision struct {
	Class       Class  `json:"class"`
	MatchedRule string `json:"matched_rule,omitempty"`
	Reason      string `json:"reason"`
}

// Config holds the tool policy rule tables.
type Config struct {
	// ConfirmUnknown makes unmatched shell commands require confirmation
	// instead of being denied.
	ConfirmUnknown bool `yaml:"confirm_unknown"`

	// AllowConfirmArg lets a request carrying "confirm": true run a command
	// that would otherwise require confirmation.
	AllowConfirmArg bool `yaml:"allow_confirm_arg"`

	// AutoAllow, RequireConfirm and AlwaysDeny are command patterns: a plain
	// command prefix matched on word boundaries, or "re:<regexp>".
	AutoAllow      []string `yaml:"auto_allow"`
	RequireConfirm []string `yaml:"require_confirm"`
	AlwaysDeny     []string `yaml:"always_deny"`

	// AllowTools, ConfirmTools and DenyTools classify non-shell tools by name.
	AllowTools   []string `yaml:"allow_tools"`
	ConfirmTools []string `yaml:"confirm_tools"`
	DenyTools    []string `yaml:"deny_tools"`

	// ShellTools names the tools whose "command" argument is classified
	// against the command patterns.
	ShellTools []string `yaml:"shell_tools"`

	Network NetworkConfig `yaml:"network"`
	Limits  Limits        `yaml:"limits"`
}

// DefaultConfig returns a conservative rule table.
func DefaultConfig() Config {
	return Config{
		ConfirmUnknown:  true,
		AllowConfirmArg: false,
		AutoAllow: []string{
			"ls", "pwd", "cat", "head", "tail", "wc", "echo", "date", "whoami",
			"grep", "find", "tree", "stat", "du", "df", "uname",
			"git status", "git log", "git diff", "git show", "git branch",
		},
		RequireConfirm: []string{
			"rm", "mv", "cp", "git push", "git commit", "git reset", "curl", "wget",
			"npm install", "pip install", "go install", "docker", "kill",
		},
		AlwaysDeny: []string{
			"re:\\bchmod\\s+(-r\\s+)?777\\b",
			"re:\\bcrontab\\s+-r\\b",
			"invoke-webrequest",
		},
		ShellTools: []string{"exec"},
		Network:    DefaultNetworkConfig(),
		Limits:     DefaultLimits(),
	}
}

// Engine classifies tool invocation requests.
type Engine struct {
	confirmUnknown  bool
	allowConfirmArg bool

	autoAllow      []rule
	requireConfirm []rule
	alwaysDeny     []rule

	allowTools   map[string]bool
	confirmTools map[string]bool
	denyTools    map[string]bool
	shellTools   map[string]bool

	limits Limits
	logger *slog.Logger
}

// New compiles the rule table. Invalid regular expressions are reported.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		confirmUnknown:  cfg.ConfirmUnknown,
		allowConfirmArg: cfg.AllowConfirmArg,
		allowTools:      toSet(cfg.AllowTools),
		confirmTools:    toSet(cfg.ConfirmTools),
		denyTools:       toSet(cfg.DenyTools),
		shellTools:      toSet(cfg.ShellTools),
		limits:          cfg.Limits.withDefaults(),
		logger:          logger.With("component", "policy"),
	}
	if len(e.shellTools) == 0 {
		e.shellTools = toSet([]string{"exec"})
	}

	var err error
	if e.alwaysDeny, err = compileRules(cfg.AlwaysDeny); err != nil {
		return nil, fmt.Errorf("always_deny: %w", err)
	}
	if e.autoAllow, err = compileRules(cfg.AutoAllow); err != nil {
		return nil, fmt.Errorf("auto_allow: %w", err)
	}
	if e.requireConfirm, err = compileRules(cfg.RequireConfirm); err != nil {
		return nil, fmt.Errorf("require_confirm: %w", err)
	}
	return e, nil
}

// Limits returns the output ceilings the engine was built with.
func (e *Engine) Limits() Limits { return e.limits }

// IsShellTool reports whether name is classified by command patterns.
func (e *Engine) IsShellTool(name string) bool { return e.shellTools[name] }

// Classify returns the decision for one tool call. Evaluation order is
// always-deny, auto-allow, require-confirm, then the fallback.
func (e *Engine) Classify(toolName string, args json.RawMessage) Decision {
	if e.shellTools[toolName] {
		return e.classifyCommand(commandArg(args))
	}
	return e.classifyTool(toolName)
}

// Authorize turns a decision into an error. Confirm passes only when the
// request carries "confirm": true and the engine accepts that argument.
func (e *Engine) Authorize(d Decision, args json.RawMessage) error {
	switch d.Class {
	case Allow:
		return nil
	case Confirm:
		if e.allowConfirmArg && confirmArg(args) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConfirmationRequired, d.Reason)
	default:
		return fmt.Errorf("%w: %s", ErrDenied, d.Reason)
	}
}

func (e *Engine) classifyTool(name string) Decision {
	switch {
	case e.denyTools[name]:
		return Decision{Class: Deny, MatchedRule: "deny_tools:" + name, Reason: "tool " + name + " is disabled"}
	case e.allowTools[name]:
		return Decision{Class: Allow, MatchedRule: "allow_tools:" + name, Reason: "tool allowed"}
	case e.confirmTools[name]:
		return Decision{Class: Confirm, MatchedRule: "confirm_tools:" + name, Reason: "tool " + name + " requires confirmation"}
	}
	return Decision{Class: Allow, Reason: "no rule for tool"}
}

func (e *Engine) classifyCommand(raw string) Decision {
	cmd := normalizeCommand(raw)
	if cmd == "" {
		return Decision{Class: Deny, MatchedRule: "builtin:empty", Reason: "empty command"}
	}

	if marker, ok := hardDenyMarker(cmd); ok {
		return Decision{Class: Deny, MatchedRule: "builtin:" + marker, Reason: "command blocked by safety guard"}
	}

	segments := splitCommandChain(cmd)
	for _, seg := range segments {
		if r, ok := matchAny(e.alwaysDeny, seg); ok {
			return Decision{Class: Deny, MatchedRule: "always_deny:" + r.source, Reason: "command matches always-deny rule"}
		}
	}

	// A command is auto-allowed only if it has no redirection or
	// substitution and every chained segment matches an allow rule.
	if marker := compositionMarker(cmd); marker == "" {
		var first string
		allowed := true
		for _, seg := range segments {
			r, ok := matchAny(e.autoAllow, seg)
			if !ok {
				allowed = false
				break
			}
			if first == "" {
				first = r.source
			}
		}
		if allowed && first != "" {
			return Decision{Class: Allow, MatchedRule: "auto_allow:" + first, Reason: "command matches auto-allow rule"}
		}
	} else {
		return Decision{Class: Confirm, MatchedRule: "builtin:" + marker, Reason: "command uses shell composition (" + marker + ")"}
	}

	for _, seg := range segments {
		if r, ok := matchAny(e.requireConfirm, seg); ok {
			return Decision{Class: Confirm, MatchedRule: "require_confirm:" + r.source, Reason: "command requires confirmation"}
		}
	}

	if e.confirmUnknown {
		return Decision{Class: Confirm, MatchedRule: "confirm_unknown", Reason: "command not in allow list, confirmation required"}
	}
	return Decision{Class: Deny, MatchedRule: "default_deny", Reason: "command not in allow list"}
}

func commandArg(args json.RawMessage) string {
	var v struct {
		Command string `json:"command"`
	}
	if len(args) == 0 {
		return ""
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return ""
	}
	return v.Command
}

func confirmArg(args json.RawMessage) bool {
	var v struct {
		Confirm bool `json:"confirm"`
	}
	if len(args) == 0 || json.Unmarshal(args, &v) != nil {
		return false
	}
	return v.Confirm
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			m[it] = true
		}
	}
	return m
}
