package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/policy"
)

// ExecConfig configures the exec tool.
type ExecConfig struct {
	// Shell runs the command with "-c". Defaults to /bin/sh.
	Shell string `yaml:"shell"`

	// TimeoutSeconds is the hard wall-clock limit per command.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// DefaultExecConfig returns the stock exec settings.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{Shell: "/bin/sh", TimeoutSeconds: 30}
}

// ExecTool runs shell commands inside the session workspace.
type ExecTool struct {
	cfg    ExecConfig
	limits policy.Limits
}

// NewExecTool creates the exec tool.
func NewExecTool(cfg ExecConfig, limits policy.Limits) *ExecTool {
	d := DefaultExecConfig()
	if cfg.Shell == "" {
		cfg.Shell = d.Shell
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = d.TimeoutSeconds
	}
	return &ExecTool{cfg: cfg, limits: limits}
}

func (t *ExecTool) Name() string { return "exec" }
func (t *ExecTool) Kind() Kind   { return KindShell }

func (t *ExecTool) Description() string {
	return "Run a shell command in the session workspace. Returns stdout, stderr and the exit code."
}

func (t *ExecTool) Schema() json.RawMessage {
	return json.RawMessage(`{
	"type": "object",
	"properties": {
		"command": {"type": "string", "minLength": 1, "description": "Shell command to run"},
		"confirm": {"type": "boolean", "description": "Set when the operator has confirmed this command"}
	},
	"required": ["command"]
}`)
}

// Timeout implements TimeoutTool.
func (t *ExecTool) Timeout() time.Duration {
	return time.Duration(t.cfg.TimeoutSeconds) * time.Second
}

func (t *ExecTool) Execute(ctx context.Context, inv Invocation) (Result, error) {
	var args struct {
		Command string `json:"command"`
	}
	if err := decodeArgs(inv.Arguments, &args); err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, t.cfg.Shell, "-c", args.Command)
	cmd.Dir = inv.WorkspaceRoot
	setProcessGroup(cmd)
	cmd.WaitDelay = 2 * time.Second

	limits := t.limits
	if limits.StdoutBytes <= 0 || limits.StderrBytes <= 0 {
		limits = policy.DefaultLimits()
	}
	stdout := &capBuffer{limit: limits.StdoutBytes}
	stderr := &capBuffer{limit: limits.StderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	capped := limits.TruncateOutput(stdout.captured(), stderr.captured())
	out, errOut := capped.Stdout, capped.Stderr
	res := Result{Truncated: capped.Truncated}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res.TimedOut = true
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return Result{}, fmt.Errorf("run command: %w", runErr)
		}
	}

	var b strings.Builder
	if res.TimedOut {
		fmt.Fprintf(&b, "Command timed out after %s and was killed.\n", t.Timeout())
	} else if exitCode != 0 {
		fmt.Fprintf(&b, "Exit code: %d\n", exitCode)
		res.IsError = true
	}
	b.WriteString(strings.TrimRight(out, "\n"))
	if errOut != "" {
		b.WriteString("\nSTDERR:\n")
		b.WriteString(strings.TrimRight(errOut, "\n"))
	}
	res.Text = strings.TrimLeft(b.String(), "\n")
	return res, nil
}

// capBuffer keeps the first limit bytes written and counts the rest.
type capBuffer struct {
	limit int
	buf   []byte
	total int
}

func (b *capBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.total += n
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		b.buf = append(b.buf, p...)
	}
	return n, nil
}

func (b *capBuffer) captured() policy.Captured {
	return policy.Captured{Kept: string(b.buf), Total: b.total}
}
