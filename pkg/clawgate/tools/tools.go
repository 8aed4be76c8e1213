// Package tools holds the registry of model-callable tools and the built-in
// tool bodies. Every call goes through Registry.Invoke, which validates the
// arguments, asks the policy engine, enforces workspace containment and the
// network guard, and bounds the output before anything reaches the model.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/policy"
)

// Kind groups tools by the resource they touch.
type Kind string

const (
	KindShell      Kind = "shell"
	KindFilesystem Kind = "filesystem"
	KindNetwork    Kind = "network"
	KindMessaging  Kind = "messaging"
	KindScheduler  Kind = "scheduler"
	KindOther      Kind = "other"
)

var (
	// ErrUnknownTool is returned for calls to unregistered tools.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments is returned when arguments fail schema validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Invocation is one tool call request with its session context.
type Invocation struct {
	Tool          string          `json:"tool"`
	Arguments     json.RawMessage `json:"arguments"`
	WorkspaceRoot string          `json:"workspace_root"`
	SessionKey    string          `json:"session_key,omitempty"`
	Channel       string          `json:"channel,omitempty"`
	ChatID        string          `json:"chat_id,omitempty"`
}

// Result is what the model sees for a tool call. Exactly one of Text and
// Refusal is meaningful.
type Result struct {
	Text      string `json:"text,omitempty"`
	Refusal   string `json:"refusal,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	TimedOut  bool   `json:"timed_out,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Content renders the result as tool-message text.
func (r Result) Content() string {
	if r.Refusal != "" {
		return "Refused: " + r.Refusal
	}
	if r.Text == "" {
		return "(no output)"
	}
	return r.Text
}

// Tool is a model-callable capability.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Kind() Kind
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// PathTool is implemented by tools that touch the filesystem. Every path
// returned is checked for containment before Execute runs.
type PathTool interface {
	Tool
	Paths(args json.RawMessage) ([]string, error)
}

// URLTool is implemented by tools that make outbound requests. Every URL
// returned is checked by the network guard before Execute runs.
type URLTool interface {
	Tool
	URLs(args json.RawMessage) ([]string, error)
}

// TimeoutTool overrides the registry's default execution timeout.
type TimeoutTool interface {
	Timeout() time.Duration
}

// Definition is the provider-facing description of a tool.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// RefusalError reports a call the gate refused: a policy denial, a missing
// confirmation, a containment violation or a network rejection.
type RefusalError struct {
	Tool     string
	Decision policy.Decision
	Err      error
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("tool %s refused: %v", e.Tool, e.Err)
}

func (e *RefusalError) Unwrap() error { return e.Err }

// decodeArgs unmarshals tool arguments, treating empty input as {}.
func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}
