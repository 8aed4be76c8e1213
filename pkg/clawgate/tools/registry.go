package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/jholhewres/clawgate/pkg/clawgate/audit"
	"github.com/jholhewres/clawgate/pkg/clawgate/metrics"
	"github.com/jholhewres/clawgate/pkg/clawgate/policy"
)

// DefaultTimeout bounds tools that do not set their own timeout.
const DefaultTimeout = 60 * time.Second

// DefaultBlockingWorkers bounds concurrent tool executions.
const DefaultBlockingWorkers = 4

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry dispatches tool calls through the policy gate.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry

	engine   *policy.Engine
	guard    *policy.NetworkGuard
	blocking *semaphore.Weighted
	timeout  time.Duration

	metrics *metrics.Metrics
	audit   *audit.Log
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewRegistry creates an empty registry gated by engine. The network guard
// starts with the default configuration; call SetGuard to use a configured
// one.
func NewRegistry(engine *policy.Engine, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:    make(map[string]entry),
		engine:   engine,
		guard:    policy.NewNetworkGuard(policy.DefaultNetworkConfig(), nil, logger),
		blocking: semaphore.NewWeighted(DefaultBlockingWorkers),
		timeout:  DefaultTimeout,
		tracer:   otel.Tracer("github.com/jholhewres/clawgate/pkg/clawgate/tools"),
		logger:   logger.With("component", "tools"),
	}
}

// The setters below configure the registry and must be called before the
// first Invoke.

// SetGuard replaces the network guard.
func (r *Registry) SetGuard(g *policy.NetworkGuard) {
	if g != nil {
		r.guard = g
	}
}

// SetBlockingWorkers sets the size of the blocking pool.
func (r *Registry) SetBlockingWorkers(n int) {
	if n <= 0 {
		n = DefaultBlockingWorkers
	}
	r.blocking = semaphore.NewWeighted(int64(n))
}

// SetTimeout sets the default execution timeout.
func (r *Registry) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// SetMetrics attaches Prometheus collectors.
func (r *Registry) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// SetAudit attaches the decision log.
func (r *Registry) SetAudit(l *audit.Log) { r.audit = l }

// Register adds a tool, compiling its argument schema.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	schema, err := jsonschema.CompileString(name+".schema.json", string(t.Schema()))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = entry{tool: t, schema: schema}
	r.logger.Debug("tool registered", "name", name, "kind", t.Kind())
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Definitions returns all tool definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, e := range r.tools {
		defs = append(defs, Definition{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Parameters:  e.tool.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Invoke runs one tool call through the gate. The returned error is a
// *RefusalError for refused calls, wraps ErrUnknownTool or
// ErrInvalidArguments for malformed calls, or is the context error when the
// caller gave up. Execution failures and timeouts are reported in the
// Result, not as errors.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("tool.name", inv.Tool),
		attribute.String("session.key", inv.SessionKey),
	))
	defer span.End()

	res, rec, err := r.invoke(ctx, inv)
	d := rec.decision

	span.SetAttributes(attribute.String("tool.outcome", rec.outcome))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	r.metrics.ToolDecision(inv.Tool, rec.outcome)
	_ = r.audit.Record(ctx, audit.Entry{
		SessionKey: inv.SessionKey,
		Tool:       inv.Tool,
		Class:      d.Class.String(),
		Rule:       d.MatchedRule,
		Reason:     d.Reason,
		Outcome:    rec.outcome,
		Truncated:  res.Truncated,
		Duration:   rec.elapsed,
	})
	return res, err
}

// callRecord describes how a call went through the gate. elapsed is the
// execution time and stays zero for calls that never ran.
type callRecord struct {
	outcome  string
	decision policy.Decision
	elapsed  time.Duration
}

func (r *Registry) invoke(ctx context.Context, inv Invocation) (Result, callRecord, error) {
	r.mu.RLock()
	e, ok := r.tools[inv.Tool]
	r.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownTool, inv.Tool)
		return Result{Text: err.Error(), IsError: true}, callRecord{outcome: "unknown", decision: policy.Decision{Class: policy.Deny}}, err
	}

	args := bytes.TrimSpace(inv.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	inv.Arguments = args

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		return Result{Text: err.Error(), IsError: true}, callRecord{outcome: "invalid", decision: policy.Decision{}}, err
	}
	if err := e.schema.Validate(decoded); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		return Result{Text: err.Error(), IsError: true}, callRecord{outcome: "invalid", decision: policy.Decision{}}, err
	}

	d := r.engine.Classify(inv.Tool, args)
	if err := r.engine.Authorize(d, args); err != nil {
		return r.refuse(inv, d, err, d.Class.String())
	}

	if pt, ok := e.tool.(PathTool); ok {
		paths, err := pt.Paths(args)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, callRecord{outcome: "invalid", decision: d}, err
		}
		for _, p := range paths {
			if _, err := policy.Contain(inv.WorkspaceRoot, p); err != nil {
				return r.refuse(inv, d, err, "containment")
			}
		}
	}

	if ut, ok := e.tool.(URLTool); ok {
		urls, err := ut.URLs(args)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, callRecord{outcome: "invalid", decision: d}, err
		}
		for _, u := range urls {
			if err := r.guard.Check(ctx, u); err != nil {
				return r.refuse(inv, d, err, "network")
			}
		}
	}

	if err := r.blocking.Acquire(ctx, 1); err != nil {
		return Result{Text: "cancelled before execution", IsError: true}, callRecord{outcome: "cancelled", decision: d}, err
	}
	defer r.blocking.Release(1)

	timeout := r.timeout
	if tt, ok := e.tool.(TimeoutTool); ok && tt.Timeout() > 0 {
		timeout = tt.Timeout()
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := e.tool.Execute(execCtx, inv)
	elapsed := time.Since(start)
	r.metrics.ToolExecuted(inv.Tool, elapsed)

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		if res.Text == "" {
			res.Text = fmt.Sprintf("tool %s timed out after %s", inv.Tool, timeout)
		}
	}

	outcome := "executed"
	if err != nil {
		var refusal *RefusalError
		if errors.As(err, &refusal) {
			return r.refuse(inv, d, refusal.Err, refusalOutcome(refusal.Err))
		}
		if ctx.Err() != nil {
			return Result{Text: "cancelled", IsError: true}, callRecord{outcome: "cancelled", decision: d, elapsed: elapsed}, ctx.Err()
		}
		if !res.TimedOut {
			res = Result{Text: "Error: " + err.Error(), IsError: true}
			outcome = "error"
			r.logger.Warn("tool execution failed", "tool", inv.Tool, "error", err, "duration_ms", elapsed.Milliseconds())
		}
	}
	if res.TimedOut {
		outcome = "timeout"
	}

	text, cut := r.engine.Limits().TruncateResult(res.Text)
	res.Text = text
	res.Truncated = res.Truncated || cut

	r.logger.Info("tool executed",
		"tool", inv.Tool,
		"rule", d.MatchedRule,
		"duration_ms", elapsed.Milliseconds(),
		"truncated", res.Truncated,
		"timed_out", res.TimedOut,
	)
	return res, callRecord{outcome: outcome, decision: d, elapsed: elapsed}, nil
}

func (r *Registry) refuse(inv Invocation, d policy.Decision, err error, outcome string) (Result, callRecord, error) {
	r.logger.Warn("tool call refused",
		"tool", inv.Tool,
		"session", inv.SessionKey,
		"rule", d.MatchedRule,
		"outcome", outcome,
		"error", err,
	)
	return Result{Refusal: err.Error()}, callRecord{outcome: outcome, decision: d}, &RefusalError{Tool: inv.Tool, Decision: d, Err: err}
}

func refusalOutcome(err error) string {
	switch {
	case errors.Is(err, policy.ErrContainmentViolation):
		return "containment"
	case errors.Is(err, policy.ErrNetworkDenied):
		return "network"
	case errors.Is(err, policy.ErrConfirmationRequired):
		return "confirm"
	default:
		return "deny"
	}
}
