package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jholhewres/clawgate/pkg/clawgate/bus"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

// State is a step of the turn state machine.
type State string

const (
	StateIdle             State = "idle"
	StateBuildingContext  State = "building_context"
	StateAwaitingProvider State = "awaiting_provider"
	StateExecutingTool    State = "executing_tool"
	StateResponding       State = "responding"
)

// Outcome is how a turn ended.
type Outcome string

const (
	NormalCompletion     Outcome = "normal_completion"
	IterationCapExceeded Outcome = "iteration_cap_exceeded"
	FatalProviderError   Outcome = "fatal_provider_error"
	PolicyAbort          Outcome = "policy_abort"
	PersistenceFailure   Outcome = "persistence_failure"
	Cancelled            Outcome = "cancelled"
	CommandHandled       Outcome = "command"
)

// runTurn drives one user message to completion.
func (l *Loop) runTurn(ctx context.Context, msg bus.InboundMessage) (reply Reply) {
	key := msg.Key()
	ctx, span := l.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("session.key", key),
		attribute.String("channel", msg.Channel),
	))
	defer func() {
		span.SetAttributes(attribute.String("turn.outcome", string(reply.Outcome)))
		if reply.Err != nil {
			span.SetStatus(codes.Error, reply.Err.Error())
		}
		span.End()
		l.setState(key, StateIdle)
	}()
	logger := l.logger.With("session", key, "channel", msg.Channel)

	l.setState(key, StateBuildingContext)
	sess, err := l.loadSession(key, msg)
	if err != nil {
		logger.Error("failed to load session", "error", err)
		return persistenceReply(err)
	}
	work := sess.Clone()
	work.Append(store.Turn{Role: store.RoleUser, Content: msg.Text, Timestamp: l.now().UTC()})

	defs := l.tools.Definitions()
	for iteration := 0; ; iteration++ {
		req := provider.Request{
			Model:       l.modelFor(work),
			System:      l.systemPrompt(work, msg),
			Messages:    l.window(work.Turns),
			Tools:       defs,
			MaxTokens:   l.cfg.MaxTokens,
			Temperature: l.cfg.Temperature,
		}

		l.setState(key, StateAwaitingProvider)
		resp, err := l.complete(ctx, work, req)
		if err != nil {
			if ctx.Err() != nil {
				return Reply{Outcome: Cancelled, Err: ctx.Err()}
			}
			logger.Error("provider failed", "iteration", iteration, "error", err)
			if saveErr := l.sessions.Save(work); saveErr != nil {
				logger.Error("failed to save transcript after provider failure", "error", saveErr)
			}
			return Reply{Text: providerFailureText(err), Outcome: FatalProviderError, Err: err}
		}

		if len(resp.ToolCalls) == 0 {
			l.setState(key, StateResponding)
			text := resp.Text
			if strings.TrimSpace(text) == "" {
				text = emptyResponse
			}
			work.Append(store.Turn{Role: store.RoleAssistant, Content: text, Timestamp: l.now().UTC()})
			if err := l.sessions.Save(work); err != nil {
				logger.Error("failed to save transcript", "error", err)
				return persistenceReply(err)
			}
			logger.Info("turn complete", "iterations", iteration, "response_len", len(text))
			return Reply{Text: text, Outcome: NormalCompletion}
		}

		if iteration >= l.cfg.MaxToolIterations {
			l.setState(key, StateResponding)
			text := iterationCapText(l.cfg.MaxToolIterations, resp)
			work.Append(store.Turn{Role: store.RoleAssistant, Content: text, Timestamp: l.now().UTC()})
			logger.Warn("tool iteration cap reached", "cap", l.cfg.MaxToolIterations, "pending_calls", len(resp.ToolCalls))
			if err := l.sessions.Save(work); err != nil {
				logger.Error("failed to save transcript", "error", err)
				return persistenceReply(err)
			}
			return Reply{Text: text, Outcome: IterationCapExceeded}
		}

		work.Append(store.Turn{
			Role:      store.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
			Timestamp: l.now().UTC(),
		})

		l.setState(key, StateExecutingTool)
		abort, err := l.executeCalls(ctx, work, msg, resp.ToolCalls)
		if ctx.Err() != nil {
			return Reply{Outcome: Cancelled, Err: ctx.Err()}
		}
		if abort != "" {
			logger.Warn("turn aborted by policy", "error", err)
			work.Append(store.Turn{Role: store.RoleAssistant, Content: abort, Timestamp: l.now().UTC()})
			if saveErr := l.sessions.Save(work); saveErr != nil {
				logger.Error("failed to save transcript", "error", saveErr)
				return persistenceReply(saveErr)
			}
			return Reply{Text: abort, Outcome: PolicyAbort, Err: err}
		}
	}
}

// executeCalls runs calls in order and appends one tool turn per call. With
// fatal refusals on, the first refusal stops execution; the remaining calls
// get a "skipped" result so no call is left without an answer.
func (l *Loop) executeCalls(ctx context.Context, work *store.Session, msg bus.InboundMessage, calls []store.ToolCall) (abort string, err error) {
	for i, tc := range calls {
		res, invokeErr := l.tools.Invoke(ctx, tools.Invocation{
			Tool:          tc.Name,
			Arguments:     tc.Arguments,
			WorkspaceRoot: work.WorkspaceRoot,
			SessionKey:    work.Key,
			Channel:       msg.Channel,
			ChatID:        msg.ChatID,
		})
		content := res.Content()
		if invokeErr != nil && res.Refusal == "" {
			content = "Error: " + invokeErr.Error()
		}
		work.Append(store.Turn{
			Role:       store.RoleTool,
			Content:    content,
			ToolCallID: tc.ID,
			Name:       tc.Name,
			Timestamp:  l.now().UTC(),
		})
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		var refusal *tools.RefusalError
		if l.cfg.FatalRefusals && errors.As(invokeErr, &refusal) {
			for _, rest := range calls[i+1:] {
				work.Append(store.Turn{
					Role:       store.RoleTool,
					Content:    "Skipped: an earlier tool call was refused.",
					ToolCallID: rest.ID,
					Name:       rest.Name,
					Timestamp:  l.now().UTC(),
				})
			}
			return fmt.Sprintf("Stopped: the %s tool call was refused (%s).", tc.Name, res.Refusal), invokeErr
		}
	}
	return "", nil
}

// complete asks the selected profile for a response, retrying retryable
// errors with backoff and then trying the fallback profiles once each.
func (l *Loop) complete(ctx context.Context, work *store.Session, req provider.Request) (provider.Response, error) {
	primary, err := l.router.Select(req.Model, work.ProviderPin)
	if err != nil {
		return provider.Response{}, err
	}

	var lastErr error
	attempt := 0
	try := func(p provider.Profile, r provider.Request) (provider.Response, bool, error) {
		if attempt > 0 {
			if err := l.sleep(ctx, l.backoff(attempt)); err != nil {
				return provider.Response{}, true, err
			}
		}
		attempt++
		stream, err := l.router.Stream(ctx, p, r)
		if err == nil {
			var resp provider.Response
			resp, err = provider.Collect(stream, nil)
			if err == nil {
				return resp, true, nil
			}
		}
		lastErr = err
		if ctx.Err() != nil || !provider.IsRetryable(err) {
			return provider.Response{}, true, err
		}
		l.logger.Warn("retryable provider error", "provider", p.Name, "attempt", attempt, "error", err)
		return provider.Response{}, false, err
	}

	for i := 0; i <= l.cfg.ProviderRetries; i++ {
		if resp, stop, err := try(primary, req); stop {
			return resp, err
		}
	}
	for _, fb := range l.router.Fallbacks(primary.Name) {
		r := req
		r.Model = fb.DefaultModel
		l.logger.Info("falling back to provider", "from", primary.Name, "to", fb.Name)
		if resp, stop, err := try(fb, r); stop {
			return resp, err
		}
	}
	return provider.Response{}, lastErr
}

func (l *Loop) backoff(attempt int) time.Duration {
	d := time.Duration(l.cfg.RetryBackoffMillis) * time.Millisecond
	for i := 1; i < attempt && d < 10*time.Second; i++ {
		d *= 2
	}
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// window returns the newest turns within the turn and character budgets.
// At least the newest turn is kept. Tool results whose call was cut off
// are dropped from the head.
func (l *Loop) window(turns []store.Turn) []store.Turn {
	start := len(turns)
	chars := 0
	for start > 0 {
		t := turns[start-1]
		size := len(t.Content)
		for _, tc := range t.ToolCalls {
			size += len(tc.Name) + len(tc.Arguments)
		}
		n := len(turns) - start
		if n > 0 && (n >= l.cfg.MaxContextTurns || chars+size > l.cfg.MaxContextChars) {
			break
		}
		chars += size
		start--
	}
	for start < len(turns)-1 && turns[start].Role == store.RoleTool {
		start++
	}
	return turns[start:]
}

func (l *Loop) modelFor(s *store.Session) string {
	if s.ModelPin != "" {
		return s.ModelPin
	}
	return l.cfg.Model
}

func (l *Loop) systemPrompt(s *store.Session, msg bus.InboundMessage) string {
	var b strings.Builder
	if l.cfg.SystemPrompt != "" {
		b.WriteString(l.cfg.SystemPrompt)
	} else {
		b.WriteString("You are clawgate, a local assistant that acts through tools. ")
		b.WriteString("Tool calls are checked by a policy engine; a refused call is final for this turn, so explain instead of retrying it.")
	}
	fmt.Fprintf(&b, "\n\nWorkspace: %s\nCurrent time: %s\nChannel: %s",
		s.WorkspaceRoot, l.now().Format(time.RFC3339), msg.Channel)
	return b.String()
}

// loadSession returns the stored session for key or a new one. The
// workspace root is fixed when the session is created.
func (l *Loop) loadSession(key string, msg bus.InboundMessage) (*store.Session, error) {
	sess, err := l.sessions.Load(key)
	if errors.Is(err, store.ErrSessionNotFound) {
		ws := l.cfg.Workspace
		if root := msg.Metadata[MetaWorkspaceRoot]; root != "" && !l.cfg.RestrictToWorkspace {
			if abs, absErr := filepath.Abs(root); absErr == nil {
				ws = abs
			}
		}
		return store.NewSession(key, ws), nil
	}
	if err != nil {
		return nil, err
	}
	if sess.WorkspaceRoot == "" || (l.cfg.RestrictToWorkspace && sess.WorkspaceRoot != l.cfg.Workspace) {
		sess.WorkspaceRoot = l.cfg.Workspace
	}
	return sess, nil
}

func persistenceReply(err error) Reply {
	return Reply{
		Text:    "Internal error: the conversation could not be saved, so this turn was not recorded. Please try again.",
		Outcome: PersistenceFailure,
		Err:     err,
	}
}

func providerFailureText(err error) string {
	var pe *provider.ProviderError
	if errors.As(err, &pe) {
		return fmt.Sprintf("Sorry, the model provider %s failed (%s). Please try again later.", pe.Provider, pe.Kind)
	}
	var ce *provider.ConfigurationError
	if errors.As(err, &ce) {
		return "Sorry, no model provider is usable: " + ce.Error()
	}
	return "Sorry, the model request failed: " + err.Error()
}

func iterationCapText(limit int, resp provider.Response) string {
	names := make([]string, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		names[i] = tc.Name
	}
	var b strings.Builder
	if strings.TrimSpace(resp.Text) != "" {
		b.WriteString(strings.TrimSpace(resp.Text))
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "[Stopped after %d tool rounds; not executed: %s. Send a follow-up message to continue.]",
		limit, strings.Join(names, ", "))
	return b.String()
}
