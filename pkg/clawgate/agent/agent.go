// Package agent runs the conversation loop: it turns one inbound message
// into provider rounds and tool executions, persists the transcript and
// publishes the reply.
//
// Turns for the same session key are serialized in arrival order. Distinct
// sessions run concurrently, bounded by the worker pool.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/jholhewres/clawgate/pkg/clawgate/bus"
	"github.com/jholhewres/clawgate/pkg/clawgate/metrics"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

const (
	// DefaultMaxToolIterations caps tool rounds per turn.
	DefaultMaxToolIterations = 20

	// DefaultWorkers bounds concurrently running turns.
	DefaultWorkers = 8

	// HeartbeatOK is the reply that means "nothing to report" for heartbeat
	// prompts. It is never delivered.
	HeartbeatOK = "HEARTBEAT_OK"

	emptyResponse = "I've completed processing but have no response to give."
)

// Metadata keys understood on inbound messages.
const (
	MetaReplyChannel  = "reply_channel"
	MetaReplyTo       = "reply_to"
	MetaWorkspaceRoot = "workspace_root"
)

// Config is the agent section of the configuration.
type Config struct {
	Workspace    string  `yaml:"workspace"`
	Provider     string  `yaml:"provider"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`

	MaxToolIterations int `yaml:"max_tool_iterations"`
	MaxContextTurns   int `yaml:"max_context_turns"`
	MaxContextChars   int `yaml:"max_context_chars"`

	// ProviderRetries is how many times a retryable provider error is
	// retried on the same profile before fallbacks are tried.
	ProviderRetries    int      `yaml:"provider_retries"`
	RetryBackoffMillis int      `yaml:"retry_backoff_ms"`
	FallbackProviders  []string `yaml:"fallback_providers"`

	// FatalRefusals aborts the turn on the first refused tool call.
	FatalRefusals bool `yaml:"fatal_refusals"`

	// RestrictToWorkspace pins every session to Workspace. When false an
	// inbound message may choose the workspace root of a new session.
	RestrictToWorkspace bool `yaml:"restrict_to_workspace"`
}

// DefaultConfig returns the stock agent configuration.
func DefaultConfig() Config {
	return Config{
		Workspace:           "./workspace",
		MaxTokens:           8192,
		Temperature:         0.7,
		MaxToolIterations:   DefaultMaxToolIterations,
		MaxContextTurns:     50,
		MaxContextChars:     120000,
		ProviderRetries:     2,
		RetryBackoffMillis:  500,
		RestrictToWorkspace: true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workspace == "" {
		c.Workspace = d.Workspace
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = d.MaxToolIterations
	}
	if c.MaxContextTurns <= 0 {
		c.MaxContextTurns = d.MaxContextTurns
	}
	if c.MaxContextChars <= 0 {
		c.MaxContextChars = d.MaxContextChars
	}
	if c.ProviderRetries < 0 {
		c.ProviderRetries = 0
	}
	if c.RetryBackoffMillis <= 0 {
		c.RetryBackoffMillis = d.RetryBackoffMillis
	}
	return c
}

// Router is the provider side of a turn.
type Router interface {
	Select(model, explicit string) (provider.Profile, error)
	Fallbacks(primary string) []provider.Profile
	Stream(ctx context.Context, p provider.Profile, req provider.Request) (*provider.EventStream, error)
}

// Invoker executes tool calls.
type Invoker interface {
	Definitions() []tools.Definition
	Invoke(ctx context.Context, inv tools.Invocation) (tools.Result, error)
}

// Sessions loads and saves transcripts.
type Sessions interface {
	Load(key string) (*store.Session, error)
	Save(s *store.Session) error
}

// MessageBus is the part of the bus the loop consumes and publishes to.
type MessageBus interface {
	ConsumeInbound(ctx context.Context) (bus.InboundMessage, bool)
	PublishOutbound(ctx context.Context, msg bus.OutboundMessage) error
}

// Deps are the loop's collaborators. Bus and Metrics are optional.
type Deps struct {
	Router   Router
	Tools    Invoker
	Sessions Sessions
	Bus      MessageBus
	Metrics  *metrics.Metrics
	Workers  int
}

// Reply is the result of one turn.
type Reply struct {
	Text    string
	Outcome Outcome
	Err     error
}

type job struct {
	ctx  context.Context
	msg  bus.InboundMessage
	done chan Reply
}

type sessionQueue struct {
	pending []job
}

// Loop is the agent runtime.
type Loop struct {
	cfg      Config
	router   Router
	tools    Invoker
	sessions Sessions
	bus      MessageBus
	metrics  *metrics.Metrics
	workers  *semaphore.Weighted

	mu     sync.Mutex
	queues map[string]*sessionQueue
	states map[string]State
	wg     sync.WaitGroup

	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	tracer trace.Tracer
	logger *slog.Logger
}

// New creates a Loop. The workspace directory is created if missing.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Loop, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Router == nil || deps.Tools == nil || deps.Sessions == nil {
		return nil, fmt.Errorf("agent: router, tools and sessions are required")
	}
	cfg = cfg.withDefaults()

	ws, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	cfg.Workspace = ws

	workers := deps.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Loop{
		cfg:      cfg,
		router:   deps.Router,
		tools:    deps.Tools,
		sessions: deps.Sessions,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		workers:  semaphore.NewWeighted(int64(workers)),
		queues:   make(map[string]*sessionQueue),
		states:   make(map[string]State),
		sleep:    sleepCtx,
		now:      time.Now,
		tracer:   otel.Tracer("github.com/jholhewres/clawgate/pkg/clawgate/agent"),
		logger:   logger.With("component", "agent"),
	}, nil
}

// Workspace returns the absolute default workspace root.
func (l *Loop) Workspace() string { return l.cfg.Workspace }

// Run consumes inbound messages until ctx is cancelled or the bus closes,
// then waits for queued turns to finish.
func (l *Loop) Run(ctx context.Context) error {
	if l.bus == nil {
		return fmt.Errorf("agent: no bus configured")
	}
	l.logger.Info("agent loop started", "workspace", l.cfg.Workspace)
	defer l.wg.Wait()
	for {
		msg, ok := l.bus.ConsumeInbound(ctx)
		if !ok {
			l.logger.Info("agent loop stopped")
			return nil
		}
		l.enqueue(ctx, msg)
	}
}

// Handle runs one message through its session queue and waits for the
// reply. The reply is also published on the bus when the target is a
// platform channel.
func (l *Loop) Handle(ctx context.Context, msg bus.InboundMessage) Reply {
	done := l.enqueue(ctx, msg)
	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		return Reply{Outcome: Cancelled, Err: ctx.Err()}
	}
}

// Wait blocks until every queued turn has finished.
func (l *Loop) Wait() { l.wg.Wait() }

// enqueue appends msg to its session queue and starts a drainer when the
// session is idle.
func (l *Loop) enqueue(ctx context.Context, msg bus.InboundMessage) <-chan Reply {
	key := msg.Key()
	j := job{ctx: ctx, msg: msg, done: make(chan Reply, 1)}

	l.mu.Lock()
	q, running := l.queues[key]
	if !running {
		q = &sessionQueue{}
		l.queues[key] = q
	}
	q.pending = append(q.pending, j)
	if !running {
		l.wg.Add(1)
		go l.drain(key)
	} else {
		l.logger.Debug("session busy, message queued", "session", key, "queued", len(q.pending))
	}
	l.mu.Unlock()
	return j.done
}

func (l *Loop) drain(key string) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		q := l.queues[key]
		if len(q.pending) == 0 {
			delete(l.queues, key)
			l.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending = q.pending[1:]
		l.mu.Unlock()

		j.done <- l.process(j.ctx, j.msg)
	}
}

// process runs one turn under a worker slot and delivers the reply.
func (l *Loop) process(ctx context.Context, msg bus.InboundMessage) Reply {
	if err := l.workers.Acquire(ctx, 1); err != nil {
		return Reply{Outcome: Cancelled, Err: err}
	}
	defer l.workers.Release(1)

	start := l.now()
	var reply Reply
	if cmd, ok := parseCommand(msg.Text); ok {
		reply = l.runCommand(ctx, msg, cmd)
	} else {
		reply = l.runTurn(ctx, msg)
	}
	l.metrics.Turn(string(reply.Outcome), time.Since(start))

	l.deliver(ctx, msg, reply)
	return reply
}

// replyTarget is where a reply to msg goes. Scheduler and heartbeat
// messages name their target in metadata.
func replyTarget(msg bus.InboundMessage) (channel, target string) {
	channel, target = msg.Channel, msg.ChatID
	if target == "" {
		target = msg.SenderID
	}
	if c := msg.Metadata[MetaReplyChannel]; c != "" {
		channel, target = c, msg.Metadata[MetaReplyTo]
	}
	return channel, target
}

func (l *Loop) deliver(ctx context.Context, msg bus.InboundMessage, reply Reply) {
	text := strings.TrimSpace(reply.Text)
	if text == "" || l.bus == nil {
		return
	}
	if msg.Channel == bus.ChannelHeartbeat && strings.Contains(text, HeartbeatOK) {
		return
	}
	channel, target := replyTarget(msg)
	if bus.IsInternal(channel) || target == "" {
		return
	}
	out := bus.OutboundMessage{Channel: channel, TargetID: target, Text: reply.Text, FormattingHint: "markdown"}
	if err := l.bus.PublishOutbound(ctx, out); err != nil {
		l.logger.Error("failed to publish reply", "channel", channel, "target", target, "error", err)
	}
}

// State reports where the session's current turn is. Idle when none runs.
func (l *Loop) State(key string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.states[key]; ok {
		return s
	}
	return StateIdle
}

func (l *Loop) setState(key string, s State) {
	l.mu.Lock()
	if s == StateIdle {
		delete(l.states, key)
	} else {
		l.states[key] = s
	}
	l.mu.Unlock()
	l.logger.Debug("turn state", "session", key, "state", s)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
