// Package gateway assembles the components from a configuration and runs
// them under one errgroup.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/clawgate/pkg/clawgate/agent"
	"github.com/jholhewres/clawgate/pkg/clawgate/audit"
	"github.com/jholhewres/clawgate/pkg/clawgate/bus"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/discord"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/telegram"
	"github.com/jholhewres/clawgate/pkg/clawgate/config"
	"github.com/jholhewres/clawgate/pkg/clawgate/health"
	"github.com/jholhewres/clawgate/pkg/clawgate/metrics"
	"github.com/jholhewres/clawgate/pkg/clawgate/policy"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
	"github.com/jholhewres/clawgate/pkg/clawgate/scheduler"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

// Readiness component names.
const (
	ComponentAgent      = "agent"
	ComponentDispatcher = "dispatcher"
	ComponentProvider   = "provider"
	ComponentScheduler  = "scheduler"
	ComponentHeartbeat  = "heartbeat"
	ComponentAudit      = "audit"
)

// Options narrow what New starts.
type Options struct {
	// Channels limits the platform channels to these names. Empty starts
	// every enabled channel.
	Channels []string

	// Interactive builds only what a local chat session needs: no
	// platform channels, scheduler loop, heartbeat or health server.
	Interactive bool
}

// Gateway owns every component.
type Gateway struct {
	cfg  *config.Config
	opts Options

	Bus       *bus.Bus
	Metrics   *metrics.Metrics
	Health    *health.Reporter
	Tools     *tools.Registry
	Router    *provider.Router
	Sessions  *store.SessionStore
	Agent     *agent.Loop
	Scheduler *scheduler.Scheduler
	Heartbeat *scheduler.Heartbeat
	Channels  *channels.Manager

	server *health.Server
	audit  *audit.Log
	logger *slog.Logger
}

// New builds the gateway. A channel that is enabled but cannot be built is
// skipped with a warning; every other construction error is fatal.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:     cfg,
		opts:    opts,
		Bus:     bus.New(cfg.Runtime.BusCapacity, logger),
		Metrics: metrics.New(),
		Health:  health.NewReporter(),
		logger:  logger.With("component", "gateway"),
	}

	engine, err := policy.New(cfg.Tools.Policy, logger)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	guard := policy.NewNetworkGuard(cfg.Tools.Policy.Network, nil, logger)

	g.Tools = tools.NewRegistry(engine, logger)
	g.Tools.SetGuard(guard)
	g.Tools.SetBlockingWorkers(cfg.Runtime.BlockingWorkers)
	g.Tools.SetTimeout(time.Duration(cfg.Tools.TimeoutSeconds) * time.Second)
	g.Tools.SetMetrics(g.Metrics)

	if cfg.Audit.Enabled {
		g.Health.Register(ComponentAudit)
		g.audit, err = audit.Open(cfg.Audit.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		g.Tools.SetAudit(g.audit)
		g.Health.MarkReady(ComponentAudit)
	}

	g.Scheduler = scheduler.New(cfg.Scheduler, g.Bus, logger)
	g.Scheduler.SetMetrics(g.Metrics)

	if err := tools.RegisterBuiltins(g.Tools, tools.Builtins{
		Config:    cfg.Tools,
		Guard:     guard,
		Publisher: g.Bus,
		Jobs:      g.Scheduler,
	}); err != nil {
		g.Close()
		return nil, fmt.Errorf("tools: %w", err)
	}

	g.Router = provider.NewRouter(cfg.RouterConfig(), logger)
	g.Router.SetMetrics(g.Metrics)
	g.Health.Register(ComponentProvider)
	if g.hasCredential() {
		g.Health.MarkReady(ComponentProvider)
	} else {
		g.Health.MarkNotReady(ComponentProvider, "no provider has a credential")
	}

	g.Sessions, err = store.NewSessionStore(cfg.State.SessionsDir(), logger)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("sessions: %w", err)
	}

	g.Agent, err = agent.New(cfg.Agent, agent.Deps{
		Router:   g.Router,
		Tools:    g.Tools,
		Sessions: g.Sessions,
		Bus:      g.Bus,
		Metrics:  g.Metrics,
		Workers:  cfg.Runtime.Workers,
	}, logger)
	if err != nil {
		g.Close()
		return nil, err
	}

	if opts.Interactive {
		return g, nil
	}

	g.Heartbeat = scheduler.NewHeartbeat(cfg.Heartbeat, g.Agent.Workspace(), g.Bus, logger)

	g.Channels = channels.NewManager(g.Bus, cfg.Channels.Retry, logger)
	g.Channels.SetMetrics(g.Metrics)
	g.Channels.SetReadiness(g.Health)
	g.registerChannels(logger)

	if cfg.Health.Enabled {
		g.server = health.NewServer(cfg.Health, g.Health, g.Metrics.Handler(), logger)
	}
	return g, nil
}

func (g *Gateway) hasCredential() bool {
	for _, p := range g.Router.Profiles() {
		if p.HasCredential() {
			return true
		}
	}
	return false
}

func (g *Gateway) wants(name string) bool {
	return len(g.opts.Channels) == 0 || slices.Contains(g.opts.Channels, name)
}

func (g *Gateway) registerChannels(logger *slog.Logger) {
	cc := g.cfg.Channels
	type candidate struct {
		enabled bool
		token   string
		allow   []string
		build   func() channels.Channel
	}
	candidates := map[string]candidate{
		"discord": {cc.Discord.Enabled, cc.Discord.Token, cc.Discord.AllowFrom, func() channels.Channel {
			return discord.New(cc.Discord, logger)
		}},
		"telegram": {cc.Telegram.Enabled, cc.Telegram.Token, cc.Telegram.AllowFrom, func() channels.Channel {
			return telegram.New(cc.Telegram, logger)
		}},
	}
	for _, name := range []string{"discord", "telegram"} {
		c := candidates[name]
		if !c.enabled || !g.wants(name) {
			continue
		}
		if c.token == "" {
			g.logger.Warn("channel enabled without a token, skipping", "channel", name)
			continue
		}
		if err := g.Channels.Register(c.build(), c.allow); err != nil {
			g.logger.Error("channel registration failed", "channel", name, "error", err)
		}
	}
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. The bus is closed on return.
func (g *Gateway) Run(ctx context.Context) error {
	grp, gctx := errgroup.WithContext(ctx)

	g.start(gctx, grp, ComponentDispatcher, g.Bus.DispatchOutbound)
	g.start(gctx, grp, ComponentAgent, g.Agent.Run)
	if !g.opts.Interactive {
		if g.cfg.Scheduler.Enabled {
			g.start(gctx, grp, ComponentScheduler, g.Scheduler.Run)
		}
		if g.cfg.Heartbeat.Enabled {
			g.start(gctx, grp, ComponentHeartbeat, g.Heartbeat.Run)
		}
		if len(g.Channels.Names()) > 0 {
			grp.Go(func() error { return g.Channels.Run(gctx) })
		}
		if g.server != nil {
			grp.Go(func() error { return g.server.Run(gctx) })
		}
	}

	g.logger.Info("gateway running", "channels", g.channelNames(), "health", g.healthAddress())
	err := grp.Wait()
	g.Bus.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (g *Gateway) start(ctx context.Context, grp *errgroup.Group, name string, run func(context.Context) error) {
	g.Health.Register(name)
	grp.Go(func() error {
		g.Health.MarkReady(name)
		err := run(ctx)
		g.Health.MarkNotReady(name, "stopped")
		return err
	})
}

func (g *Gateway) channelNames() []string {
	if g.Channels == nil {
		return nil
	}
	return g.Channels.Names()
}

func (g *Gateway) healthAddress() string {
	if g.server == nil {
		return ""
	}
	return g.cfg.Health.Address
}

// Chat runs one local message through the agent on the cli channel.
func (g *Gateway) Chat(ctx context.Context, sessionKey, text string) agent.Reply {
	return g.Agent.Handle(ctx, bus.InboundMessage{
		Channel:    bus.ChannelCLI,
		SenderID:   "local",
		ChatID:     "local",
		SessionKey: sessionKey,
		Text:       text,
		Timestamp:  time.Now(),
	})
}

// Close releases resources held outside Run.
func (g *Gateway) Close() error {
	if g.audit != nil {
		return g.audit.Close()
	}
	return nil
}
