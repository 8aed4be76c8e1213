package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/bus"
)

const (
	// HeartbeatFile is read from the workspace root on every beat.
	HeartbeatFile = "HEARTBEAT.md"

	minHeartbeatMinutes     = 5
	defaultHeartbeatMinutes = 30
)

// HeartbeatConfig is the heartbeat section of the configuration. The reply
// goes to TargetChannel/TargetID; without a target nothing is published.
type HeartbeatConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalMinutes int    `yaml:"interval_minutes"`
	TargetChannel   string `yaml:"target_channel"`
	TargetID        string `yaml:"target_id"`
}

// DefaultHeartbeatConfig returns the stock heartbeat configuration.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{IntervalMinutes: defaultHeartbeatMinutes}
}

// Interval returns the beat period: 30 minutes when unset, at least 5.
func (c HeartbeatConfig) Interval() time.Duration {
	m := c.IntervalMinutes
	switch {
	case m <= 0:
		m = defaultHeartbeatMinutes
	case m < minHeartbeatMinutes:
		m = minHeartbeatMinutes
	}
	return time.Duration(m) * time.Minute
}

const heartbeatTemplate = `# Heartbeat Check List

Tasks listed below are reviewed by the assistant on every heartbeat.

## Instructions

- Work through every task below.
- Reply with HEARTBEAT_OK only when nothing needs attention.

---

Add your heartbeat tasks below this line:
`

// Heartbeat periodically turns HEARTBEAT.md into a prompt.
type Heartbeat struct {
	cfg       HeartbeatConfig
	workspace string
	pub       Publisher

	now    func() time.Time
	logger *slog.Logger
}

// NewHeartbeat creates a Heartbeat reading from workspace.
func NewHeartbeat(cfg HeartbeatConfig, workspace string, pub Publisher, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		cfg:       cfg,
		workspace: workspace,
		pub:       pub,
		now:       time.Now,
		logger:    logger.With("component", "heartbeat"),
	}
}

// Run beats every interval until ctx is done. The first beat happens one
// interval after start.
func (h *Heartbeat) Run(ctx context.Context) error {
	interval := h.cfg.Interval()
	h.logger.Info("heartbeat started", "interval", interval.String(), "target", h.cfg.TargetChannel)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := h.Beat(ctx); err != nil && ctx.Err() == nil {
				h.logger.Error("heartbeat failed", "error", err)
			}
		}
	}
}

// Beat publishes one heartbeat prompt. It reports false when there was
// nothing to send: no target, a missing file (the template is created) or a
// file without tasks.
func (h *Heartbeat) Beat(ctx context.Context) (bool, error) {
	tasks, err := h.tasks()
	if err != nil {
		return false, err
	}
	if tasks == "" {
		h.logger.Debug("no heartbeat tasks")
		return false, nil
	}
	if h.cfg.TargetChannel == "" || h.cfg.TargetID == "" {
		h.logger.Debug("heartbeat has no target")
		return false, nil
	}

	now := h.now()
	msg := bus.InboundMessage{
		Channel:    bus.ChannelHeartbeat,
		SenderID:   "heartbeat",
		ChatID:     h.cfg.TargetID,
		SessionKey: fmt.Sprintf("heartbeat:%s:%s", h.cfg.TargetChannel, h.cfg.TargetID),
		Text:       prompt(now, tasks),
		Timestamp:  now.UTC(),
		Metadata: map[string]string{
			MetaReplyChannel: h.cfg.TargetChannel,
			MetaReplyTo:      h.cfg.TargetID,
		},
	}
	if err := h.pub.PublishInbound(ctx, msg); err != nil {
		return false, fmt.Errorf("publish heartbeat: %w", err)
	}
	h.logger.Info("heartbeat sent", "channel", h.cfg.TargetChannel)
	return true, nil
}

// tasks returns the part of HEARTBEAT.md that holds tasks. An untouched
// template has none.
func (h *Heartbeat) tasks() (string, error) {
	path := filepath.Join(h.workspace, HeartbeatFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(h.workspace, 0o755); err != nil {
			return "", fmt.Errorf("create workspace: %w", err)
		}
		if err := os.WriteFile(path, []byte(heartbeatTemplate), 0o644); err != nil {
			return "", fmt.Errorf("create %s: %w", HeartbeatFile, err)
		}
		h.logger.Info("created heartbeat template", "path", path)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", HeartbeatFile, err)
	}

	content := string(data)
	if _, after, ok := strings.Cut(content, "Add your heartbeat tasks below this line:"); ok {
		if strings.TrimSpace(after) == "" {
			return "", nil
		}
	}
	return strings.TrimSpace(content), nil
}

func prompt(now time.Time, tasks string) string {
	return fmt.Sprintf(`# Heartbeat Check

Current time: %s

This is a scheduled heartbeat check. Review the tasks below and act on any that need it.
If nothing requires attention, reply only with: HEARTBEAT_OK

%s
`, now.Format("2006-01-02 15:04:05"), tasks)
}
