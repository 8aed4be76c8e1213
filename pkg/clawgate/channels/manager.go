package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/bus"
	"github.com/jholhewres/clawgate/pkg/clawgate/metrics"
)

// Bus is the part of the message bus the Manager uses.
type Bus interface {
	PublishInbound(ctx context.Context, msg bus.InboundMessage) error
	SubscribeOutbound(channel string, h bus.Handler)
}

// Readiness receives connection state changes. *health.Reporter satisfies it.
type Readiness interface {
	Register(name string)
	MarkReady(name string)
	MarkNotReady(name, reason string)
}

// RetryConfig bounds delivery and reconnection backoff.
type RetryConfig struct {
	MaxAttempts     int `yaml:"max_attempts"`
	BaseDelayMillis int `yaml:"base_delay_ms"`
	MaxDelayMillis  int `yaml:"max_delay_ms"`
}

// DefaultRetryConfig returns the stock retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, BaseDelayMillis: 500, MaxDelayMillis: 30000}
}

// Backoff returns the delay before retry number attempt (1-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	base := time.Duration(c.BaseDelayMillis) * time.Millisecond
	limit := time.Duration(c.MaxDelayMillis) * time.Millisecond
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if limit < base {
		limit = base
	}
	d := base
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}

const deliveryQueueSize = 100

type entry struct {
	ch    Channel
	allow AllowList
	queue chan bus.OutboundMessage
}

// Manager connects registered channels to the bus. Incoming messages from
// senders outside a channel's allow list never reach the bus. Outgoing
// messages are delivered per channel, in order, with retry.
type Manager struct {
	bus       Bus
	retry     RetryConfig
	metrics   *metrics.Metrics
	readiness Readiness

	mu      sync.RWMutex
	entries map[string]*entry
	wg      sync.WaitGroup

	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// NewManager creates a Manager publishing to b.
func NewManager(b Bus, retry RetryConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	return &Manager{
		bus:     b,
		retry:   retry,
		entries: make(map[string]*entry),
		sleep:   sleepCtx,
		logger:  logger.With("component", "channels"),
	}
}

// SetMetrics attaches traffic counters.
func (m *Manager) SetMetrics(mt *metrics.Metrics) { m.metrics = mt }

// SetReadiness attaches a readiness sink. Each channel reports as
// "channel:<name>".
func (m *Manager) SetReadiness(r Readiness) { m.readiness = r }

// Register adds a channel with its sender allow list.
func (m *Manager) Register(ch Channel, allowFrom []string) error {
	name := ch.Name()
	if bus.IsInternal(name) {
		return fmt.Errorf("%w: %s", ErrReservedName, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateChannel, name)
	}
	m.entries[name] = &entry{
		ch:    ch,
		allow: NewAllowList(allowFrom),
		queue: make(chan bus.OutboundMessage, deliveryQueueSize),
	}
	if m.readiness != nil {
		m.readiness.Register(readinessName(name))
	}
	m.logger.Info("channel registered", "channel", name, "allow_from", len(allowFrom))
	return nil
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for name := range m.entries {
		out = append(out, name)
	}
	return out
}

// Health returns the status of every registered channel.
func (m *Manager) Health() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]HealthStatus, len(m.entries))
	for name, e := range m.entries {
		out[name] = e.ch.Health()
	}
	return out
}

// Run connects every channel and serves until ctx is done, then
// disconnects. A channel that fails to connect is retried with backoff
// without affecting the others.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	if len(entries) == 0 {
		m.logger.Info("no channels configured")
	}
	for _, e := range entries {
		m.bus.SubscribeOutbound(e.ch.Name(), m.enqueue(e))
		m.wg.Add(1)
		go m.serve(ctx, e)
	}

	<-ctx.Done()
	m.wg.Wait()
	for _, e := range entries {
		if err := e.ch.Disconnect(); err != nil {
			m.logger.Warn("disconnect failed", "channel", e.ch.Name(), "error", err)
		}
	}
	m.logger.Info("channels stopped")
	return nil
}

// enqueue is the bus handler for one channel. It hands the message to the
// channel's delivery worker so a slow platform never stalls dispatch.
func (m *Manager) enqueue(e *entry) bus.Handler {
	return func(ctx context.Context, msg bus.OutboundMessage) error {
		select {
		case e.queue <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// serve connects e, then runs its listener and delivery worker.
func (m *Manager) serve(ctx context.Context, e *entry) {
	defer m.wg.Done()
	name := e.ch.Name()

	if !m.connect(ctx, e) {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.listen(ctx, e)
	}()
	go func() {
		defer wg.Done()
		m.deliverLoop(ctx, e)
	}()
	wg.Wait()
	m.markNotReady(name, "stopped")
}

func (m *Manager) connect(ctx context.Context, e *entry) bool {
	name := e.ch.Name()
	for attempt := 1; ; attempt++ {
		err := e.ch.Connect(ctx)
		if err == nil {
			m.logger.Info("channel connected", "channel", name)
			if m.readiness != nil {
				m.readiness.MarkReady(readinessName(name))
			}
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		delay := m.retry.Backoff(attempt)
		m.logger.Error("channel connect failed", "channel", name, "attempt", attempt, "retry_in", delay.String(), "error", err)
		m.markNotReady(name, err.Error())
		if m.sleep(ctx, delay) != nil {
			return false
		}
	}
}

func (m *Manager) listen(ctx context.Context, e *entry) {
	name := e.ch.Name()
	in := e.ch.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if !e.allow.Allowed(msg.From, msg.FromName) {
				m.logger.Warn("message from unlisted sender dropped", "channel", name, "sender", msg.From)
				m.metrics.InboundMessage(name, "rejected")
				continue
			}
			if err := m.bus.PublishInbound(ctx, toInbound(name, msg)); err != nil {
				m.logger.Error("failed to publish inbound message", "channel", name, "error", err)
				m.metrics.InboundMessage(name, "dropped")
				continue
			}
			m.metrics.InboundMessage(name, "accepted")
		}
	}
}

func toInbound(name string, msg IncomingMessage) bus.InboundMessage {
	meta := map[string]string{}
	if msg.ID != "" {
		meta["message_id"] = msg.ID
	}
	if msg.FromName != "" {
		meta["sender_name"] = msg.FromName
	}
	return bus.InboundMessage{
		Channel:   name,
		SenderID:  msg.From,
		ChatID:    msg.ChatID,
		Text:      msg.Content,
		Timestamp: msg.Timestamp,
		Metadata:  meta,
	}
}

func (m *Manager) deliverLoop(ctx context.Context, e *entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.queue:
			m.deliver(ctx, e, msg)
		}
	}
}

// deliver sends one message, retrying with exponential backoff.
func (m *Manager) deliver(ctx context.Context, e *entry, msg bus.OutboundMessage) {
	name := e.ch.Name()
	out := OutgoingMessage{Content: msg.Text, FormattingHint: msg.FormattingHint}
	for attempt := 1; attempt <= m.retry.MaxAttempts; attempt++ {
		err := e.ch.Send(ctx, msg.TargetID, out)
		if err == nil {
			m.metrics.OutboundMessage(name, "sent")
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == m.retry.MaxAttempts {
			m.logger.Error("delivery failed, giving up", "channel", name, "target", msg.TargetID, "attempts", attempt, "error", err)
			break
		}
		delay := m.retry.Backoff(attempt)
		m.logger.Warn("delivery failed, retrying", "channel", name, "target", msg.TargetID, "attempt", attempt, "retry_in", delay.String(), "error", err)
		if m.sleep(ctx, delay) != nil {
			return
		}
	}
	m.metrics.OutboundMessage(name, "failed")
}

func (m *Manager) markNotReady(name, reason string) {
	if m.readiness != nil {
		m.readiness.MarkNotReady(readinessName(name), reason)
	}
}

func readinessName(channel string) string { return "channel:" + channel }

// AllowList matches senders against allow_from entries. An entry may be a
// platform id, a username (optionally with a leading @) or "id|username".
// An empty list allows everyone.
type AllowList struct {
	ids   map[string]bool
	users map[string]bool
}

// NewAllowList parses allow_from entries.
func NewAllowList(entries []string) AllowList {
	a := AllowList{ids: map[string]bool{}, users: map[string]bool{}}
	for _, raw := range entries {
		raw = strings.TrimPrefix(strings.TrimSpace(raw), "@")
		if raw == "" {
			continue
		}
		id, user, found := strings.Cut(raw, "|")
		a.ids[id] = true
		a.users[strings.ToLower(id)] = true
		if found && user != "" {
			a.users[strings.ToLower(strings.TrimPrefix(user, "@"))] = true
		}
	}
	return a
}

// Empty reports whether the list allows everyone.
func (a AllowList) Empty() bool { return len(a.ids) == 0 }

// Allowed reports whether a sender may reach the agent.
func (a AllowList) Allowed(senderID, username string) bool {
	if a.Empty() {
		return true
	}
	if senderID != "" && a.ids[senderID] {
		return true
	}
	return username != "" && a.users[strings.ToLower(strings.TrimPrefix(username, "@"))]
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
