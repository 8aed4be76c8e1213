// Package bus connects message producers (channel listeners, the scheduler,
// the heartbeat, the CLI) with the agent loop, and the agent loop with the
// per-channel delivery consumers. Both directions are bounded queues with
// blocking publish, so messages from one producer keep their order.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity is the queue size used when none is configured.
const DefaultCapacity = 100

// Internal channel names. Messages on these never reach a platform.
const (
	ChannelCLI       = "cli"
	ChannelCron      = "cron"
	ChannelHeartbeat = "heartbeat"
	ChannelSystem    = "system"
)

// ErrClosed is returned by publishes after Close.
var ErrClosed = errors.New("bus closed")

// IsInternal reports whether channel is handled inside the process.
func IsInternal(channel string) bool {
	switch channel {
	case ChannelCLI, ChannelCron, ChannelHeartbeat, ChannelSystem:
		return true
	}
	return false
}

// InboundMessage is a normalized message entering the agent loop.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	SessionKey string            `json:"session_key"`
	Text       string            `json:"text"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Key returns the session key, deriving "<channel>:<chat>" when unset.
func (m InboundMessage) Key() string {
	if m.SessionKey != "" {
		return m.SessionKey
	}
	chat := m.ChatID
	if chat == "" {
		chat = m.SenderID
	}
	return m.Channel + ":" + chat
}

// OutboundMessage is a reply or notification bound for a channel.
type OutboundMessage struct {
	Channel        string `json:"channel"`
	TargetID       string `json:"target_id"`
	Text           string `json:"text"`
	FormattingHint string `json:"formatting_hint,omitempty"`
}

// Handler delivers one outbound message.
type Handler func(ctx context.Context, msg OutboundMessage) error

// Bus is the pair of bounded queues.
type Bus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
	done     chan struct{}

	logger *slog.Logger
}

// New creates a bus with the given queue capacity.
func New(capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		inbound:  make(chan InboundMessage, capacity),
		outbound: make(chan OutboundMessage, capacity),
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
		logger:   logger.With("component", "bus"),
	}
}

// PublishInbound enqueues msg, blocking while the queue is full.
func (b *Bus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if b.isClosed() {
		return ErrClosed
	}
	select {
	case b.inbound <- msg:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound waits for the next inbound message. ok is false once the
// bus is closed or ctx is done.
func (b *Bus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-b.done:
		return InboundMessage{}, false
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues msg, blocking while the queue is full.
func (b *Bus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	if b.isClosed() {
		return ErrClosed
	}
	select {
	case b.outbound <- msg:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeOutbound waits for the next outbound message.
func (b *Bus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-b.done:
		return OutboundMessage{}, false
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// SubscribeOutbound registers the delivery handler for channel, replacing
// any previous one.
func (b *Bus) SubscribeOutbound(channel string, h Handler) {
	b.mu.Lock()
	b.handlers[channel] = h
	b.mu.Unlock()
}

// DispatchOutbound routes outbound messages to their channel handler in
// queue order until ctx is done or the bus closes. Messages for channels
// without a handler are logged and dropped.
func (b *Bus) DispatchOutbound(ctx context.Context) error {
	for {
		msg, ok := b.ConsumeOutbound(ctx)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}

		b.mu.RLock()
		h := b.handlers[msg.Channel]
		b.mu.RUnlock()

		if h == nil {
			b.logger.Warn("no subscriber for outbound message", "channel", msg.Channel, "target", msg.TargetID)
			continue
		}
		if err := h(ctx, msg); err != nil {
			b.logger.Error("outbound delivery failed", "channel", msg.Channel, "target", msg.TargetID, "error", err)
		}
	}
}

// Close stops the bus. Pending messages are discarded and blocked
// publishers return ErrClosed. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

func (b *Bus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
