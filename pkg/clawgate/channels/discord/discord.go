// Package discord implements the Discord channel using discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
)

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Config holds Discord channel configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`

	// AllowFrom lists user ids or usernames that may talk to the bot.
	// Empty allows everyone.
	AllowFrom []string `yaml:"allow_from"`

	// AllowedGuilds and AllowedChannels restrict where the bot listens.
	// Empty means everywhere.
	AllowedGuilds   []string `yaml:"allowed_guilds"`
	AllowedChannels []string `yaml:"allowed_channels"`
}

// session is the subset of *discordgo.Session the adapter uses.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord implements channels.Channel.
type Discord struct {
	cfg    Config
	logger *slog.Logger

	newSession func(token string) (session, string, error)
	session    session
	botID      string

	messages   chan channels.IncomingMessage
	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
}

// New creates a Discord channel.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:        cfg,
		logger:     logger.With("component", "discord"),
		newSession: openSession,
		messages:   make(chan channels.IncomingMessage, 256),
	}
}

func openSession(token string) (session, string, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, "", err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	if err := s.Open(); err != nil {
		return nil, "", err
	}
	botID := ""
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	return s, botID, nil
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the gateway WebSocket.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}
	s, botID, err := d.newSession(d.cfg.Token)
	if err != nil {
		d.errorCount.Add(1)
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	s.AddHandler(d.onMessageCreate)
	d.session = s
	d.botID = botID
	d.connected.Store(true)
	d.logger.Info("discord connected", "bot_id", botID)
	return nil
}

// Disconnect closes the gateway connection.
func (d *Discord) Disconnect() error {
	d.connected.Store(false)
	if d.session == nil {
		return nil
	}
	err := d.session.Close()
	d.logger.Info("discord disconnected")
	return err
}

// Send posts text to a channel, split at the 2000 character limit.
func (d *Discord) Send(_ context.Context, to string, msg channels.OutgoingMessage) error {
	if d.session == nil || !d.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	for i, chunk := range channels.SplitMessage(msg.Content, maxMessageLen) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && msg.ReplyTo != "" {
			send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: to}
		}
		if _, err := d.session.ChannelMessageSendComplex(to, send); err != nil {
			d.errorCount.Add(1)
			return fmt.Errorf("discord: send: %w", err)
		}
	}
	return nil
}

// Receive returns the incoming messages.
func (d *Discord) Receive() <-chan channels.IncomingMessage { return d.messages }

// IsConnected reports whether the gateway is open.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health.
func (d *Discord) Health() channels.HealthStatus {
	var last time.Time
	if v := d.lastMsg.Load(); v != nil {
		last = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: last,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

func (d *Discord) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	msg, ok := d.convert(m)
	if !ok {
		return
	}
	d.lastMsg.Store(time.Now())
	select {
	case d.messages <- msg:
	default:
		d.logger.Warn("message buffer full, dropping message", "msg_id", msg.ID)
	}
}

// convert filters and translates a gateway message. Messages from bots,
// from the bot itself and from outside the guild and channel filters are
// dropped.
func (d *Discord) convert(m *discordgo.MessageCreate) (channels.IncomingMessage, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return channels.IncomingMessage{}, false
	}
	if m.Author.Bot || m.Author.ID == d.botID {
		return channels.IncomingMessage{}, false
	}
	if len(d.cfg.AllowedGuilds) > 0 && m.GuildID != "" && !slices.Contains(d.cfg.AllowedGuilds, m.GuildID) {
		return channels.IncomingMessage{}, false
	}
	if len(d.cfg.AllowedChannels) > 0 && !slices.Contains(d.cfg.AllowedChannels, m.ChannelID) {
		return channels.IncomingMessage{}, false
	}
	if m.Content == "" {
		return channels.IncomingMessage{}, false
	}

	msg := channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		IsGroup:   m.GuildID != "",
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if m.ReferencedMessage != nil {
		msg.ReplyTo = m.ReferencedMessage.ID
	}
	return msg, true
}

var _ channels.Channel = (*Discord)(nil)
