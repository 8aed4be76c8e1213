// Package telegram implements the Telegram channel on the Bot API using
// long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
)

// maxMessageLen is the Bot API limit for one text message.
const maxMessageLen = 4096

// Config holds Telegram channel configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`

	// AllowFrom lists user ids or usernames that may talk to the bot.
	// Empty allows everyone.
	AllowFrom []string `yaml:"allow_from"`

	// APIBase overrides the Bot API server.
	APIBase string `yaml:"api_base"`

	// RespondToGroups enables answering in group chats.
	RespondToGroups bool `yaml:"respond_to_groups"`
}

// DefaultConfig returns a Config with groups enabled.
func DefaultConfig() Config {
	return Config{RespondToGroups: true}
}

// botAPI is the subset of *bot.Bot the adapter uses.
type botAPI interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	Start(ctx context.Context)
}

// Telegram implements channels.Channel.
type Telegram struct {
	cfg    Config
	logger *slog.Logger

	newBot func(cfg Config, handler bot.HandlerFunc) (botAPI, error)
	bot    botAPI
	cancel context.CancelFunc
	wg     sync.WaitGroup

	messages   chan channels.IncomingMessage
	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
}

// New creates a Telegram channel.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		newBot:   newBot,
		messages: make(chan channels.IncomingMessage, 256),
	}
}

func newBot(cfg Config, handler bot.HandlerFunc) (botAPI, error) {
	opts := []bot.Option{bot.WithDefaultHandler(handler)}
	if cfg.APIBase != "" {
		opts = append(opts, bot.WithServerURL(cfg.APIBase))
	}
	return bot.New(cfg.Token, opts...)
}

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Connect creates the bot and starts long polling in the background.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	b, err := t.newBot(t.cfg, t.handleUpdate)
	if err != nil {
		t.errorCount.Add(1)
		return fmt.Errorf("telegram: creating bot: %w", err)
	}
	t.bot = b

	pollCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		b.Start(pollCtx)
	}()
	t.connected.Store(true)
	t.logger.Info("telegram connected")
	return nil
}

// Disconnect stops polling and waits for the poller to exit.
func (t *Telegram) Disconnect() error {
	t.connected.Store(false)
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.logger.Info("telegram disconnected")
	return nil
}

// Send delivers text to a chat id, split at the 4096 character limit.
func (t *Telegram) Send(ctx context.Context, to string, msg channels.OutgoingMessage) error {
	if t.bot == nil || !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", to, err)
	}
	for i, chunk := range channels.SplitMessage(msg.Content, maxMessageLen) {
		params := &bot.SendMessageParams{ChatID: chatID, Text: chunk}
		if i == 0 && msg.ReplyTo != "" {
			if id, err := strconv.Atoi(msg.ReplyTo); err == nil {
				params.ReplyParameters = &models.ReplyParameters{MessageID: id}
			}
		}
		if _, err := t.bot.SendMessage(ctx, params); err != nil {
			t.errorCount.Add(1)
			return fmt.Errorf("telegram: send: %w", err)
		}
	}
	return nil
}

// Receive returns the incoming messages.
func (t *Telegram) Receive() <-chan channels.IncomingMessage { return t.messages }

// IsConnected reports whether polling is running.
func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// Health returns the channel health.
func (t *Telegram) Health() channels.HealthStatus {
	var last time.Time
	if v := t.lastMsg.Load(); v != nil {
		last = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     t.connected.Load(),
		LastMessageAt: last,
		ErrorCount:    int(t.errorCount.Load()),
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg, ok := t.convert(update)
	if !ok {
		return
	}
	t.lastMsg.Store(time.Now())
	select {
	case t.messages <- msg:
	case <-ctx.Done():
	default:
		t.logger.Warn("message buffer full, dropping message", "chat_id", msg.ChatID)
	}
}

// convert translates an update carrying a text message. The sender is
// reported as the numeric user id with the username as FromName.
func (t *Telegram) convert(update *models.Update) (channels.IncomingMessage, bool) {
	if update == nil || update.Message == nil || update.Message.From == nil {
		return channels.IncomingMessage{}, false
	}
	m := update.Message
	if m.From.IsBot || strings.TrimSpace(m.Text) == "" {
		return channels.IncomingMessage{}, false
	}
	isGroup := m.Chat.Type == models.ChatTypeGroup || m.Chat.Type == models.ChatTypeSupergroup
	if isGroup && !t.cfg.RespondToGroups {
		return channels.IncomingMessage{}, false
	}

	msg := channels.IncomingMessage{
		ID:        strconv.Itoa(m.ID),
		Channel:   "telegram",
		From:      strconv.FormatInt(m.From.ID, 10),
		FromName:  m.From.Username,
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		IsGroup:   isGroup,
		Content:   m.Text,
		Timestamp: time.Unix(int64(m.Date), 0).UTC(),
	}
	if m.ReplyToMessage != nil {
		msg.ReplyTo = strconv.Itoa(m.ReplyToMessage.ID)
	}
	return msg, true
}

var _ channels.Channel = (*Telegram)(nil)
