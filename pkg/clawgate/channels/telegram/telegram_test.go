package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
)

type fakeBot struct {
	mu      sync.Mutex
	sent    []*bot.SendMessageParams
	sendErr error
	started chan struct{}
}

func (f *fakeBot) SendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, params)
	return &models.Message{ID: len(f.sent)}, nil
}

func (f *fakeBot) Start(ctx context.Context) {
	close(f.started)
	<-ctx.Done()
}

func connected(t *testing.T, cfg Config) (*Telegram, *fakeBot) {
	t.Helper()
	fb := &fakeBot{started: make(chan struct{})}
	cfg.Token = "123:abc"
	tg := New(cfg, nil)
	tg.newBot = func(Config, bot.HandlerFunc) (botAPI, error) { return fb, nil }
	if err := tg.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-fb.started
	t.Cleanup(func() { _ = tg.Disconnect() })
	return tg, fb
}

func TestConnectRequiresToken(t *testing.T) {
	t.Parallel()
	if err := New(Config{}, nil).Connect(context.Background()); err == nil {
		t.Fatal("Connect without token succeeded")
	}
}

func TestSend(t *testing.T) {
	t.Parallel()
	tg, fb := connected(t, DefaultConfig())

	long := strings.Repeat("x", maxMessageLen+10)
	if err := tg.Send(context.Background(), "-100200", channels.OutgoingMessage{Content: long, ReplyTo: "77"}); err != nil {
		t.Fatal(err)
	}
	if len(fb.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(fb.sent))
	}
	if fb.sent[0].ChatID != int64(-100200) {
		t.Errorf("chat id = %v", fb.sent[0].ChatID)
	}
	if fb.sent[0].ReplyParameters == nil || fb.sent[0].ReplyParameters.MessageID != 77 {
		t.Error("first chunk should reply to message 77")
	}

	if err := tg.Send(context.Background(), "not-a-number", channels.OutgoingMessage{Content: "hi"}); err == nil {
		t.Error("Send accepted a non-numeric chat id")
	}

	fb.sendErr = errors.New("429 Too Many Requests")
	if err := tg.Send(context.Background(), "1", channels.OutgoingMessage{Content: "hi"}); err == nil {
		t.Error("send error swallowed")
	}
	if tg.Health().ErrorCount != 1 {
		t.Errorf("error count = %d", tg.Health().ErrorCount)
	}
}

func TestDisconnectStopsPolling(t *testing.T) {
	t.Parallel()
	tg, _ := connected(t, DefaultConfig())
	if err := tg.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if tg.IsConnected() {
		t.Error("still connected")
	}
	err := tg.Send(context.Background(), "1", channels.OutgoingMessage{Content: "hi"})
	if !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("Send after disconnect = %v", err)
	}
}

func TestConvert(t *testing.T) {
	t.Parallel()
	tg := New(Config{}, nil)

	update := func(from *models.User, chatType models.ChatType, text string) *models.Update {
		return &models.Update{Message: &models.Message{
			ID:   9,
			From: from,
			Chat: models.Chat{ID: 555, Type: chatType},
			Text: text,
			Date: 1767225600,
		}}
	}
	alice := &models.User{ID: 42, Username: "alice"}

	tests := []struct {
		name string
		in   *models.Update
		ok   bool
	}{
		{"private text", update(alice, models.ChatTypePrivate, "hello"), true},
		{"group disabled", update(alice, models.ChatTypeGroup, "hello"), false},
		{"bot sender", update(&models.User{ID: 1, IsBot: true}, models.ChatTypePrivate, "hi"), false},
		{"no text", update(alice, models.ChatTypePrivate, " "), false},
		{"no message", &models.Update{}, false},
	}
	for _, tt := range tests {
		got, ok := tg.convert(tt.in)
		if ok != tt.ok {
			t.Errorf("%s: ok = %v, want %v", tt.name, ok, tt.ok)
			continue
		}
		if ok && (got.From != "42" || got.FromName != "alice" || got.ChatID != "555" || got.ID != "9") {
			t.Errorf("%s: converted = %+v", tt.name, got)
		}
	}

	tg.handleUpdate(context.Background(), nil, update(alice, models.ChatTypePrivate, "queued"))
	select {
	case m := <-tg.Receive():
		if m.Content != "queued" {
			t.Errorf("received %+v", m)
		}
	default:
		t.Fatal("message not queued")
	}
}
