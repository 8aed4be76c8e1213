package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/clawgate/pkg/clawgate/bus"
	"github.com/jholhewres/clawgate/pkg/clawgate/health"
)

type fakeChannel struct {
	name string
	in   chan IncomingMessage

	mu           sync.Mutex
	connectFails int
	sendFails    int
	sent         []string
	connected    bool
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, in: make(chan IncomingMessage, 10)}
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectFails > 0 {
		f.connectFails--
		return errors.New("connection refused")
	}
	f.connected = true
	return nil
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Send(_ context.Context, to string, msg OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendFails > 0 {
		f.sendFails--
		return errors.New("503 service unavailable")
	}
	f.sent = append(f.sent, to+":"+msg.Content)
	return nil
}

func (f *fakeChannel) Receive() <-chan IncomingMessage { return f.in }

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Health() HealthStatus { return HealthStatus{Connected: f.IsConnected()} }

func (f *fakeChannel) sentSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startManager(t *testing.T, b *bus.Bus, setup func(m *Manager)) context.CancelFunc {
	t.Helper()
	m := NewManager(b, RetryConfig{MaxAttempts: 3, BaseDelayMillis: 1, MaxDelayMillis: 2}, nil)
	setup(m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	go func() { _ = b.DispatchOutbound(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestAllowList(t *testing.T) {
	t.Parallel()
	tests := []struct {
		entries  []string
		id, user string
		want     bool
	}{
		{nil, "anyone", "", true},
		{[]string{"123456"}, "123456", "alice", true},
		{[]string{"@alice"}, "123456", "alice", true},
		{[]string{"123456|alice"}, "123456", "", true},
		{[]string{"123456|alice"}, "999", "Alice", true},
		{[]string{"123456"}, "654321", "bob", false},
		{[]string{" ", ""}, "x", "", true},
	}
	for _, tt := range tests {
		if got := NewAllowList(tt.entries).Allowed(tt.id, tt.user); got != tt.want {
			t.Errorf("Allowed(%v, %q, %q) = %v, want %v", tt.entries, tt.id, tt.user, got, tt.want)
		}
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	m := NewManager(bus.New(1, nil), DefaultRetryConfig(), nil)
	if err := m.Register(newFakeChannel("discord"), nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(newFakeChannel("discord"), nil); !errors.Is(err, ErrDuplicateChannel) {
		t.Errorf("duplicate Register = %v", err)
	}
	if err := m.Register(newFakeChannel(bus.ChannelCron), nil); !errors.Is(err, ErrReservedName) {
		t.Errorf("internal name Register = %v", err)
	}
}

func TestInboundRespectsAllowList(t *testing.T) {
	t.Parallel()
	b := bus.New(10, nil)
	ch := newFakeChannel("telegram")
	startManager(t, b, func(m *Manager) {
		if err := m.Register(ch, []string{"42"}); err != nil {
			t.Fatal(err)
		}
	})
	waitFor(t, ch.IsConnected)

	ch.in <- IncomingMessage{From: "7", ChatID: "7", Content: "let me in"}
	ch.in <- IncomingMessage{From: "42", FromName: "alice", ChatID: "900", Content: "hello", ID: "m1"}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message")
	}
	if msg.Text != "hello" || msg.Channel != "telegram" || msg.Key() != "telegram:900" {
		t.Errorf("inbound = %+v", msg)
	}
	if msg.Metadata["sender_name"] != "alice" {
		t.Errorf("metadata = %v", msg.Metadata)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	if extra, ok := b.ConsumeInbound(short); ok {
		t.Errorf("rejected sender reached the bus: %+v", extra)
	}
}

func TestDeliveryRetriesInOrder(t *testing.T) {
	t.Parallel()
	b := bus.New(10, nil)
	ch := newFakeChannel("discord")
	ch.sendFails = 2
	startManager(t, b, func(m *Manager) {
		if err := m.Register(ch, nil); err != nil {
			t.Fatal(err)
		}
	})
	waitFor(t, ch.IsConnected)

	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		if err := b.PublishOutbound(ctx, bus.OutboundMessage{Channel: "discord", TargetID: "c1", Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return len(ch.sentSnapshot()) == 3 })
	if got := strings.Join(ch.sentSnapshot(), ","); got != "c1:one,c1:two,c1:three" {
		t.Errorf("delivery order = %s", got)
	}
}

func TestDeliveryGivesUp(t *testing.T) {
	t.Parallel()
	b := bus.New(10, nil)
	ch := newFakeChannel("discord")
	ch.sendFails = 3
	startManager(t, b, func(m *Manager) {
		if err := m.Register(ch, nil); err != nil {
			t.Fatal(err)
		}
	})
	waitFor(t, ch.IsConnected)

	ctx := context.Background()
	_ = b.PublishOutbound(ctx, bus.OutboundMessage{Channel: "discord", TargetID: "c1", Text: "lost"})
	_ = b.PublishOutbound(ctx, bus.OutboundMessage{Channel: "discord", TargetID: "c1", Text: "next"})
	waitFor(t, func() bool { return len(ch.sentSnapshot()) == 1 })
	if got := ch.sentSnapshot()[0]; got != "c1:next" {
		t.Errorf("sent = %s, want the message after the abandoned one", got)
	}
}

func TestConnectRetryAndReadiness(t *testing.T) {
	t.Parallel()
	b := bus.New(10, nil)
	reporter := health.NewReporter()
	flaky := newFakeChannel("telegram")
	flaky.connectFails = 2
	steady := newFakeChannel("discord")

	startManager(t, b, func(m *Manager) {
		m.SetReadiness(reporter)
		if err := m.Register(flaky, nil); err != nil {
			t.Fatal(err)
		}
		if err := m.Register(steady, nil); err != nil {
			t.Fatal(err)
		}
	})

	waitFor(t, steady.IsConnected)
	waitFor(t, flaky.IsConnected)
	waitFor(t, reporter.Ready)
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()
	if got := SplitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("short = %q", got)
	}

	text := strings.Repeat("é", 15)
	chunks := SplitMessage(text, 7)
	if strings.Join(chunks, "") != text {
		t.Fatal("chunks do not reassemble")
	}
	for _, c := range chunks {
		if len(c) > 7 {
			t.Errorf("chunk %q too long", c)
		}
		if !utf8.ValidString(c) {
			t.Errorf("chunk %q splits a rune", c)
		}
	}

	lines := "aaaa\nbbbb\ncccc"
	if got := SplitMessage(lines, 10); got[0] != "aaaa\nbbbb\n" {
		t.Errorf("newline split = %q", got)
	}
}
