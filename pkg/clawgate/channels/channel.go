// Package channels defines the chat platform adapters and the Manager that
// connects them to the bus. Each platform (Discord, Telegram) implements
// Channel to receive and send messages in a unified way.
package channels

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Channel is implemented by every platform adapter.
type Channel interface {
	// Name returns the channel identifier ("discord", "telegram").
	Name() string

	// Connect establishes the connection to the platform.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// Send delivers a message to a chat on the platform.
	Send(ctx context.Context, to string, msg OutgoingMessage) error

	// Receive returns the stream of incoming messages.
	Receive() <-chan IncomingMessage

	// IsConnected reports whether the connection is up.
	IsConnected() bool

	// Health returns the adapter's health.
	Health() HealthStatus
}

// IncomingMessage is a message received from a platform.
type IncomingMessage struct {
	ID        string
	Channel   string
	From      string
	FromName  string
	ChatID    string
	IsGroup   bool
	Content   string
	Timestamp time.Time
	ReplyTo   string
}

// OutgoingMessage is a message to deliver to a platform.
type OutgoingMessage struct {
	Content        string
	ReplyTo        string
	FormattingHint string
}

// HealthStatus is the health of one adapter.
type HealthStatus struct {
	Connected     bool      `json:"connected"`
	LastMessageAt time.Time `json:"last_message_at"`
	ErrorCount    int       `json:"error_count"`
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrDuplicateChannel    = errors.New("channel already registered")
	ErrReservedName        = errors.New("channel name is reserved for internal use")
)

// SplitMessage cuts text into chunks of at most maxLen bytes, preferring
// newline boundaries and never splitting a UTF-8 sequence.
func SplitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen || maxLen <= 0 {
		return []string{text}
	}
	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if idx := strings.LastIndex(text[:cut], "\n"); idx > cut/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
