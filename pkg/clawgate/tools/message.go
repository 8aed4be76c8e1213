package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jholhewres/clawgate/pkg/clawgate/bus"
)

// Publisher accepts outbound messages.
type Publisher interface {
	PublishOutbound(ctx context.Context, msg bus.OutboundMessage) error
}

// MessageTool sends a message through the outbound bus. Channel and target
// default to where the current turn came from.
type MessageTool struct {
	pub Publisher
}

// NewMessageTool creates the message tool.
func NewMessageTool(pub Publisher) *MessageTool { return &MessageTool{pub: pub} }

func (t *MessageTool) Name() string { return "message" }
func (t *MessageTool) Kind() Kind   { return KindMessaging }

func (t *MessageTool) Description() string {
	return "Send a message to a channel. Defaults to the current conversation."
}

func (t *MessageTool) Schema() json.RawMessage {
	return json.RawMessage(`{
	"type": "object",
	"properties": {
		"text": {"type": "string", "minLength": 1},
		"channel": {"type": "string", "description": "Target channel (default: current)"},
		"target": {"type": "string", "description": "Chat or user id on the channel (default: current)"}
	},
	"required": ["text"]
}`)
}

func (t *MessageTool) Execute(ctx context.Context, inv Invocation) (Result, error) {
	var args struct {
		Text    string `json:"text"`
		Channel string `json:"channel"`
		Target  string `json:"target"`
	}
	if err := decodeArgs(inv.Arguments, &args); err != nil {
		return Result{}, err
	}
	if args.Channel == "" {
		args.Channel = inv.Channel
	}
	if args.Target == "" {
		args.Target = inv.ChatID
	}
	if args.Channel == "" || args.Target == "" {
		return Result{}, fmt.Errorf("no channel or target for message")
	}

	if err := t.pub.PublishOutbound(ctx, bus.OutboundMessage{
		Channel:  args.Channel,
		TargetID: args.Target,
		Text:     args.Text,
	}); err != nil {
		return Result{}, fmt.Errorf("publish message: %w", err)
	}
	return Result{Text: fmt.Sprintf("Message queued for %s:%s", args.Channel, args.Target)}, nil
}
