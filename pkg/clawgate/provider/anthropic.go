package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jholhewres/clawgate/pkg/clawgate/store"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

const defaultAnthropicMaxTokens = 4096

// anthropicAdapter speaks the Anthropic Messages API.
type anthropicAdapter struct {
	httpClient *http.Client
}

func (a *anthropicAdapter) client(p Profile) anthropic.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(p.Credential),
		option.WithMaxRetries(0),
	}
	if p.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(p.Endpoint))
	}
	if a.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(a.httpClient))
	}
	return anthropic.NewClient(opts...)
}

func (a *anthropicAdapter) normalize(p Profile, req Request) (any, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	system, messages := anthropicMessages(req.System, req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		defs, err := anthropicTools(req.Tools)
		if err != nil {
			return nil, &ConfigurationError{Provider: p.Name, Reason: err.Error()}
		}
		params.Tools = defs
	}
	return params, nil
}

// anthropicMessages lifts system turns into the system prompt, turns tool
// results into user tool_result blocks and merges consecutive same-role
// messages, which the API requires to alternate.
func anthropicMessages(system string, turns []store.Turn) (string, []anthropic.MessageParam) {
	var out []anthropic.MessageParam
	push := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, t := range turns {
		switch t.Role {
		case store.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += t.Content
		case store.RoleTool:
			push(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(t.ToolCallID, t.Content, false))
		case store.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if t.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(t.Content))
			}
			for _, tc := range t.ToolCalls {
				input := map[string]any{}
				if len(tc.Arguments) > 0 {
					_ = json.Unmarshal(tc.Arguments, &input)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			push(anthropic.MessageParamRoleAssistant, blocks...)
		default:
			if t.Content != "" {
				push(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(t.Content))
			}
		}
	}
	return system, out
}

func anthropicTools(defs []tools.Definition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(d.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("tool %s: invalid schema: %w", d.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, d.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool %s: missing definition", d.Name)
		}
		param.OfTool.Description = anthropic.String(d.Description)
		out = append(out, param)
	}
	return out, nil
}

func (a *anthropicAdapter) stream(ctx context.Context, p Profile, native any, emit func(Event) bool) {
	params, ok := native.(anthropic.MessageNewParams)
	if !ok {
		emit(Event{Type: EventError, Err: classify(p.Name, 0, fmt.Errorf("unexpected request type %T", native))})
		return
	}

	client := a.client(p)
	stream := client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	calls := newToolAssembler(p.Name)
	finish := ""
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			start := event.AsContentBlockStart()
			if start.ContentBlock.Type == "tool_use" {
				use := start.ContentBlock.AsToolUse()
				if !emit(calls.add(int(start.Index), use.ID, use.Name, "")) {
					return
				}
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch delta.Delta.Type {
			case "text_delta":
				if delta.Delta.Text != "" && !emit(Event{Type: EventTextDelta, Text: delta.Delta.Text}) {
					return
				}
			case "input_json_delta":
				if !emit(calls.add(int(delta.Index), "", "", delta.Delta.PartialJSON)) {
					return
				}
			}
		case "content_block_stop":
			if ev, ok := calls.complete(int(event.AsContentBlockStop().Index)); ok {
				if !emit(ev) || ev.Type == EventError {
					return
				}
			}
		case "message_delta":
			if reason := event.AsMessageDelta().Delta.StopReason; reason != "" {
				finish = string(reason)
			}
		case "error":
			emit(Event{Type: EventError, Err: classify(p.Name, 0, errors.New("anthropic stream error: "+event.RawJSON()))})
			return
		}
	}
	if err := stream.Err(); err != nil {
		emit(Event{Type: EventError, Err: anthropicError(p.Name, err)})
		return
	}

	for _, ev := range calls.completeAll() {
		if !emit(ev) || ev.Type == EventError {
			return
		}
	}
	emit(Event{Type: EventDone, FinishReason: finish})
}

func anthropicError(provider string, err error) *ProviderError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classify(provider, apiErr.StatusCode, err)
	}
	return classify(provider, 0, err)
}
