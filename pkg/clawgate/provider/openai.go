package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jholhewres/clawgate/pkg/clawgate/store"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

// openAIAdapter speaks the OpenAI chat-completions protocol, which also
// covers OpenRouter, Groq, DeepSeek, Zhipu and Gemini's compatible endpoint.
type openAIAdapter struct {
	httpClient *http.Client
}

func (a *openAIAdapter) client(p Profile) *openai.Client {
	cfg := openai.DefaultConfig(p.Credential)
	if p.Endpoint != "" {
		cfg.BaseURL = p.Endpoint
	}
	if a.httpClient != nil {
		cfg.HTTPClient = a.httpClient
	}
	return openai.NewClientWithConfig(cfg)
}

func (a *openAIAdapter) normalize(p Profile, req Request) (any, error) {
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    openAIMessages(req.System, req.Messages),
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}
	if len(req.Tools) > 0 {
		out.Tools = openAITools(req.Tools)
	}
	return out, nil
}

func openAIMessages(system string, turns []store.Turn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, t := range turns {
		msg := openai.ChatCompletionMessage{Role: t.Role, Content: t.Content}
		switch t.Role {
		case store.RoleAssistant:
			for _, tc := range t.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
		case store.RoleTool:
			msg.Role = openai.ChatMessageRoleTool
			msg.ToolCallID = t.ToolCallID
			msg.Name = t.Name
		}
		out = append(out, msg)
	}
	return out
}

func openAITools(defs []tools.Definition) []openai.Tool {
	out := make([]openai.Tool, len(defs))
	for i, d := range defs {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		}
	}
	return out
}

func (a *openAIAdapter) stream(ctx context.Context, p Profile, native any, emit func(Event) bool) {
	req, ok := native.(openai.ChatCompletionRequest)
	if !ok {
		emit(Event{Type: EventError, Err: classify(p.Name, 0, fmt.Errorf("unexpected request type %T", native))})
		return
	}

	stream, err := a.client(p).CreateChatCompletionStream(ctx, req)
	if err != nil {
		emit(Event{Type: EventError, Err: openAIError(p.Name, err)})
		return
	}
	defer stream.Close()

	calls := newToolAssembler(p.Name)
	finish := ""
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			emit(Event{Type: EventError, Err: openAIError(p.Name, err)})
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			if !emit(Event{Type: EventTextDelta, Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if !emit(calls.add(index, tc.ID, tc.Function.Name, tc.Function.Arguments)) {
				return
			}
		}
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
	}

	for _, ev := range calls.completeAll() {
		if !emit(ev) || ev.Type == EventError {
			return
		}
	}
	emit(Event{Type: EventDone, FinishReason: finish})
}

func openAIError(provider string, err error) *ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classify(provider, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classify(provider, reqErr.HTTPStatusCode, err)
	}
	return classify(provider, 0, err)
}
