package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

// OpenAIProvider streams turns through the Chat Completions API with the
// same internal tool loop as the Anthropic provider.
type OpenAIProvider struct {
	client openai.Client
	logger zerolog.Logger
}

// NewOpenAIProvider creates a streaming OpenAI provider.
func NewOpenAIProvider(apiKey string, logger zerolog.Logger) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
	}
}

// Provider returns the provider name.
func (p *OpenAIProvider) Provider() string {
	return "openai"
}

// Stream opens the turn and feeds events in true emission order.
func (p *OpenAIProvider) Stream(ctx context.Context, req StreamRequest) (EventStream, error) {
	out := newPipe()
	go p.run(ctx, req, out)
	return out, nil
}

func (p *OpenAIProvider) run(ctx context.Context, req StreamRequest, out *pipe) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: toOpenAIMessages(req.SystemPrompt, req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = toOpenAITools(req.Tools)
	}

	handles := make(map[string]ToolHandle, len(req.Tools))
	for _, handle := range req.Tools {
		handles[handle.Name] = handle
	}

	history := append([]Message{}, req.Messages...)

	for round := 0; round < maxToolIterations; round++ {
		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		acc := openai.ChatCompletionAccumulator{}

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if !out.emit(ctx, TextDelta{
					BlockID: fmt.Sprintf("r%d-text", round),
					Text:    chunk.Choices[0].Delta.Content,
				}) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			out.fail(err)
			return
		}
		if len(acc.Choices) == 0 {
			out.fail(fmt.Errorf("stream produced no choices"))
			return
		}

		message := acc.Choices[0].Message
		entry := Message{Role: "assistant", Content: message.Content}
		for _, tc := range message.ToolCalls {
			input := map[string]interface{}{}
			if tc.Function.Arguments != "" {
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
			}
			entry.ToolCalls = append(entry.ToolCalls, MessageToolCall{ID: tc.ID, Name: tc.Function.Name, Input: input})
		}
		if entry.Content != "" || len(entry.ToolCalls) > 0 {
			history = append(history, entry)
		}

		if len(message.ToolCalls) == 0 {
			if !out.emit(ctx, FinalText{Text: message.Content}) {
				return
			}
			out.emit(ctx, FinalHistory{Messages: history})
			out.closeSend()
			return
		}

		params.Messages = append(params.Messages, message.ToParam())

		for _, tc := range entry.ToolCalls {
			if !out.emit(ctx, ToolCallStart{CallID: tc.ID, Name: tc.Name, Input: tc.Input}) {
				return
			}

			handle, ok := handles[tc.Name]
			var outcome ToolOutcome
			if !ok {
				outcome = ToolOutcome{Error: fmt.Sprintf("tool not found: %s", tc.Name)}
			} else {
				outcome = handle.Run(ctx, tc.ID, tc.Input)
			}
			if ctx.Err() != nil {
				out.fail(ctx.Err())
				return
			}

			if outcome.Error != "" {
				if !out.emit(ctx, ToolCallError{CallID: tc.ID, Name: tc.Name, Error: outcome.Error}) {
					return
				}
				params.Messages = append(params.Messages, openai.ToolMessage(outcome.Error, tc.ID))
				history = append(history, Message{Role: "tool", ToolCallID: tc.ID, Content: outcome.Error})
				continue
			}

			if !out.emit(ctx, ToolCallResult{CallID: tc.ID, Name: tc.Name, Output: outcome.Output, Denied: outcome.Denied}) {
				return
			}
			params.Messages = append(params.Messages, openai.ToolMessage(outcome.Output, tc.ID))
			history = append(history, Message{Role: "tool", ToolCallID: tc.ID, Content: outcome.Output})
		}
	}

	out.fail(fmt.Errorf("maximum tool iterations (%d) exceeded", maxToolIterations))
}

func toOpenAIMessages(systemPrompt string, messages []Message) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if systemPrompt != "" {
		params = append(params, openai.SystemMessage(systemPrompt))
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			params = append(params, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case "assistant":
			params = append(params, openai.AssistantMessage(msg.Content))
		case "user":
			params = append(params, openai.UserMessage(msg.Content))
		}
	}

	return params
}

func toOpenAITools(handles []ToolHandle) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(handles))
	for _, handle := range handles {
		schema := handle.InputSchema
		if schema == nil {
			schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		tools = append(tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        handle.Name,
				Description: openai.String(handle.Description),
				Parameters:  openai.FunctionParameters(schema),
			},
		})
	}
	return tools
}
