package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
)

// maxToolIterations bounds the internal tool loop of a single turn.
const maxToolIterations = 10

// AnthropicProvider streams turns through the Anthropic Messages API,
// running the tool loop internally and surfacing activity as Events.
type AnthropicProvider struct {
	client anthropic.Client
	logger zerolog.Logger
}

// NewAnthropicProvider creates a streaming Anthropic provider.
func NewAnthropicProvider(apiKey string, logger zerolog.Logger) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
	}
}

// Provider returns the provider name.
func (p *AnthropicProvider) Provider() string {
	return "anthropic"
}

// Stream opens the turn. Events arrive on the returned stream in true
// emission order; tool handles run between model rounds.
func (p *AnthropicProvider) Stream(ctx context.Context, req StreamRequest) (EventStream, error) {
	out := newPipe()
	go p.run(ctx, req, out)
	return out, nil
}

func (p *AnthropicProvider) run(ctx context.Context, req StreamRequest, out *pipe) {
	messages := toAnthropicMessages(req.Messages)
	tools := toAnthropicTools(req.Tools)
	handles := make(map[string]ToolHandle, len(req.Tools))
	for _, handle := range req.Tools {
		handles[handle.Name] = handle
	}

	history := append([]Message{}, req.Messages...)
	round := 0

	for ; round < maxToolIterations; round++ {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(req.Model),
			Messages:  messages,
			MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
		}
		if req.SystemPrompt != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
		}
		if req.Temperature > 0 {
			params.Temperature = anthropic.Float(req.Temperature)
		}
		if len(tools) > 0 {
			params.Tools = tools
		}

		stream := p.client.Messages.NewStreaming(ctx, params)
		message := anthropic.Message{}

		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				out.fail(fmt.Errorf("failed to accumulate stream event: %w", err))
				return
			}

			switch eventVariant := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if _, ok := eventVariant.ContentBlock.AsAny().(anthropic.ThinkingBlock); ok {
					if !out.emit(ctx, ReasoningStart{BlockID: blockKey(round, eventVariant.Index)}) {
						return
					}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if !out.emit(ctx, TextDelta{BlockID: blockKey(round, eventVariant.Index), Text: deltaVariant.Text}) {
						return
					}
				case anthropic.ThinkingDelta:
					if !out.emit(ctx, ReasoningDelta{BlockID: blockKey(round, eventVariant.Index), Text: deltaVariant.Thinking}) {
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			out.fail(err)
			return
		}

		text, toolUses := splitContent(message)
		if text != "" || len(toolUses) > 0 {
			history = append(history, assistantHistoryEntry(text, toolUses))
		}

		if len(toolUses) == 0 {
			if !out.emit(ctx, FinalText{Text: text}) {
				return
			}
			out.emit(ctx, FinalHistory{Messages: history})
			out.closeSend()
			return
		}

		messages = append(messages, message.ToParam())

		resultBlocks := make([]anthropic.ContentBlockParamUnion, 0, len(toolUses))
		for _, use := range toolUses {
			if !out.emit(ctx, ToolCallStart{CallID: use.ID, Name: use.Name, Input: use.Input}) {
				return
			}

			outcome := p.invoke(ctx, handles, use)
			if ctx.Err() != nil {
				out.fail(ctx.Err())
				return
			}

			if outcome.Error != "" {
				if !out.emit(ctx, ToolCallError{CallID: use.ID, Name: use.Name, Error: outcome.Error}) {
					return
				}
				resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(use.ID, outcome.Error, true))
				history = append(history, Message{Role: "tool", ToolCallID: use.ID, Content: outcome.Error})
				continue
			}

			if !out.emit(ctx, ToolCallResult{CallID: use.ID, Name: use.Name, Output: outcome.Output, Denied: outcome.Denied}) {
				return
			}
			resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(use.ID, outcome.Output, false))
			history = append(history, Message{Role: "tool", ToolCallID: use.ID, Content: outcome.Output})
		}

		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRoleUser,
			Content: resultBlocks,
		})
	}

	out.fail(fmt.Errorf("maximum tool iterations (%d) exceeded", maxToolIterations))
}

// toolUse is one complete tool invocation extracted from a finished message.
type toolUse struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

func (p *AnthropicProvider) invoke(ctx context.Context, handles map[string]ToolHandle, use toolUse) ToolOutcome {
	handle, ok := handles[use.Name]
	if !ok {
		return ToolOutcome{Error: fmt.Sprintf("tool not found: %s", use.Name)}
	}
	return handle.Run(ctx, use.ID, use.Input)
}

func splitContent(message anthropic.Message) (string, []toolUse) {
	var text string
	var uses []toolUse

	for _, block := range message.Content {
		switch blockVariant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text += blockVariant.Text
		case anthropic.ToolUseBlock:
			input := map[string]interface{}{}
			if len(blockVariant.Input) > 0 {
				_ = json.Unmarshal(blockVariant.Input, &input)
			}
			uses = append(uses, toolUse{ID: blockVariant.ID, Name: blockVariant.Name, Input: input})
		}
	}
	return text, uses
}

func assistantHistoryEntry(text string, uses []toolUse) Message {
	entry := Message{Role: "assistant", Content: text}
	for _, use := range uses {
		entry.ToolCalls = append(entry.ToolCalls, MessageToolCall{ID: use.ID, Name: use.Name, Input: use.Input})
	}
	return entry
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	params := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch {
		case msg.Role == "tool":
			params = append(params, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Input, tc.Name))
			}
			params = append(params, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		case msg.Role == "assistant":
			params = append(params, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})
		case msg.Role == "user":
			params = append(params, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	return params
}

func toAnthropicTools(handles []ToolHandle) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(handles))
	for _, handle := range handles {
		toolParam := anthropic.ToolParam{
			Name:        handle.Name,
			Description: anthropic.String(handle.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schemaProperties(handle.InputSchema),
			},
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return tools
}

func schemaProperties(schema map[string]interface{}) interface{} {
	if schema == nil {
		return map[string]interface{}{}
	}
	if props, ok := schema["properties"]; ok {
		return props
	}
	return schema
}

func blockKey(round int, index int64) string {
	return fmt.Sprintf("r%d-b%d", round, index)
}

func maxTokensOrDefault(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}
