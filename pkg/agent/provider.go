package agent

import "context"

// Message is one conversation entry carried between turns.
type Message struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []MessageToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// MessageToolCall records a tool invocation inside an assistant message.
type MessageToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolOutcome is what a tool handle reports back into the provider loop.
type ToolOutcome struct {
	Output string
	Error  string
	Denied bool
}

// ToolHandle is a provider-facing view of one tool: schema for the model,
// Run for execution. Run is gateway-backed and may park on an approval gate.
type ToolHandle struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Run         func(ctx context.Context, callID string, input map[string]interface{}) ToolOutcome
}

// StreamRequest configures one streaming generation call.
type StreamRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolHandle
	MaxTokens    int
	Temperature  float64
}

// Event is the sealed set of provider stream events. Consumers switch over
// every variant; unknown kinds are a programming error.
type Event interface {
	isEvent()
}

// TextDelta extends the text block identified by BlockID.
type TextDelta struct {
	BlockID string
	Text    string
}

// ReasoningStart opens a new reasoning span.
type ReasoningStart struct {
	BlockID string
}

// ReasoningDelta extends the reasoning span identified by BlockID.
type ReasoningDelta struct {
	BlockID string
	Text    string
}

// ToolCallStart announces a tool invocation before it executes.
type ToolCallStart struct {
	CallID string
	Name   string
	Input  map[string]interface{}
}

// ToolCallResult closes a tool invocation with its output.
type ToolCallResult struct {
	CallID string
	Name   string
	Output string
	Denied bool
}

// ToolCallError closes a tool invocation that failed.
type ToolCallError struct {
	CallID string
	Name   string
	Error  string
}

// PlanUpdate replaces the agent's current plan wholesale.
type PlanUpdate struct {
	Content string
}

// FinalText carries the provider's explicit final answer, when it gives one.
type FinalText struct {
	Text string
}

// FinalHistory carries the full message history after the turn, for
// seeding follow-ups.
type FinalHistory struct {
	Messages []Message
}

func (TextDelta) isEvent()      {}
func (ReasoningStart) isEvent() {}
func (ReasoningDelta) isEvent() {}
func (ToolCallStart) isEvent()  {}
func (ToolCallResult) isEvent() {}
func (ToolCallError) isEvent()  {}
func (PlanUpdate) isEvent()     {}
func (FinalText) isEvent()      {}
func (FinalHistory) isEvent()   {}

// EventStream iterates provider events in emission order, mirroring the SDK
// ssestream shape.
type EventStream interface {
	Next() bool
	Current() Event
	Err() error
	Close() error
}

// StreamProvider opens one streaming generation call. Implementations run
// any internal tool loop themselves and surface tool activity through the
// event vocabulary above, in true emission order.
type StreamProvider interface {
	Provider() string
	Stream(ctx context.Context, req StreamRequest) (EventStream, error)
}
