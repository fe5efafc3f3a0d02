package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hakim/helmsman/internal/observability"
	"github.com/hakim/helmsman/internal/tracing"
	"github.com/hakim/helmsman/pkg/step"
)

// ErrCancelled marks a turn that was cooperatively cancelled. It is a
// settlement, not an application error, and is never logged as one.
var ErrCancelled = errors.New("turn cancelled")

// FallbackResult is the final-result sentinel used when a turn produced no
// text at all.
const FallbackResult = "No results found."

// TurnParams describes one streaming run of an agent.
type TurnParams struct {
	AgentID      string
	Task         string
	TaskContext  string
	History      []Message
	Tools        []ToolHandle
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// TurnResult is the settled output of one turn.
type TurnResult struct {
	Text       string
	History    []Message
	TextDeltas int
}

// Runner drives exactly one streaming turn at a time against a provider.
type Runner struct {
	provider StreamProvider
	logger   zerolog.Logger
}

// NewRunner creates a runner bound to a streaming provider.
func NewRunner(provider StreamProvider, logger zerolog.Logger) *Runner {
	return &Runner{provider: provider, logger: logger}
}

// Provider returns the underlying provider name.
func (r *Runner) Provider() string {
	return r.provider.Provider()
}

// RunTurn opens a streaming call and consumes its events strictly in
// arrival order, mapping each to a step upsert on emit. On cancellation it
// stops emitting and returns ErrCancelled; any other stream failure fails
// the turn with the provider's error.
func (r *Runner) RunTurn(ctx context.Context, params TurnParams, emit step.Sink) (TurnResult, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"helmsman.agent",
		"agent.turn",
		attribute.String("agent_id", params.AgentID),
		attribute.String("model", params.Model),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("agent_id", params.AgentID).Logger()

	messages := buildMessages(params)
	stream, err := r.provider.Stream(ctx, StreamRequest{
		Model:        params.Model,
		SystemPrompt: params.SystemPrompt,
		Messages:     messages,
		Tools:        params.Tools,
		MaxTokens:    params.MaxTokens,
		Temperature:  params.Temperature,
	})
	if err != nil {
		if isCancellation(ctx, err) {
			return TurnResult{}, ErrCancelled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TurnResult{}, fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	state := newTurnState(messages)
	start := time.Now()

	for stream.Next() {
		if ctx.Err() != nil {
			return TurnResult{}, ErrCancelled
		}
		r.apply(state, stream.Current(), start, emit)
	}

	if err := stream.Err(); err != nil {
		if isCancellation(ctx, err) {
			logger.Debug().Msg("Turn cancelled mid-stream")
			return TurnResult{}, ErrCancelled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TurnResult{}, err
	}
	if ctx.Err() != nil {
		return TurnResult{}, ErrCancelled
	}

	result := TurnResult{
		Text:       state.finalResult(),
		History:    state.history,
		TextDeltas: state.deltas,
	}

	logger.Info().
		Int("text_deltas", state.deltas).
		Int("tool_calls", state.toolCalls).
		Msg("Turn completed")

	return result, nil
}

// turnState tracks in-flight step identities across the event stream.
type turnState struct {
	textSteps     map[string]*step.Step // provider block id -> open Text step
	thinkingSteps map[string]*step.Step // provider block id -> open Thinking step
	planStepID    string
	accumulated   string
	finalText     string
	history       []Message
	deltas        int
	toolCalls     int
	sawFirstDelta bool
}

func newTurnState(seed []Message) *turnState {
	return &turnState{
		textSteps:     make(map[string]*step.Step),
		thinkingSteps: make(map[string]*step.Step),
		history:       seed,
	}
}

func (s *turnState) finalResult() string {
	if s.finalText != "" {
		return s.finalText
	}
	if s.accumulated != "" {
		return s.accumulated
	}
	return FallbackResult
}

// apply maps one provider event to the step timeline. The switch is
// exhaustive over the sealed Event set.
func (r *Runner) apply(state *turnState, ev Event, start time.Time, emit step.Sink) {
	switch e := ev.(type) {
	case TextDelta:
		if !state.sawFirstDelta {
			state.sawFirstDelta = true
			observability.RecordTimeToFirstDelta(time.Since(start))
		}
		state.deltas++
		observability.RecordTextDelta()

		open, ok := state.textSteps[e.BlockID]
		if !ok {
			created := step.New(step.KindText, "")
			open = &created
			state.textSteps[e.BlockID] = open
		}
		open.Content += e.Text
		state.accumulated += e.Text
		emit(*open)

	case ReasoningStart:
		created := step.New(step.KindThinking, "")
		state.thinkingSteps[e.BlockID] = &created
		emit(created)

	case ReasoningDelta:
		open, ok := state.thinkingSteps[e.BlockID]
		if !ok {
			created := step.New(step.KindThinking, "")
			open = &created
			state.thinkingSteps[e.BlockID] = open
		}
		open.Content += e.Text
		emit(*open)

	case ToolCallStart:
		state.toolCalls++
		input, _ := json.Marshal(e.Input)
		emit(step.Step{
			ID:        e.CallID,
			Kind:      step.KindToolCall,
			Content:   fmt.Sprintf("Calling %s", e.Name),
			ToolName:  e.Name,
			ToolInput: string(input),
			CreatedAt: time.Now(),
		})

	case ToolCallResult:
		result := step.New(step.KindToolResult, e.Output)
		result.ToolName = e.Name
		emit(result)

	case ToolCallError:
		failed := step.New(step.KindToolError, e.Error)
		failed.ToolName = e.Name
		emit(failed)

	case PlanUpdate:
		if state.planStepID == "" {
			state.planStepID = step.NewID()
		}
		emit(step.Step{
			ID:        state.planStepID,
			Kind:      step.KindPlan,
			Content:   e.Content,
			CreatedAt: time.Now(),
		})

	case FinalText:
		state.finalText = e.Text

	case FinalHistory:
		state.history = e.Messages

	default:
		r.logger.Error().Type("event", ev).Msg("Unhandled stream event variant")
	}
}

// buildMessages seeds the provider conversation: prior history, then the
// task (with optional context) as the newest user message.
func buildMessages(params TurnParams) []Message {
	messages := make([]Message, 0, len(params.History)+1)
	messages = append(messages, params.History...)

	content := params.Task
	if params.TaskContext != "" {
		content = fmt.Sprintf("%s\n\nContext:\n%s", params.Task, params.TaskContext)
	}
	messages = append(messages, Message{Role: "user", Content: content})
	return messages
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}
