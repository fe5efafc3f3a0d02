// Package toolgateway resolves tool names, applies the mutating-action
// approval policy, and executes tools on behalf of agent turns.
package toolgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hakim/helmsman/internal/observability"
	"github.com/hakim/helmsman/pkg/step"
)

// ErrNoPendingApproval is returned when a decision arrives for an agent
// with no approval gate open.
var ErrNoPendingApproval = errors.New("no pending approval")

// ErrNoPendingQuestion is returned when answers arrive for an agent with no
// question outstanding.
var ErrNoPendingQuestion = errors.New("no pending question")

// Decision is a human response to an approval gate.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Call describes one tool invocation inside an agent turn.
type Call struct {
	AgentID     string
	CallStepID  string
	Name        string
	Input       map[string]interface{}
	AutoApprove bool
}

// Result is the settled outcome of a tool call. Error is set for execution
// or resolution failures; Denied marks an approval rejection. Neither fails
// the surrounding turn.
type Result struct {
	Output     string
	Error      string
	Denied     bool
	Candidates []string
}

// Gateway executes tools, pausing mutating ones behind a human approval
// gate. Pending gates are keyed by agent id: an agent has at most one
// outstanding approval or question at a time.
type Gateway struct {
	set         *Set
	autoApprove bool
	logger      zerolog.Logger

	mu               sync.Mutex
	pendingApprovals map[string]*pendingGate
	pendingQuestions map[string]chan map[string]string
}

type pendingGate struct {
	approvalID string
	ch         chan Decision
}

// New creates a gateway over the given tool set. When autoApprove is true,
// calls that explicitly request it skip the gate; everything else still
// pauses.
func New(set *Set, autoApprove bool, logger zerolog.Logger) *Gateway {
	return &Gateway{
		set:              set,
		autoApprove:      autoApprove,
		logger:           logger,
		pendingApprovals: make(map[string]*pendingGate),
		pendingQuestions: make(map[string]chan map[string]string),
	}
}

// Set returns the underlying tool set.
func (g *Gateway) Set() *Set {
	return g.set
}

// Execute resolves and runs one tool call. Mutating tools pause behind the
// approval gate unless auto-approve is both enabled and requested for this
// call. The sink receives approval-state updates for the open tool-call
// step (matched by Call.CallStepID).
func (g *Gateway) Execute(ctx context.Context, call Call, emit step.Sink) Result {
	start := time.Now()

	tool, err := g.set.Resolve(call.Name)
	if err != nil {
		var ambiguous *AmbiguousToolError
		if errors.As(err, &ambiguous) {
			g.logger.Warn().Str("tool", call.Name).Strs("candidates", ambiguous.Candidates).
				Msg("Tool name ambiguous")
			return Result{Error: err.Error(), Candidates: ambiguous.Candidates}
		}
		return Result{Error: err.Error()}
	}

	if err := g.set.validate(tool.Name, call.Input); err != nil {
		observability.RecordToolExecution(tool.Name, false, time.Since(start))
		return Result{Error: err.Error()}
	}

	gated := tool.Mutating && !(g.autoApprove && call.AutoApprove)
	var approvalID string
	input, _ := json.Marshal(call.Input)

	if gated {
		decision, id, err := g.awaitApproval(ctx, call, tool, string(input), emit)
		if err != nil {
			return Result{Error: err.Error()}
		}
		approvalID = id
		if !decision.Approved {
			observability.RecordToolExecution(tool.Name, false, time.Since(start))
			reason := decision.Reason
			if reason == "" {
				reason = "denied by user"
			}
			return Result{Output: fmt.Sprintf("Tool call denied: %s", reason), Denied: true}
		}
	}

	output, err := tool.Execute(ctx, call.Input)
	if err != nil {
		observability.RecordToolExecution(tool.Name, false, time.Since(start))
		g.logger.Warn().Str("tool", tool.Name).Err(err).Msg("Tool execution failed")
		return Result{Error: err.Error()}
	}

	if gated {
		emit(step.Step{
			ID:            call.CallStepID,
			Kind:          step.KindToolCall,
			Content:       fmt.Sprintf("Output available from %s", tool.Name),
			ToolName:      tool.Name,
			ToolInput:     string(input),
			ApprovalID:    approvalID,
			ApprovalState: step.ApprovalOutputAvailable,
			CreatedAt:     time.Now(),
		})
	}

	observability.RecordToolExecution(tool.Name, true, time.Since(start))
	return Result{Output: output}
}

// awaitApproval opens an approval gate for the call and parks until a
// decision arrives or the context is cancelled. The open tool-call step
// moves to Requested, then on decision to Responded (approve) or
// OutputDenied (deny); the caller advances to OutputAvailable once the
// executor has produced output.
func (g *Gateway) awaitApproval(ctx context.Context, call Call, tool Tool, input string, emit step.Sink) (Decision, string, error) {
	approvalID := uuid.NewString()
	gate := &pendingGate{approvalID: approvalID, ch: make(chan Decision, 1)}

	g.mu.Lock()
	if _, exists := g.pendingApprovals[call.AgentID]; exists {
		g.mu.Unlock()
		return Decision{}, "", fmt.Errorf("agent %s already has a pending approval", call.AgentID)
	}
	g.pendingApprovals[call.AgentID] = gate
	g.mu.Unlock()
	observability.SetPendingApprovals(g.pendingCount())

	defer func() {
		g.mu.Lock()
		delete(g.pendingApprovals, call.AgentID)
		g.mu.Unlock()
		observability.SetPendingApprovals(g.pendingCount())
	}()

	emit(step.Step{
		ID:            call.CallStepID,
		Kind:          step.KindToolCall,
		Content:       fmt.Sprintf("Waiting for approval to run %s", tool.Name),
		ToolName:      tool.Name,
		ToolInput:     input,
		ApprovalID:    approvalID,
		ApprovalState: step.ApprovalRequested,
		CreatedAt:     time.Now(),
	})

	g.logger.Info().
		Str("agent_id", call.AgentID).
		Str("tool", tool.Name).
		Str("approval_id", approvalID).
		Msg("Approval requested")

	select {
	case decision := <-gate.ch:
		decidedState := step.ApprovalResponded
		if !decision.Approved {
			decidedState = step.ApprovalOutputDenied
		}
		emit(step.Step{
			ID:            call.CallStepID,
			Kind:          step.KindToolCall,
			Content:       fmt.Sprintf("Approval %s for %s", stateWord(decision.Approved), tool.Name),
			ToolName:      tool.Name,
			ToolInput:     input,
			ApprovalID:    approvalID,
			ApprovalState: decidedState,
			CreatedAt:     time.Now(),
		})
		return decision, approvalID, nil
	case <-ctx.Done():
		return Decision{}, "", ctx.Err()
	}
}

func stateWord(approved bool) string {
	if approved {
		return "granted"
	}
	return "denied"
}

// AnswerApproval resolves the pending approval gate for an agent.
func (g *Gateway) AnswerApproval(agentID string, decision Decision) error {
	g.mu.Lock()
	gate, ok := g.pendingApprovals[agentID]
	g.mu.Unlock()

	if !ok {
		return ErrNoPendingApproval
	}

	select {
	case gate.ch <- decision:
		return nil
	default:
		return fmt.Errorf("approval %s already resolved", gate.approvalID)
	}
}

// AwaitAnswers parks the calling turn until AnswerQuestion supplies answers
// or the context is cancelled.
func (g *Gateway) AwaitAnswers(ctx context.Context, agentID string) (map[string]string, error) {
	ch := make(chan map[string]string, 1)

	g.mu.Lock()
	if _, exists := g.pendingQuestions[agentID]; exists {
		g.mu.Unlock()
		return nil, fmt.Errorf("agent %s already has a pending question", agentID)
	}
	g.pendingQuestions[agentID] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pendingQuestions, agentID)
		g.mu.Unlock()
	}()

	select {
	case answers := <-ch:
		return answers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AnswerQuestion resolves the pending question for an agent.
func (g *Gateway) AnswerQuestion(agentID string, answers map[string]string) error {
	g.mu.Lock()
	ch, ok := g.pendingQuestions[agentID]
	g.mu.Unlock()

	if !ok {
		return ErrNoPendingQuestion
	}

	select {
	case ch <- answers:
		return nil
	default:
		return fmt.Errorf("question for agent %s already answered", agentID)
	}
}

// HasPendingApproval reports whether an approval gate is open for the agent.
func (g *Gateway) HasPendingApproval(agentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.pendingApprovals[agentID]
	return ok
}

func (g *Gateway) pendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.pendingApprovals)
}
