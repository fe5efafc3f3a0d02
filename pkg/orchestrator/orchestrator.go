// Package orchestrator owns the agent lifecycle: launch, follow-up turns,
// cooperative cancellation, approval and question forwarding, archival, and
// the outward event stream. In-memory records are authoritative; the
// journal only mirrors them.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/hakim/helmsman/internal/observability"
	"github.com/hakim/helmsman/internal/tracing"
	"github.com/hakim/helmsman/pkg/agent"
	"github.com/hakim/helmsman/pkg/grants"
	"github.com/hakim/helmsman/pkg/journal"
	"github.com/hakim/helmsman/pkg/step"
	"github.com/hakim/helmsman/pkg/toolgateway"
)

// AskUserToolName is the builtin tool agents call to put questions to the
// user mid-turn. It is non-mutating and never gated.
const AskUserToolName = "agent__ask_user"

// RequiresApprovalFunc decides whether launching a task needs a consumed
// approval grant first.
type RequiresApprovalFunc func(task string) bool

// Options configures an Orchestrator.
type Options struct {
	Runner  *agent.Runner
	Gateway *toolgateway.Gateway
	Grants  *grants.Store
	// Store is optional; without it agents live only in memory.
	Store *journal.Store
	// Debounce is the journal coalescing window. Zero means the default.
	Debounce time.Duration
	// RequiresApproval is optional; nil means no launch ever needs a grant.
	RequiresApproval RequiresApprovalFunc
	// ToolSetup, when set, runs before each launch to ready external tool
	// providers. A failure settles the new agent as Failed immediately.
	ToolSetup func(ctx context.Context) error

	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64

	Logger zerolog.Logger
}

// Orchestrator coordinates agent runs. All public methods are safe for
// concurrent use.
type Orchestrator struct {
	registry *Registry
	runner   *agent.Runner
	gateway  *toolgateway.Gateway
	grants   *grants.Store
	store    *journal.Store
	journal  *journal.Journal
	events   *Broadcaster

	requiresApproval RequiresApprovalFunc
	toolSetup        func(ctx context.Context) error

	model        string
	systemPrompt string
	maxTokens    int
	temperature  float64

	logger zerolog.Logger

	runsMu     sync.Mutex
	activeRuns map[string]context.CancelFunc
}

// New builds an orchestrator, wires the journal over the registry, and
// registers the builtin ask-user tool on the gateway's tool set.
func New(opts Options) (*Orchestrator, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("orchestrator requires a runner")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("orchestrator requires a tool gateway")
	}
	if opts.Grants == nil {
		opts.Grants = grants.NewStore(grants.DefaultTTL)
	}

	o := &Orchestrator{
		registry:         NewRegistry(),
		runner:           opts.Runner,
		gateway:          opts.Gateway,
		grants:           opts.Grants,
		store:            opts.Store,
		events:           NewBroadcaster(opts.Logger),
		requiresApproval: opts.RequiresApproval,
		toolSetup:        opts.ToolSetup,
		model:            opts.Model,
		systemPrompt:     opts.SystemPrompt,
		maxTokens:        opts.MaxTokens,
		temperature:      opts.Temperature,
		logger:           opts.Logger,
		activeRuns:       make(map[string]context.CancelFunc),
	}

	if opts.Store != nil {
		o.journal = journal.New(opts.Store, o.journalSnapshot, opts.Debounce, opts.Logger)
	}

	if err := o.registerAskUser(); err != nil {
		return nil, err
	}
	return o, nil
}

// Events returns the outward notification stream.
func (o *Orchestrator) Events() *Broadcaster {
	return o.events
}

// Grants returns the launch approval token store.
func (o *Orchestrator) Grants() *grants.Store {
	return o.grants
}

// RecoverStale sweeps persisted Running rows left behind by a crash or
// shutdown, marking them Failed. Call once at startup, before any launch.
func (o *Orchestrator) RecoverStale() (int, error) {
	if o.store == nil {
		return 0, nil
	}
	swept, err := o.store.FailStaleRunningAgents(journal.StaleReason)
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		o.logger.Info().Int("count", swept).Msg("Failed stale running agents from previous run")
	}
	return swept, nil
}

// Close cancels every active run and flushes pending journal writes.
func (o *Orchestrator) Close() {
	o.runsMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.activeRuns))
	for _, cancel := range o.activeRuns {
		cancels = append(cancels, cancel)
	}
	o.runsMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if o.journal != nil {
		o.journal.Close()
	}
	o.events.Close()
}

// LaunchParams describes a new agent launch.
type LaunchParams struct {
	TaskID        string
	Task          string
	TaskContext   string
	SessionID     string
	ApprovalToken string
	// AutoApprove lets mutating tool calls that request it skip the
	// approval gate, when the gateway also allows it.
	AutoApprove bool
}

// Launch starts a new agent for the task and returns immediately with the
// Running record. If the task needs approval and no valid grant token is
// supplied, no record is created and ErrApprovalRequired is returned.
func (o *Orchestrator) Launch(ctx context.Context, params LaunchParams) (AgentRecord, error) {
	if params.Task == "" {
		return AgentRecord{}, fmt.Errorf("task cannot be empty")
	}

	if o.requiresApproval != nil && o.requiresApproval(params.Task) {
		if !o.grants.Consume(params.TaskID, params.ApprovalToken) {
			return AgentRecord{}, fmt.Errorf("task %s: %w", params.TaskID, ErrApprovalRequired)
		}
	}

	return o.launch(ctx, params)
}

// launch creates the record and starts the turn, past any approval check.
func (o *Orchestrator) launch(ctx context.Context, params LaunchParams) (AgentRecord, error) {
	id, err := gonanoid.New()
	if err != nil {
		return AgentRecord{}, fmt.Errorf("failed to generate agent id: %w", err)
	}

	rec := &AgentRecord{
		ID:          id,
		TaskID:      params.TaskID,
		Task:        params.Task,
		TaskContext: params.TaskContext,
		Status:      StatusRunning,
		Steps:       []step.Step{},
		SessionID:   params.SessionID,
		CreatedAt:   time.Now(),
	}
	if err := o.registry.Add(rec); err != nil {
		return AgentRecord{}, err
	}

	if o.store != nil {
		if err := o.store.InsertAgent(o.toJournalRecord(rec.Clone())); err != nil {
			o.logger.Error().Err(err).Str("agent_id", id).Msg("Failed to persist launched agent")
		}
	}

	o.logger.Info().
		Str("agent_id", id).
		Str("task_id", params.TaskID).
		Str("session_id", params.SessionID).
		Msg("Agent launched")

	snapshot := rec.Clone()
	o.events.Publish(Event{Kind: EventAgentStarted, AgentID: id})

	if o.toolSetup != nil {
		if err := o.toolSetup(ctx); err != nil {
			o.logger.Error().Err(err).Str("agent_id", id).Msg("Tool setup failed")
			snapshot = o.settle(id, StatusFailed, fmt.Sprintf("Tool initialization failed: %v", err))
			return snapshot, fmt.Errorf("agent %s: %w: %v", id, ErrToolInitFailed, err)
		}
	}

	o.startTurn(ctx, id, turnInput{
		task:        params.Task,
		taskContext: params.TaskContext,
		taskID:      params.TaskID,
		autoApprove: params.AutoApprove,
	})
	return snapshot, nil
}

// FollowUp resumes a settled agent with a new user message, reusing its
// conversation history. Running agents cannot take follow-ups.
func (o *Orchestrator) FollowUp(ctx context.Context, agentID, message string) (AgentRecord, error) {
	if message == "" {
		return AgentRecord{}, fmt.Errorf("follow-up message cannot be empty")
	}

	var (
		snapshot AgentRecord
		history  []agent.Message
		running  bool
	)
	var userStep step.Step
	found := o.registry.Mutate(agentID, func(rec *AgentRecord) {
		if !rec.Status.Terminal() {
			running = true
			return
		}
		userStep = step.New(step.KindUser, message)
		rec.Steps = append(rec.Steps, userStep)
		rec.Status = StatusRunning
		rec.Result = ""
		rec.CompletedAt = nil
		history = append([]agent.Message(nil), rec.History...)
		snapshot = rec.Clone()
	})
	if !found {
		return AgentRecord{}, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	if running {
		return AgentRecord{}, fmt.Errorf("agent %s: %w", agentID, ErrAgentRunning)
	}

	if o.journal != nil {
		o.journal.Schedule(agentID)
	}

	o.logger.Info().Str("agent_id", agentID).Msg("Agent follow-up started")
	o.events.Publish(Event{Kind: EventAgentStarted, AgentID: agentID})
	o.events.Publish(Event{Kind: EventAgentStep, AgentID: agentID, Step: &userStep})
	o.startTurn(ctx, agentID, turnInput{
		task:    message,
		taskID:  snapshot.TaskID,
		history: history,
	})
	return snapshot, nil
}

// Relaunch starts a fresh agent for the same task as a settled one. The
// new run has a new id and an empty timeline; the original task's approval
// is not re-checked.
func (o *Orchestrator) Relaunch(ctx context.Context, agentID string) (AgentRecord, error) {
	prior, err := o.GetAgent(agentID)
	if err != nil {
		return AgentRecord{}, err
	}
	if !prior.Status.Terminal() {
		return AgentRecord{}, fmt.Errorf("agent %s: %w", agentID, ErrAgentRunning)
	}

	return o.launch(ctx, LaunchParams{
		TaskID:      prior.TaskID,
		Task:        prior.Task,
		TaskContext: prior.TaskContext,
		SessionID:   prior.SessionID,
	})
}

// Cancel requests cooperative cancellation of a running agent. The agent
// settles asynchronously as Failed with the Cancelled result.
func (o *Orchestrator) Cancel(agentID string) error {
	if _, ok := o.registry.Snapshot(agentID); !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}

	o.runsMu.Lock()
	cancel, ok := o.activeRuns[agentID]
	o.runsMu.Unlock()

	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrAgentNotRunning)
	}

	o.logger.Info().Str("agent_id", agentID).Msg("Agent cancellation requested")
	cancel()
	return nil
}

// AnswerToolApproval resolves an agent's pending tool approval gate.
func (o *Orchestrator) AnswerToolApproval(agentID string, approved bool, reason string) error {
	if _, ok := o.registry.Snapshot(agentID); !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	return o.gateway.AnswerApproval(agentID, toolgateway.Decision{Approved: approved, Reason: reason})
}

// AnswerQuestion resolves an agent's pending ask-user call with answers
// keyed by question id.
func (o *Orchestrator) AnswerQuestion(agentID string, answers map[string]string) error {
	if _, ok := o.registry.Snapshot(agentID); !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	return o.gateway.AnswerQuestion(agentID, answers)
}

// Archive removes a settled agent from memory and storage. Running agents
// must be cancelled first.
func (o *Orchestrator) Archive(agentID string) error {
	rec, ok := o.registry.Snapshot(agentID)
	if ok && !rec.Status.Terminal() {
		return fmt.Errorf("agent %s: %w", agentID, ErrAgentRunning)
	}
	if !ok && o.store == nil {
		return fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}

	if o.journal != nil {
		o.journal.Drop(agentID)
	}
	if o.store != nil {
		if err := o.store.DeleteAgent(agentID); err != nil {
			return err
		}
	}
	o.registry.Remove(agentID)

	o.logger.Info().Str("agent_id", agentID).Msg("Agent archived")
	o.events.Publish(Event{Kind: EventAgentArchived, AgentID: agentID})
	return nil
}

// GetAgent returns one agent, preferring the live in-memory record over
// the persisted row.
func (o *Orchestrator) GetAgent(agentID string) (AgentRecord, error) {
	if rec, ok := o.registry.Snapshot(agentID); ok {
		return rec, nil
	}
	if o.store != nil {
		row, err := o.store.GetAgent(agentID)
		if err == nil {
			return o.fromJournalRecord(row), nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return AgentRecord{}, err
		}
	}
	return AgentRecord{}, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
}

// GetAllAgents returns every known agent, in-memory records winning over
// their persisted mirrors.
func (o *Orchestrator) GetAllAgents() ([]AgentRecord, error) {
	live := o.registry.List()
	if o.store == nil {
		return live, nil
	}
	rows, err := o.store.ListAgents()
	if err != nil {
		return nil, err
	}
	return o.merge(live, rows), nil
}

// GetAgentsForSession returns every agent belonging to one session.
func (o *Orchestrator) GetAgentsForSession(sessionID string) ([]AgentRecord, error) {
	live := o.registry.ForSession(sessionID)
	if o.store == nil {
		return live, nil
	}
	rows, err := o.store.GetAgentsForSession(sessionID)
	if err != nil {
		return nil, err
	}
	return o.merge(live, rows), nil
}

func (o *Orchestrator) merge(live []AgentRecord, rows []journal.Record) []AgentRecord {
	seen := make(map[string]bool, len(live))
	for _, rec := range live {
		seen[rec.ID] = true
	}

	merged := make([]AgentRecord, 0, len(live)+len(rows))
	for _, row := range rows {
		if seen[row.ID] {
			continue
		}
		merged = append(merged, o.fromJournalRecord(row))
	}
	merged = append(merged, live...)
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	return merged
}

// turnInput carries what one turn needs beyond the shared model config.
type turnInput struct {
	task        string
	taskContext string
	taskID      string
	history     []agent.Message
	autoApprove bool
}

// startTurn registers the cancel handle and runs the turn asynchronously.
func (o *Orchestrator) startTurn(ctx context.Context, agentID string, in turnInput) {
	execCtx := tracing.NewRequestContext(context.WithoutCancel(ctx))
	execCtx = tracing.WithAgentID(execCtx, agentID)
	execCtx = tracing.WithTaskID(execCtx, in.taskID)
	execCtx, cancel := context.WithCancel(execCtx)

	o.runsMu.Lock()
	o.activeRuns[agentID] = cancel
	o.runsMu.Unlock()
	observability.SetActiveAgents(o.registry.CountRunning())

	go o.runTurn(execCtx, cancel, agentID, in)
}

func (o *Orchestrator) runTurn(ctx context.Context, cancel context.CancelFunc, agentID string, in turnInput) {
	defer cancel()
	defer func() {
		o.runsMu.Lock()
		delete(o.activeRuns, agentID)
		o.runsMu.Unlock()
	}()

	logger := tracing.LoggerFromContext(ctx, o.logger)
	start := time.Now()

	result, err := o.runner.RunTurn(ctx, agent.TurnParams{
		AgentID:      agentID,
		Task:         in.task,
		TaskContext:  in.taskContext,
		History:      in.history,
		Tools:        o.toolHandles(in.autoApprove),
		Model:        o.model,
		SystemPrompt: o.systemPrompt,
		MaxTokens:    o.maxTokens,
		Temperature:  o.temperature,
	}, o.sink(agentID))

	status := StatusCompleted
	finalResult := result.Text
	outcome := "completed"

	switch {
	case errors.Is(err, agent.ErrCancelled):
		status = StatusFailed
		finalResult = CancelledResult
		outcome = "cancelled"
		logger.Info().Msg("Agent turn cancelled")
	case err != nil:
		status = StatusFailed
		finalResult = err.Error()
		outcome = "failed"
		logger.Error().Err(err).Msg("Agent turn failed")
	default:
		logger.Info().Int("text_deltas", result.TextDeltas).Msg("Agent turn completed")
	}

	if err == nil {
		o.registry.Mutate(agentID, func(rec *AgentRecord) {
			rec.History = result.History
		})
	}
	o.settle(agentID, status, finalResult)

	observability.RecordAgentTurn(o.runner.Provider(), outcome, time.Since(start))
	observability.SetActiveAgents(o.registry.CountRunning())
}

// settle moves an agent to a terminal state, flushes its journal entry
// synchronously, and publishes the terminal event.
func (o *Orchestrator) settle(agentID string, status AgentStatus, result string) AgentRecord {
	now := time.Now()
	var out AgentRecord
	o.registry.Mutate(agentID, func(rec *AgentRecord) {
		rec.Status = status
		rec.Result = result
		rec.CompletedAt = &now
		out = rec.Clone()
	})

	if o.journal != nil {
		o.journal.FlushNow(agentID)
	}

	kind := EventAgentCompleted
	if status == StatusFailed {
		kind = EventAgentFailed
	}
	o.events.Publish(Event{Kind: kind, AgentID: agentID, Result: result})
	return out
}

// sink returns the step upsert function for one agent. Steps are matched by
// id: replays update in place, new ids append. Approval states only ever
// move forward; a stale regressing update keeps the newer state.
func (o *Orchestrator) sink(agentID string) step.Sink {
	return func(s step.Step) {
		var out step.Step
		ok := o.registry.Mutate(agentID, func(rec *AgentRecord) {
			for i := range rec.Steps {
				if rec.Steps[i].ID != s.ID {
					continue
				}
				prior := rec.Steps[i]
				if prior.ApprovalID != "" {
					if s.ApprovalID == "" {
						s.ApprovalID = prior.ApprovalID
					}
					if s.ApprovalState != prior.ApprovalState {
						clamped := prior
						if err := clamped.AdvanceApproval(s.ApprovalState); err != nil {
							s.ApprovalState = prior.ApprovalState
						}
					}
				}
				s.CreatedAt = prior.CreatedAt
				rec.Steps[i] = s
				out = s
				return
			}
			rec.Steps = append(rec.Steps, s)
			out = s
			observability.RecordStep(string(s.Kind))
		})
		if !ok {
			return
		}

		o.events.Publish(Event{Kind: EventAgentStep, AgentID: agentID, Step: &out})
		if o.journal != nil {
			o.journal.Schedule(agentID)
		}
	}
}

// toolHandles wraps every registered tool as a provider-facing handle whose
// Run goes through the gateway (and so through the approval policy).
func (o *Orchestrator) toolHandles(autoApprove bool) []agent.ToolHandle {
	tools := o.gateway.Set().List()
	handles := make([]agent.ToolHandle, 0, len(tools))
	for _, tool := range tools {
		tool := tool
		handles = append(handles, agent.ToolHandle{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
			Run: func(ctx context.Context, callID string, input map[string]interface{}) agent.ToolOutcome {
				res := o.gateway.Execute(ctx, toolgateway.Call{
					AgentID:     tracing.GetAgentID(ctx),
					CallStepID:  callID,
					Name:        tool.Name,
					Input:       input,
					AutoApprove: autoApprove,
				}, o.sink(tracing.GetAgentID(ctx)))
				return agent.ToolOutcome{Output: res.Output, Error: res.Error, Denied: res.Denied}
			},
		})
	}
	return handles
}

// registerAskUser adds the builtin question tool. It parks the calling turn
// on the gateway until AnswerQuestion supplies answers.
func (o *Orchestrator) registerAskUser() error {
	return o.gateway.Set().Register(toolgateway.Tool{
		Name:        AskUserToolName,
		Provider:    "agent",
		Description: "Ask the user one or more questions and wait for their answers before continuing.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"questions": map[string]interface{}{
					"type":        "array",
					"description": "Questions for the user, each with a stable id.",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"id":       map[string]interface{}{"type": "string"},
							"question": map[string]interface{}{"type": "string"},
						},
						"required": []interface{}{"id", "question"},
					},
				},
			},
			"required": []interface{}{"questions"},
		},
		Mutating: false,
		Execute: func(ctx context.Context, input map[string]interface{}) (string, error) {
			agentID := tracing.GetAgentID(ctx)
			if agentID == "" {
				return "", fmt.Errorf("ask_user called outside an agent turn")
			}
			answers, err := o.gateway.AwaitAnswers(ctx, agentID)
			if err != nil {
				return "", err
			}
			encoded, err := json.Marshal(answers)
			if err != nil {
				return "", fmt.Errorf("failed to encode answers: %w", err)
			}
			return string(encoded), nil
		},
	})
}

// journalSnapshot adapts the registry to the journal's snapshot contract.
func (o *Orchestrator) journalSnapshot(agentID string) (journal.Record, bool) {
	rec, ok := o.registry.Snapshot(agentID)
	if !ok {
		return journal.Record{}, false
	}
	return o.toJournalRecord(rec), true
}

func (o *Orchestrator) toJournalRecord(rec AgentRecord) journal.Record {
	return journal.Record{
		ID:          rec.ID,
		TaskID:      rec.TaskID,
		Task:        rec.Task,
		TaskContext: rec.TaskContext,
		Status:      string(rec.Status),
		Steps:       rec.Steps,
		Result:      rec.Result,
		SessionID:   rec.SessionID,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
	}
}

func (o *Orchestrator) fromJournalRecord(row journal.Record) AgentRecord {
	return AgentRecord{
		ID:          row.ID,
		TaskID:      row.TaskID,
		Task:        row.Task,
		TaskContext: row.TaskContext,
		Status:      AgentStatus(row.Status),
		Steps:       row.Steps,
		Result:      row.Result,
		SessionID:   row.SessionID,
		CreatedAt:   row.CreatedAt,
		CompletedAt: row.CompletedAt,
	}
}
