package orchestrator

import (
	"errors"
	"time"

	"github.com/hakim/helmsman/pkg/agent"
	"github.com/hakim/helmsman/pkg/step"
)

// AgentStatus is the top-level run state of an agent.
type AgentStatus string

const (
	StatusRunning   AgentStatus = "running"
	StatusCompleted AgentStatus = "completed"
	StatusFailed    AgentStatus = "failed"
)

// Terminal reports whether the status is a settled one.
func (s AgentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CancelledResult is the exact user-visible failure text of a cancelled turn.
const CancelledResult = "Cancelled"

var (
	// ErrApprovalRequired rejects a launch of an approval-gated task with
	// no valid grant. No record is created.
	ErrApprovalRequired = errors.New("launch approval required")
	// ErrToolInitFailed marks a launch whose tool set could not be built;
	// the record exists and is immediately Failed.
	ErrToolInitFailed = errors.New("tool initialization failed")
	// ErrAgentNotFound is returned for unknown agent ids.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentRunning rejects operations that need a settled agent.
	ErrAgentRunning = errors.New("agent is running")
	// ErrAgentNotRunning rejects cancellation of a settled agent.
	ErrAgentNotRunning = errors.New("agent is not running")
)

// AgentRecord is one autonomous task execution. Owned exclusively by the
// registry while running; the journal only mirrors it.
type AgentRecord struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	Task        string          `json:"task"`
	TaskContext string          `json:"task_context,omitempty"`
	Status      AgentStatus     `json:"status"`
	Steps       []step.Step     `json:"steps"`
	Result      string          `json:"result,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	History     []agent.Message `json:"-"`
}

// Clone returns a copy safe to hand outside the registry lock.
func (r *AgentRecord) Clone() AgentRecord {
	clone := *r
	clone.Steps = append([]step.Step(nil), r.Steps...)
	clone.History = append([]agent.Message(nil), r.History...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		clone.CompletedAt = &t
	}
	return clone
}

// WaitingOnApproval reports whether the record has an unresolved
// approval-requested step. Waiting states are sub-states of Running
// observed from the timeline, not a separate status.
func (r *AgentRecord) WaitingOnApproval() bool {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		s := r.Steps[i]
		if s.ApprovalID != "" && s.ApprovalState == step.ApprovalRequested {
			return true
		}
	}
	return false
}

// EventKind names the outward event stream vocabulary.
type EventKind string

const (
	EventAgentStarted   EventKind = "agent-started"
	EventAgentStep      EventKind = "agent-step"
	EventAgentCompleted EventKind = "agent-completed"
	EventAgentFailed    EventKind = "agent-failed"
	EventAgentArchived  EventKind = "agent-archived"
)

// Event is one outward notification about an agent.
type Event struct {
	Kind    EventKind  `json:"kind"`
	AgentID string     `json:"agent_id"`
	Step    *step.Step `json:"step,omitempty"`
	Result  string     `json:"result,omitempty"`
}
