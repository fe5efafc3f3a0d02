package step

import (
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Kind identifies the variant of a timeline step.
type Kind string

const (
	KindThinking   Kind = "thinking"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindToolError  Kind = "tool_error"
	KindText       Kind = "text"
	KindUser       Kind = "user"
	KindPlan       Kind = "plan"
)

// Valid reports whether k is one of the known step kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindThinking, KindToolCall, KindToolResult, KindToolError,
		KindText, KindUser, KindPlan:
		return true
	}
	return false
}

// ApprovalState tracks the lifecycle of a gated tool call.
type ApprovalState string

const (
	ApprovalRequested       ApprovalState = "requested"
	ApprovalResponded       ApprovalState = "responded"
	ApprovalOutputAvailable ApprovalState = "output_available"
	ApprovalOutputDenied    ApprovalState = "output_denied"
)

// rank orders approval states; transitions may only move to a higher rank.
func (s ApprovalState) rank() int {
	switch s {
	case ApprovalRequested:
		return 0
	case ApprovalResponded:
		return 1
	case ApprovalOutputAvailable, ApprovalOutputDenied:
		return 2
	}
	return -1
}

// CanAdvanceTo reports whether the state may transition to next.
// Approval states only move forward, never backward or sideways at the
// terminal rank.
func (s ApprovalState) CanAdvanceTo(next ApprovalState) bool {
	if s.rank() < 0 || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// Step is one entry in an agent's timeline. A step is append-only except
// that an in-progress text or thinking step is updated in place (matched by
// ID) as deltas arrive.
type Step struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	Content       string         `json:"content"`
	ToolName      string         `json:"tool_name,omitempty"`
	ToolInput     string         `json:"tool_input,omitempty"`
	ApprovalID    string         `json:"approval_id,omitempty"`
	ApprovalState ApprovalState  `json:"approval_state,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// New creates a step of the given kind with a fresh ID.
func New(kind Kind, content string) Step {
	return Step{
		ID:        NewID(),
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// AdvanceApproval moves the step's approval state forward. It returns an
// error if the step carries no approval or the transition would go
// backward.
func (s *Step) AdvanceApproval(next ApprovalState) error {
	if s.ApprovalID == "" {
		return fmt.Errorf("step %s has no approval", s.ID)
	}
	if !s.ApprovalState.CanAdvanceTo(next) {
		return fmt.Errorf("approval %s cannot move %s -> %s", s.ApprovalID, s.ApprovalState, next)
	}
	s.ApprovalState = next
	return nil
}

// Sink receives step upserts. A step whose ID was seen before replaces the
// earlier entry in place; a new ID appends.
type Sink func(Step)

// NewID returns a fresh step identifier.
func NewID() string {
	id, _ := gonanoid.New()
	return id
}
