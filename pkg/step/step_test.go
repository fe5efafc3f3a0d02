package step

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	s := New(KindText, "hello")

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, KindText, s.Kind)
	assert.Equal(t, "hello", s.Content)
	assert.False(t, s.CreatedAt.IsZero())
}

func TestNew_UniqueIDs(t *testing.T) {
	a := New(KindText, "a")
	b := New(KindText, "b")

	assert.NotEqual(t, a.ID, b.ID)
}

func TestKind_Valid(t *testing.T) {
	for _, k := range []Kind{KindThinking, KindToolCall, KindToolResult, KindToolError, KindText, KindUser, KindPlan} {
		assert.True(t, k.Valid(), string(k))
	}
	assert.False(t, Kind("bogus").Valid())
	assert.False(t, Kind("").Valid())
}

func TestApprovalState_CanAdvanceTo(t *testing.T) {
	tests := []struct {
		from, to ApprovalState
		want     bool
	}{
		{ApprovalRequested, ApprovalResponded, true},
		{ApprovalRequested, ApprovalOutputAvailable, true},
		{ApprovalRequested, ApprovalOutputDenied, true},
		{ApprovalResponded, ApprovalOutputAvailable, true},
		{ApprovalResponded, ApprovalOutputDenied, true},
		{ApprovalResponded, ApprovalRequested, false},
		{ApprovalOutputAvailable, ApprovalRequested, false},
		{ApprovalOutputAvailable, ApprovalResponded, false},
		{ApprovalOutputAvailable, ApprovalOutputDenied, false},
		{ApprovalOutputDenied, ApprovalOutputAvailable, false},
		{ApprovalState("bogus"), ApprovalResponded, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanAdvanceTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestStep_AdvanceApproval(t *testing.T) {
	s := New(KindToolCall, "run tool")
	s.ApprovalID = "approval-1"
	s.ApprovalState = ApprovalRequested

	require.NoError(t, s.AdvanceApproval(ApprovalResponded))
	assert.Equal(t, ApprovalResponded, s.ApprovalState)

	require.NoError(t, s.AdvanceApproval(ApprovalOutputAvailable))
	assert.Equal(t, ApprovalOutputAvailable, s.ApprovalState)
}

func TestStep_AdvanceApproval_Backward(t *testing.T) {
	s := New(KindToolCall, "run tool")
	s.ApprovalID = "approval-1"
	s.ApprovalState = ApprovalOutputDenied

	err := s.AdvanceApproval(ApprovalRequested)
	require.Error(t, err)
	assert.Equal(t, ApprovalOutputDenied, s.ApprovalState)
}

func TestStep_AdvanceApproval_NoApproval(t *testing.T) {
	s := New(KindText, "plain text")

	err := s.AdvanceApproval(ApprovalResponded)
	require.Error(t, err)
}
