package toolgateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakim/helmsman/pkg/step"
)

func newTestGateway(t *testing.T, autoApprove bool, executions *atomic.Int32) *Gateway {
	t.Helper()
	set := NewSet()

	require.NoError(t, set.Register(Tool{
		Name:        "notion__create_page",
		Provider:    "notion",
		Description: "creates a page",
		Mutating:    true,
		Execute: func(ctx context.Context, input map[string]interface{}) (string, error) {
			executions.Add(1)
			return "page created", nil
		},
	}))
	require.NoError(t, set.Register(Tool{
		Name:        "notion__search",
		Provider:    "notion",
		Description: "searches pages",
		Mutating:    false,
		Execute: func(ctx context.Context, input map[string]interface{}) (string, error) {
			executions.Add(1)
			return "results", nil
		},
	}))

	return New(set, autoApprove, zerolog.Nop())
}

func collectSink(steps *[]step.Step) step.Sink {
	return func(s step.Step) {
		*steps = append(*steps, s)
	}
}

func TestExecute_NonMutatingRunsImmediately(t *testing.T) {
	var executions atomic.Int32
	gw := newTestGateway(t, false, &executions)

	var steps []step.Step
	res := gw.Execute(context.Background(), Call{
		AgentID: "agent-1",
		Name:    "notion__search",
		Input:   map[string]interface{}{},
	}, collectSink(&steps))

	assert.Equal(t, "results", res.Output)
	assert.Empty(t, res.Error)
	assert.False(t, res.Denied)
	assert.Equal(t, int32(1), executions.Load())
	assert.Empty(t, steps)
}

func TestExecute_MutatingWaitsForApproval(t *testing.T) {
	var executions atomic.Int32
	gw := newTestGateway(t, false, &executions)

	var steps []step.Step
	done := make(chan Result, 1)
	go func() {
		done <- gw.Execute(context.Background(), Call{
			AgentID:    "agent-1",
			CallStepID: "call-1",
			Name:       "notion__create_page",
			Input:      map[string]interface{}{},
		}, collectSink(&steps))
	}()

	// The tool must not run before a decision arrives.
	require.Eventually(t, func() bool {
		return gw.HasPendingApproval("agent-1")
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), executions.Load())

	require.NoError(t, gw.AnswerApproval("agent-1", Decision{Approved: true}))

	res := <-done
	assert.Equal(t, "page created", res.Output)
	assert.False(t, res.Denied)
	assert.Equal(t, int32(1), executions.Load())

	require.Len(t, steps, 3)
	assert.Equal(t, "call-1", steps[0].ID)
	assert.Equal(t, step.ApprovalRequested, steps[0].ApprovalState)
	assert.NotEmpty(t, steps[0].ApprovalID)
	assert.Equal(t, "call-1", steps[1].ID)
	assert.Equal(t, step.ApprovalResponded, steps[1].ApprovalState)
	assert.Equal(t, "call-1", steps[2].ID)
	assert.Equal(t, step.ApprovalOutputAvailable, steps[2].ApprovalState)
	assert.Equal(t, steps[0].ApprovalID, steps[1].ApprovalID)
	assert.Equal(t, steps[0].ApprovalID, steps[2].ApprovalID)
}

func TestExecute_OutputAvailableOnlyAfterExecutor(t *testing.T) {
	set := NewSet()
	release := make(chan error)
	require.NoError(t, set.Register(Tool{
		Name:     "notion__create_page",
		Provider: "notion",
		Mutating: true,
		Execute: func(ctx context.Context, input map[string]interface{}) (string, error) {
			if err := <-release; err != nil {
				return "", err
			}
			return "page created", nil
		},
	}))
	gw := New(set, false, zerolog.Nop())

	var mu sync.Mutex
	var steps []step.Step
	latest := func() step.ApprovalState {
		mu.Lock()
		defer mu.Unlock()
		if len(steps) == 0 {
			return ""
		}
		return steps[len(steps)-1].ApprovalState
	}

	done := make(chan Result, 1)
	go func() {
		done <- gw.Execute(context.Background(), Call{
			AgentID:    "agent-1",
			CallStepID: "call-1",
			Name:       "notion__create_page",
			Input:      map[string]interface{}{},
		}, func(s step.Step) {
			mu.Lock()
			steps = append(steps, s)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		return gw.HasPendingApproval("agent-1")
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, gw.AnswerApproval("agent-1", Decision{Approved: true}))

	// While the executor is still running the step stays Responded.
	require.Eventually(t, func() bool {
		return latest() == step.ApprovalResponded
	}, time.Second, 5*time.Millisecond)
	assert.NotEqual(t, step.ApprovalOutputAvailable, latest())

	// An executor failure never reports output as available.
	release <- errors.New("notion is down")
	res := <-done
	assert.Equal(t, "notion is down", res.Error)
	assert.Equal(t, step.ApprovalResponded, latest())
}

func TestExecute_DenialNeverExecutes(t *testing.T) {
	var executions atomic.Int32
	gw := newTestGateway(t, false, &executions)

	var steps []step.Step
	done := make(chan Result, 1)
	go func() {
		done <- gw.Execute(context.Background(), Call{
			AgentID:    "agent-1",
			CallStepID: "call-1",
			Name:       "notion__create_page",
			Input:      map[string]interface{}{},
		}, collectSink(&steps))
	}()

	require.Eventually(t, func() bool {
		return gw.HasPendingApproval("agent-1")
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, gw.AnswerApproval("agent-1", Decision{Approved: false, Reason: "not now"}))

	res := <-done
	assert.True(t, res.Denied)
	assert.Contains(t, res.Output, "not now")
	assert.Equal(t, int32(0), executions.Load())

	require.Len(t, steps, 2)
	assert.Equal(t, step.ApprovalOutputDenied, steps[1].ApprovalState)
}

func TestExecute_AutoApproveSkipsGate(t *testing.T) {
	var executions atomic.Int32
	gw := newTestGateway(t, true, &executions)

	var steps []step.Step
	res := gw.Execute(context.Background(), Call{
		AgentID:     "agent-1",
		CallStepID:  "call-1",
		Name:        "notion__create_page",
		Input:       map[string]interface{}{},
		AutoApprove: true,
	}, collectSink(&steps))

	assert.Equal(t, "page created", res.Output)
	assert.Equal(t, int32(1), executions.Load())
	assert.Empty(t, steps)
}

func TestExecute_AutoApproveNeedsBothSides(t *testing.T) {
	var executions atomic.Int32
	// Gateway allows auto-approve but this call does not request it.
	gw := newTestGateway(t, true, &executions)

	var steps []step.Step
	done := make(chan Result, 1)
	go func() {
		done <- gw.Execute(context.Background(), Call{
			AgentID:    "agent-1",
			CallStepID: "call-1",
			Name:       "notion__create_page",
			Input:      map[string]interface{}{},
		}, collectSink(&steps))
	}()

	require.Eventually(t, func() bool {
		return gw.HasPendingApproval("agent-1")
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), executions.Load())

	require.NoError(t, gw.AnswerApproval("agent-1", Decision{Approved: true}))
	<-done
}

func TestExecute_CancelledWhileWaiting(t *testing.T) {
	var executions atomic.Int32
	gw := newTestGateway(t, false, &executions)

	ctx, cancel := context.WithCancel(context.Background())
	var steps []step.Step
	done := make(chan Result, 1)
	go func() {
		done <- gw.Execute(ctx, Call{
			AgentID:    "agent-1",
			CallStepID: "call-1",
			Name:       "notion__create_page",
			Input:      map[string]interface{}{},
		}, collectSink(&steps))
	}()

	require.Eventually(t, func() bool {
		return gw.HasPendingApproval("agent-1")
	}, time.Second, 5*time.Millisecond)

	cancel()
	res := <-done
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, int32(0), executions.Load())

	// The gate is gone; a late decision reports no pending approval.
	require.Eventually(t, func() bool {
		return !gw.HasPendingApproval("agent-1")
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, gw.AnswerApproval("agent-1", Decision{Approved: true}), ErrNoPendingApproval)
}

func TestExecute_AmbiguousName(t *testing.T) {
	var executions atomic.Int32
	gw := newTestGateway(t, false, &executions)
	require.NoError(t, gw.Set().Register(Tool{
		Name:     "confluence__search",
		Provider: "confluence",
		Execute: func(ctx context.Context, input map[string]interface{}) (string, error) {
			return "", nil
		},
	}))

	res := gw.Execute(context.Background(), Call{
		AgentID: "agent-1",
		Name:    "search",
		Input:   map[string]interface{}{},
	}, func(step.Step) {})

	assert.NotEmpty(t, res.Error)
	assert.Equal(t, []string{"confluence__search", "notion__search"}, res.Candidates)
	assert.Equal(t, int32(0), executions.Load())
}

func TestAnswerApproval_NoPending(t *testing.T) {
	var executions atomic.Int32
	gw := newTestGateway(t, false, &executions)

	err := gw.AnswerApproval("nobody", Decision{Approved: true})
	assert.ErrorIs(t, err, ErrNoPendingApproval)
}

func TestAwaitAnswers_Roundtrip(t *testing.T) {
	var executions atomic.Int32
	gw := newTestGateway(t, false, &executions)

	done := make(chan map[string]string, 1)
	go func() {
		answers, err := gw.AwaitAnswers(context.Background(), "agent-1")
		require.NoError(t, err)
		done <- answers
	}()

	require.Eventually(t, func() bool {
		return gw.AnswerQuestion("agent-1", map[string]string{"q1": "yes"}) == nil
	}, time.Second, 5*time.Millisecond)

	answers := <-done
	assert.Equal(t, "yes", answers["q1"])
}

func TestAnswerQuestion_NoPending(t *testing.T) {
	var executions atomic.Int32
	gw := newTestGateway(t, false, &executions)

	err := gw.AnswerQuestion("nobody", map[string]string{"q1": "yes"})
	assert.ErrorIs(t, err, ErrNoPendingQuestion)
}
