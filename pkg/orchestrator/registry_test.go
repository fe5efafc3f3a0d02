package orchestrator

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakim/helmsman/pkg/step"
)

func newRecord(id, sessionID string, status AgentStatus) *AgentRecord {
	return &AgentRecord{
		ID:        id,
		TaskID:    "task-" + id,
		Task:      "a task",
		Status:    status,
		Steps:     []step.Step{},
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}
}

func TestRegistry_AddAndSnapshot(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newRecord("a1", "s1", StatusRunning)))

	got, ok := r.Snapshot("a1")
	require.True(t, ok)
	assert.Equal(t, "a1", got.ID)

	_, ok = r.Snapshot("missing")
	assert.False(t, ok)
}

func TestRegistry_AddDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newRecord("a1", "s1", StatusRunning)))
	assert.Error(t, r.Add(newRecord("a1", "s1", StatusRunning)))
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	rec := newRecord("a1", "s1", StatusRunning)
	rec.Steps = append(rec.Steps, step.New(step.KindText, "original"))
	require.NoError(t, r.Add(rec))

	got, ok := r.Snapshot("a1")
	require.True(t, ok)
	got.Steps[0].Content = "mutated"
	got.Status = StatusFailed

	fresh, _ := r.Snapshot("a1")
	assert.Equal(t, "original", fresh.Steps[0].Content)
	assert.Equal(t, StatusRunning, fresh.Status)
}

func TestRegistry_Mutate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newRecord("a1", "s1", StatusRunning)))

	ok := r.Mutate("a1", func(rec *AgentRecord) {
		rec.Status = StatusCompleted
		rec.Result = "done"
	})
	require.True(t, ok)

	got, _ := r.Snapshot("a1")
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "done", got.Result)

	assert.False(t, r.Mutate("missing", func(*AgentRecord) {}))
}

func TestRegistry_ForSession(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newRecord("a1", "s1", StatusRunning)))
	require.NoError(t, r.Add(newRecord("a2", "s1", StatusCompleted)))
	require.NoError(t, r.Add(newRecord("a3", "s2", StatusRunning)))

	assert.Len(t, r.ForSession("s1"), 2)
	assert.Len(t, r.ForSession("s2"), 1)
	assert.Empty(t, r.ForSession("s3"))
}

func TestRegistry_CountRunning(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newRecord("a1", "s1", StatusRunning)))
	require.NoError(t, r.Add(newRecord("a2", "s1", StatusCompleted)))
	require.NoError(t, r.Add(newRecord("a3", "s1", StatusFailed)))

	assert.Equal(t, 1, r.CountRunning())
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newRecord("a1", "s1", StatusCompleted)))

	assert.True(t, r.Remove("a1"))
	assert.False(t, r.Remove("a1"))
	assert.Empty(t, r.List())
}

func TestAgentRecord_WaitingOnApproval(t *testing.T) {
	rec := newRecord("a1", "s1", StatusRunning)
	assert.False(t, rec.WaitingOnApproval())

	gated := step.New(step.KindToolCall, "waiting")
	gated.ApprovalID = "ap-1"
	gated.ApprovalState = step.ApprovalRequested
	rec.Steps = append(rec.Steps, gated)
	assert.True(t, rec.WaitingOnApproval())

	rec.Steps[len(rec.Steps)-1].ApprovalState = step.ApprovalOutputDenied
	assert.False(t, rec.WaitingOnApproval())
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(Event{Kind: EventAgentStarted, AgentID: "a1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventAgentStarted, ev.Kind)
			assert.Equal(t, "a1", ev.AgentID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBroadcaster_CancelledSubscriberStopsReceiving(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()

	// The channel is closed on cancel.
	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic.
	b.Publish(Event{Kind: EventAgentStep, AgentID: "a1"})
}

func TestBroadcaster_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish(Event{Kind: EventAgentStep, AgentID: "a1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The buffered prefix is still readable.
	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriberBuffer, received)
}
