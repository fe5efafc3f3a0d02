package grants

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_IssueAndConsume(t *testing.T) {
	store := NewStore(0)

	token := store.Issue("t1")
	require.NotEmpty(t, token)

	assert.True(t, store.Consume("t1", token))
}

func TestStore_ConsumeIsSingleUse(t *testing.T) {
	store := NewStore(0)

	token := store.Issue("t1")
	require.True(t, store.Consume("t1", token))

	assert.False(t, store.Consume("t1", token))
}

func TestStore_ConsumeWrongTask(t *testing.T) {
	store := NewStore(0)

	token := store.Issue("t1")
	assert.False(t, store.Consume("t2", token))

	// The grant survives a mismatched consume attempt.
	assert.True(t, store.Consume("t1", token))
}

func TestStore_ConsumeUnknownToken(t *testing.T) {
	store := NewStore(0)
	assert.False(t, store.Consume("t1", "nope"))
}

func TestStore_ExpiryEnforcedLazily(t *testing.T) {
	store := NewStore(time.Minute)

	current := time.Now()
	store.now = func() time.Time { return current }

	token := store.Issue("t1")
	require.Equal(t, 1, store.Pending())

	current = current.Add(61 * time.Second)
	assert.False(t, store.Consume("t1", token))
	assert.Equal(t, 0, store.Pending())
}

func TestStore_SweepOnIssue(t *testing.T) {
	store := NewStore(time.Minute)

	current := time.Now()
	store.now = func() time.Time { return current }

	store.Issue("t1")
	current = current.Add(2 * time.Minute)

	store.Issue("t2")
	assert.Equal(t, 1, store.Pending())
}
