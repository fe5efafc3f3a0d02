package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

func TestAuthenticator_ChallengesAreUnique(t *testing.T) {
	a := NewAuthenticator("secret")

	c1, err := a.NewChallenge()
	require.NoError(t, err)
	c2, err := a.NewChallenge()
	require.NoError(t, err)

	assert.Len(t, c1, 64)
	assert.NotEqual(t, c1, c2)
}

func TestAuthenticator_Verify(t *testing.T) {
	a := NewAuthenticator("secret")
	challenge, err := a.NewChallenge()
	require.NoError(t, err)

	assert.True(t, a.Verify(challenge, sign("secret", challenge)))
	assert.False(t, a.Verify(challenge, sign("wrong", challenge)))
	assert.False(t, a.Verify(challenge, "garbage"))
}

func TestAuthenticator_Handle_Success(t *testing.T) {
	a := NewAuthenticator("secret")
	client := &Client{State: StateAuthenticating, Challenge: "challenge-1"}

	result, keep := a.Handle(client, sign("secret", "challenge-1"))
	assert.True(t, keep)
	assert.True(t, result.Success)
	assert.True(t, client.Authenticated())
	assert.Empty(t, client.Challenge)
}

func TestAuthenticator_Handle_BadSignature(t *testing.T) {
	a := NewAuthenticator("secret")
	client := &Client{State: StateAuthenticating, Challenge: "challenge-1"}

	result, keep := a.Handle(client, "wrong")
	assert.True(t, keep)
	assert.False(t, result.Success)
	assert.False(t, client.Authenticated())
	assert.Equal(t, 1, client.AuthAttempts)
}

func TestAuthenticator_Handle_TooManyAttempts(t *testing.T) {
	a := NewAuthenticator("secret")
	client := &Client{State: StateAuthenticating, Challenge: "challenge-1"}

	var keep bool
	for i := 0; i < maxAuthAttempts; i++ {
		_, keep = a.Handle(client, "wrong")
	}
	assert.False(t, keep)
	assert.False(t, client.Authenticated())
}

func TestAuthenticator_Handle_NoChallenge(t *testing.T) {
	a := NewAuthenticator("secret")
	client := &Client{State: StateAuthenticating}

	_, keep := a.Handle(client, sign("secret", ""))
	assert.False(t, keep)
}
