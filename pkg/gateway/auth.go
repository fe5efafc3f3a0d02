package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// maxAuthAttempts is the number of bad signatures before the connection is
// dropped.
const maxAuthAttempts = 3

// Authenticator runs HMAC-SHA256 challenge-response authentication against
// a shared secret.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator for the shared secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// NewChallenge returns a fresh random 32-byte challenge, hex encoded.
func (a *Authenticator) NewChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Verify checks an HMAC-SHA256 signature over the challenge in constant
// time.
func (a *Authenticator) Verify(challenge, signature string) bool {
	h := hmac.New(sha256.New, a.secret)
	h.Write([]byte(challenge))
	expected := hex.EncodeToString(h.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Handle processes one signed response for the client. The second return is
// false when the connection should be closed.
func (a *Authenticator) Handle(client *Client, signature string) (AuthResult, bool) {
	if client.Challenge == "" {
		return AuthResult{Event: "auth.failure", Message: "no challenge outstanding"}, false
	}

	if !a.Verify(client.Challenge, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return AuthResult{Event: "auth.failure", Message: "too many failed attempts"}, false
		}
		return AuthResult{Event: "auth.failure", Message: "invalid signature"}, true
	}

	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""
	return AuthResult{Event: "auth.success", Success: true}, true
}
