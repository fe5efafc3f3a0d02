package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_AllowsUpToLimit(t *testing.T) {
	r := NewRateLimiter(5)

	for i := 0; i < 5; i++ {
		assert.True(t, r.Allow(), "request %d", i)
	}
	assert.False(t, r.Allow())
}

func TestRateLimiter_Disabled(t *testing.T) {
	r := NewRateLimiter(0)

	for i := 0; i < 1000; i++ {
		assert.True(t, r.Allow())
	}
}
