// Package grants issues one-shot, time-boxed approval tokens for launching
// higher-risk tasks.
package grants

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultTTL is the validity window for a freshly issued grant.
const DefaultTTL = 60 * time.Second

// Grant is a single-use launch approval for one task.
type Grant struct {
	Token     string
	TaskID    string
	ExpiresAt time.Time
}

// Store holds unconsumed grants. Expired grants are swept opportunistically
// on every Issue and Consume call; no background timer runs.
type Store struct {
	mu     sync.Mutex
	grants map[string]Grant
	ttl    time.Duration
	now    func() time.Time
}

// NewStore creates an empty grant store with the given TTL. A non-positive
// TTL falls back to DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		grants: make(map[string]Grant),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue creates a grant for taskID and returns its token.
func (s *Store) Issue(taskID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()

	token := uuid.NewString()
	s.grants[token] = Grant{
		Token:     token,
		TaskID:    taskID,
		ExpiresAt: s.now().Add(s.ttl),
	}

	log.Debug().Str("task_id", taskID).Msg("Launch grant issued")
	return token
}

// Consume redeems a token for taskID. It returns true and removes the grant
// only when the token exists, is unexpired, and matches the task; otherwise
// it returns false with no side effect.
func (s *Store) Consume(taskID, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()

	grant, ok := s.grants[token]
	if !ok || grant.TaskID != taskID {
		return false
	}

	delete(s.grants, token)
	log.Debug().Str("task_id", taskID).Msg("Launch grant consumed")
	return true
}

// Pending returns the number of live grants, sweeping expired ones first.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()
	return len(s.grants)
}

func (s *Store) sweepLocked() {
	cutoff := s.now()
	for token, grant := range s.grants {
		if !grant.ExpiresAt.After(cutoff) {
			delete(s.grants, token)
		}
	}
}
