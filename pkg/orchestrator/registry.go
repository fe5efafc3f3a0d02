package orchestrator

import (
	"fmt"
	"sync"
)

// Registry owns every in-memory AgentRecord. It is an explicit instance
// injected into the Orchestrator rather than ambient package state.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]*AgentRecord),
	}
}

// Add registers a new record. The id must be unused.
func (r *Registry) Add(rec *AgentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[rec.ID]; exists {
		return fmt.Errorf("agent already registered: %s", rec.ID)
	}
	r.agents[rec.ID] = rec
	return nil
}

// Snapshot returns a clone of one record.
func (r *Registry) Snapshot(id string) (AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[id]
	if !ok {
		return AgentRecord{}, false
	}
	return rec.Clone(), true
}

// List returns clones of every record.
func (r *Registry) List() []AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		records = append(records, rec.Clone())
	}
	return records
}

// ForSession returns clones of the records belonging to one session.
func (r *Registry) ForSession(sessionID string) []AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]AgentRecord, 0)
	for _, rec := range r.agents {
		if rec.SessionID == sessionID {
			records = append(records, rec.Clone())
		}
	}
	return records
}

// Mutate runs fn on the live record under the registry lock. It returns
// false for unknown ids.
func (r *Registry) Mutate(id string, fn func(*AgentRecord)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// Remove deletes a record (archival).
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return false
	}
	delete(r.agents, id)
	return true
}

// CountRunning returns the number of records in Running state.
func (r *Registry) CountRunning() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, rec := range r.agents {
		if rec.Status == StatusRunning {
			count++
		}
	}
	return count
}
