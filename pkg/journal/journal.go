package journal

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hakim/helmsman/internal/observability"
)

// DefaultDebounce is the coalescing window for writes during active
// streaming.
const DefaultDebounce = 2 * time.Second

// Writer is the destination of coalesced flushes. *Store implements it.
type Writer interface {
	UpdateAgent(id string, partial Partial) error
}

// SnapshotFunc returns the current persisted form of an agent. The second
// return is false when the agent is unknown (e.g. archived mid-debounce).
type SnapshotFunc func(agentID string) (Record, bool)

// Journal coalesces step-timeline writes: during streaming at most one
// flush lands per debounce window per agent, while terminal transitions
// flush synchronously and cancel any pending timer. Write failures are
// logged and swallowed; in-memory state stays authoritative.
type Journal struct {
	writer   Writer
	snapshot SnapshotFunc
	debounce time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a journal over the given writer. A non-positive debounce
// falls back to DefaultDebounce.
func New(writer Writer, snapshot SnapshotFunc, debounce time.Duration, logger zerolog.Logger) *Journal {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Journal{
		writer:   writer,
		snapshot: snapshot,
		debounce: debounce,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
}

// Schedule requests a flush for the agent within the debounce window. Calls
// landing inside an already-open window coalesce into its single write.
func (j *Journal) Schedule(agentID string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, pending := j.timers[agentID]; pending {
		return
	}

	j.timers[agentID] = time.AfterFunc(j.debounce, func() {
		j.mu.Lock()
		delete(j.timers, agentID)
		j.mu.Unlock()

		j.flush(agentID, "debounce")
	})
}

// FlushNow cancels any pending debounce for the agent and writes
// synchronously. Used for terminal transitions.
func (j *Journal) FlushNow(agentID string) {
	j.cancelTimer(agentID)
	j.flush(agentID, "terminal")
}

// Drop cancels any pending flush for an agent that is going away.
func (j *Journal) Drop(agentID string) {
	j.cancelTimer(agentID)
}

// Close cancels all pending timers and flushes each affected agent once.
func (j *Journal) Close() {
	j.mu.Lock()
	pending := make([]string, 0, len(j.timers))
	for agentID, timer := range j.timers {
		timer.Stop()
		pending = append(pending, agentID)
	}
	j.timers = make(map[string]*time.Timer)
	j.mu.Unlock()

	for _, agentID := range pending {
		j.flush(agentID, "terminal")
	}
}

func (j *Journal) cancelTimer(agentID string) {
	j.mu.Lock()
	if timer, ok := j.timers[agentID]; ok {
		timer.Stop()
		delete(j.timers, agentID)
	}
	j.mu.Unlock()
}

func (j *Journal) flush(agentID, trigger string) {
	rec, ok := j.snapshot(agentID)
	if !ok {
		return
	}

	start := time.Now()
	partial := Partial{
		Steps:          &rec.Steps,
		Status:         &rec.Status,
		Result:         &rec.Result,
		CompletedAt:    rec.CompletedAt,
		SetCompletedAt: true,
	}

	if err := j.writer.UpdateAgent(agentID, partial); err != nil {
		// In-memory state stays authoritative; the next flush retries.
		j.logger.Warn().Str("agent_id", agentID).Err(err).Msg("Journal flush failed")
		return
	}

	observability.RecordJournalFlush(trigger, time.Since(start))
	j.logger.Debug().
		Str("agent_id", agentID).
		Str("trigger", trigger).
		Int("steps", len(rec.Steps)).
		Msg("Journal flushed")
}
