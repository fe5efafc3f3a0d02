// Package journal durably persists agent step timelines with debounced,
// coalesced writes and crash recovery.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/hakim/helmsman/pkg/step"
)

// Status values as persisted. The journal mirrors the orchestrator's
// in-memory state; it never owns it.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// StaleReason is written into rows swept at startup: a persisted Running
// agent cannot have a live runner after a restart.
const StaleReason = "Interrupted by app shutdown"

// Record is the persisted form of an agent.
type Record struct {
	ID          string      `json:"id"`
	TaskID      string      `json:"task_id"`
	Task        string      `json:"task"`
	TaskContext string      `json:"task_context,omitempty"`
	Status      string      `json:"status"`
	Steps       []step.Step `json:"steps"`
	Result      string      `json:"result,omitempty"`
	SessionID   string      `json:"session_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Partial carries the changed fields of one flush. Nil means unchanged;
// Steps is always the full current array when present. CompletedAt is
// written whenever SetCompletedAt is true, and a nil value then clears the
// column (a follow-up turn reopens a settled agent).
type Partial struct {
	Steps          *[]step.Step
	Status         *string
	Result         *string
	CompletedAt    *time.Time
	SetCompletedAt bool
}

// Store is the sqlite-backed agent row store.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the agent database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open agent database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id           TEXT PRIMARY KEY,
		task_id      TEXT NOT NULL,
		task         TEXT NOT NULL,
		task_context TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		steps        TEXT NOT NULL DEFAULT '[]',
		result       TEXT NOT NULL DEFAULT '',
		session_id   TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_agents_session ON agents(session_id);
	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate agent database: %w", err)
	}

	log.Info().Str("path", path).Msg("Agent journal store opened")
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertAgent persists a freshly launched agent row.
func (s *Store) InsertAgent(rec Record) error {
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	var completedAt interface{}
	if rec.CompletedAt != nil {
		completedAt = rec.CompletedAt.UnixMilli()
	}

	_, err = s.db.Exec(
		`INSERT INTO agents (id, task_id, task, task_context, status, steps, result, session_id, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, rec.Task, rec.TaskContext, rec.Status, string(steps),
		rec.Result, rec.SessionID, rec.CreatedAt.UnixMilli(), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert agent %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateAgent writes the changed fields of one agent row.
func (s *Store) UpdateAgent(id string, partial Partial) error {
	sets := make([]string, 0, 4)
	args := make([]interface{}, 0, 5)

	if partial.Steps != nil {
		steps, err := json.Marshal(*partial.Steps)
		if err != nil {
			return fmt.Errorf("failed to marshal steps: %w", err)
		}
		sets = append(sets, "steps = ?")
		args = append(args, string(steps))
	}
	if partial.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *partial.Status)
	}
	if partial.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *partial.Result)
	}
	if partial.SetCompletedAt || partial.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		if partial.CompletedAt != nil {
			args = append(args, partial.CompletedAt.UnixMilli())
		} else {
			args = append(args, nil)
		}
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE agents SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to update agent %s: %w", id, err)
	}
	return nil
}

// GetAgent reads one agent row.
func (s *Store) GetAgent(id string) (Record, error) {
	row := s.db.QueryRow(
		`SELECT id, task_id, task, task_context, status, steps, result, session_id, created_at, completed_at
		 FROM agents WHERE id = ?`, id)
	return scanRecord(row)
}

// GetAgentsForSession reads all rows for one session, oldest first.
func (s *Store) GetAgentsForSession(sessionID string) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, task, task_context, status, steps, result, session_id, created_at, completed_at
		 FROM agents WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session agents: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListAgents reads every row, oldest first.
func (s *Store) ListAgents() ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, task, task_context, status, steps, result, session_id, created_at, completed_at
		 FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// DeleteAgent removes one row (archival).
func (s *Store) DeleteAgent(id string) error {
	if _, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", id, err)
	}
	return nil
}

// FailStaleRunningAgents marks every persisted Running row as Failed with
// the given reason. Idempotent: a second call with no new Running rows
// changes nothing.
func (s *Store) FailStaleRunningAgents(reason string) (int, error) {
	res, err := s.db.Exec(
		`UPDATE agents SET status = ?, result = ?, completed_at = ? WHERE status = ?`,
		StatusFailed, reason, time.Now().UnixMilli(), StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale agents: %w", err)
	}

	count, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Info().Int64("count", count).Str("reason", reason).Msg("Swept stale running agents")
	}
	return int(count), nil
}

// DeleteTerminalBefore removes terminal rows completed before cutoff.
func (s *Store) DeleteTerminalBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM agents WHERE status != ? AND completed_at IS NOT NULL AND completed_at < ?`,
		StatusRunning, cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal agents: %w", err)
	}
	count, err := res.RowsAffected()
	return int(count), err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var steps string
	var createdAt int64
	var completedAt sql.NullInt64

	err := row.Scan(&rec.ID, &rec.TaskID, &rec.Task, &rec.TaskContext, &rec.Status,
		&steps, &rec.Result, &rec.SessionID, &createdAt, &completedAt)
	if err != nil {
		return Record{}, err
	}

	if err := json.Unmarshal([]byte(steps), &rec.Steps); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal steps for %s: %w", rec.ID, err)
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		rec.CompletedAt = &t
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
