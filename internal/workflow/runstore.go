package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"appforge/internal/types"
)

// ErrTerminal rejects any mutation of a run that already reached Accepted or
// Aborted.
var ErrTerminal = errors.New("workflow: run is terminal")

// RunStore keeps WorkflowRun snapshots keyed by run id. Memory is the source
// of truth while a run is live; an optional Postgres backend persists every
// snapshot so results survive restarts until the caller fetches them.
type RunStore struct {
	mu   sync.RWMutex
	byID map[string]types.WorkflowRun

	db *sql.DB // nil without persistence

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

func NewRunStore() *RunStore {
	return &RunStore{
		byID:   make(map[string]types.WorkflowRun),
		timers: make(map[string]*time.Timer),
	}
}

// NewPostgresRunStore persists snapshots in Postgres alongside the in-memory
// map.
func NewPostgresRunStore(ctx context.Context, dsn string) (*RunStore, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := NewRunStore()
	s.db = db
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *RunStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS app_runs (
    run_id     TEXT PRIMARY KEY,
    state      TEXT NOT NULL,
    snapshot   JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("workflow: ensure run schema: %w", err)
	}
	return nil
}

// Put stores a new run snapshot.
func (s *RunStore) Put(ctx context.Context, run types.WorkflowRun) error {
	s.mu.Lock()
	s.byID[run.ID] = run
	s.mu.Unlock()
	return s.persist(ctx, run)
}

// Get returns a copy of the run snapshot.
func (s *RunStore) Get(runID string) (types.WorkflowRun, bool) {
	s.mu.RLock()
	run, ok := s.byID[runID]
	s.mu.RUnlock()
	if ok {
		return run, true
	}
	if s.db == nil {
		return types.WorkflowRun{}, false
	}
	return s.getDB(runID)
}

// Update applies fn to the run under the store lock. Terminal runs reject
// every update; fn observing an inconsistent budget is therefore impossible.
func (s *RunStore) Update(ctx context.Context, runID string, fn func(*types.WorkflowRun) error) (types.WorkflowRun, error) {
	s.mu.Lock()
	run, ok := s.byID[runID]
	if !ok {
		s.mu.Unlock()
		return types.WorkflowRun{}, fmt.Errorf("workflow: run %s not found", runID)
	}
	if run.State.Terminal() {
		s.mu.Unlock()
		return run, ErrTerminal
	}
	if err := fn(&run); err != nil {
		s.mu.Unlock()
		return types.WorkflowRun{}, err
	}
	run.UpdatedAt = time.Now().UTC()
	s.byID[runID] = run
	s.mu.Unlock()

	return run, s.persist(ctx, run)
}

// Delete drops the snapshot from memory and the database.
func (s *RunStore) Delete(runID string) {
	s.mu.Lock()
	delete(s.byID, runID)
	s.mu.Unlock()
	if s.db != nil {
		if _, err := s.db.Exec(`DELETE FROM app_runs WHERE run_id = $1`, runID); err != nil {
			log.Printf("run store: delete %s: %v", runID, err)
		}
	}
}

// ScheduleCleanup drops the run after delay. Re-scheduling resets the timer.
func (s *RunStore) ScheduleCleanup(runID string, delay time.Duration) {
	if delay <= 0 {
		s.Delete(runID)
		return
	}
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if t, ok := s.timers[runID]; ok {
		t.Stop()
	}
	s.timers[runID] = time.AfterFunc(delay, func() {
		s.Delete(runID)
		s.timersMu.Lock()
		delete(s.timers, runID)
		s.timersMu.Unlock()
	})
}

func (s *RunStore) persist(ctx context.Context, run types.WorkflowRun) error {
	if s.db == nil {
		return nil
	}
	blob, err := json.Marshal(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO app_runs (run_id, state, snapshot, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (run_id) DO UPDATE SET state = $2, snapshot = $3, updated_at = $4`,
		run.ID, string(run.State), blob, run.UpdatedAt)
	if err != nil {
		// Memory stays authoritative; persistence failure must not kill the run.
		log.Printf("run store: persist %s: %v", run.ID, err)
	}
	return nil
}

func (s *RunStore) getDB(runID string) (types.WorkflowRun, bool) {
	var blob []byte
	err := s.db.QueryRow(`SELECT snapshot FROM app_runs WHERE run_id = $1`, runID).Scan(&blob)
	if err != nil {
		return types.WorkflowRun{}, false
	}
	var run types.WorkflowRun
	if err := json.Unmarshal(blob, &run); err != nil {
		return types.WorkflowRun{}, false
	}
	return run, true
}
