package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/opsloop/opsloop/internal/run"
)

// Store is the durable record of runs and their append-only event logs. It is
// the single source of truth for resumability: the planner holds no run state
// across a suspension point that is not recoverable from here.
type Store struct {
	DB *sql.DB
}

var (
	metricsOnce    sync.Once
	runCounter     otelmetric.Int64Counter
	eventCounter   otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	runCounter, err = meter.Int64Counter("runs_created_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	eventCounter, err = meter.Int64Counter("run_events_total")
	if err != nil {
		metricsInitErr = err
	}
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	metricsOnce.Do(initStoreMetrics)
	return &Store{DB: db}, nil
}

// CreateRun inserts a new run with status pending.
func (s *Store) CreateRun(ctx context.Context, goal, profileID string, runContext map[string]any, streamTokens bool) (run.Run, error) {
	var ctxB []byte
	if runContext != nil {
		b, err := json.Marshal(runContext)
		if err != nil {
			return run.Run{}, fmt.Errorf("marshal context: %w", err)
		}
		ctxB = b
	}
	var r run.Run
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO runs (goal, agent_profile_id, status, context, stream_tokens)
VALUES ($1, $2, 'pending', $3, $4)
RETURNING id, created_at, updated_at`, goal, profileID, ctxB, streamTokens).
		Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return run.Run{}, err
	}
	r.Goal = goal
	r.AgentProfileID = profileID
	r.Status = run.StatusPending
	r.Context = runContext
	r.StreamTokens = streamTokens
	if runCounter != nil {
		runCounter.Add(ctx, 1)
	}
	return r, nil
}

// GetRun fetches a single run by id.
func (s *Store) GetRun(ctx context.Context, id string) (run.Run, error) {
	var (
		r        run.Run
		answer   sql.NullString
		errMsg   sql.NullString
		pending  []byte
		ctxB     []byte
		finished sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, goal, agent_profile_id, status, checkpoint_step_index,
       answer, error, pending_approval, context, stream_tokens,
       created_at, updated_at, completed_at
FROM runs WHERE id = $1`, id).Scan(
		&r.ID, &r.Goal, &r.AgentProfileID, &r.Status, &r.CheckpointStepIndex,
		&answer, &errMsg, &pending, &ctxB, &r.StreamTokens,
		&r.CreatedAt, &r.UpdatedAt, &finished,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return run.Run{}, run.ErrNotFound
	}
	if err != nil {
		return run.Run{}, err
	}
	if answer.Valid {
		r.Answer = &answer.String
	}
	if errMsg.Valid {
		r.Error = &errMsg.String
	}
	if len(pending) > 0 {
		var p run.PendingToolCall
		if err := json.Unmarshal(pending, &p); err != nil {
			return run.Run{}, fmt.Errorf("decode pending_approval: %w", err)
		}
		r.PendingApproval = &p
	}
	if len(ctxB) > 0 {
		_ = json.Unmarshal(ctxB, &r.Context)
	}
	if finished.Valid {
		t := finished.Time
		r.CompletedAt = &t
	}
	return r, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *Store) ListRuns(ctx context.Context, limit, offset int, status string) ([]run.Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `
SELECT id, goal, agent_profile_id, status, checkpoint_step_index, created_at, updated_at
FROM runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []run.Run
	for rows.Next() {
		var r run.Run
		if err := rows.Scan(&r.ID, &r.Goal, &r.AgentProfileID, &r.Status, &r.CheckpointStepIndex, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRunIDsByStatus returns ids of runs in any of the given statuses, oldest
// first. Used on startup to resume runs interrupted by a crash.
func (s *Store) ListRunIDsByStatus(ctx context.Context, statuses ...run.Status) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	vals := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		vals[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(st)
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id FROM runs WHERE status IN (`+joinComma(vals)+`) ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// SetStatus transitions a run to a new status, validating the transition
// inside a row-locked transaction so concurrent handlers cannot race.
func (s *Store) SetStatus(ctx context.Context, id string, to run.Status) error {
	return s.withRunTx(ctx, id, func(tx *sql.Tx, from run.Status) error {
		if !run.CanTransition(from, to) {
			return run.ErrInvalidStateTransition{RunID: id, From: from, To: to}
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE runs SET status=$2, updated_at=NOW() WHERE id=$1`, id, string(to))
		return err
	})
}

// CompleteRun marks a run completed with its final answer.
func (s *Store) CompleteRun(ctx context.Context, id, answer string) error {
	return s.withRunTx(ctx, id, func(tx *sql.Tx, from run.Status) error {
		if !run.CanTransition(from, run.StatusCompleted) {
			return run.ErrInvalidStateTransition{RunID: id, From: from, To: run.StatusCompleted}
		}
		_, err := tx.ExecContext(ctx, `
UPDATE runs SET status='completed', answer=$2, error=NULL,
       completed_at=NOW(), updated_at=NOW()
WHERE id=$1`, id, answer)
		return err
	})
}

// FailRun marks a run failed with a classified, human-readable error.
func (s *Store) FailRun(ctx context.Context, id, errMsg string) error {
	return s.withRunTx(ctx, id, func(tx *sql.Tx, from run.Status) error {
		if !run.CanTransition(from, run.StatusFailed) {
			return run.ErrInvalidStateTransition{RunID: id, From: from, To: run.StatusFailed}
		}
		_, err := tx.ExecContext(ctx, `
UPDATE runs SET status='failed', error=$2, pending_approval=NULL,
       completed_at=NOW(), updated_at=NOW()
WHERE id=$1`, id, errMsg)
		return err
	})
}

// CancelRun requests cooperative cancellation. Valid from pending, running,
// and awaiting_approval; an error on terminal states.
func (s *Store) CancelRun(ctx context.Context, id string) error {
	return s.withRunTx(ctx, id, func(tx *sql.Tx, from run.Status) error {
		if !run.CanTransition(from, run.StatusCancelled) {
			return run.ErrInvalidStateTransition{RunID: id, From: from, To: run.StatusCancelled}
		}
		_, err := tx.ExecContext(ctx, `
UPDATE runs SET status='cancelled', pending_approval=NULL,
       completed_at=NOW(), updated_at=NOW()
WHERE id=$1`, id)
		return err
	})
}

// SetPendingApproval suspends a run for human approval. Status and the
// pending call are written together so the invariant "pending_approval is
// non-null iff awaiting_approval" holds at every observable point.
func (s *Store) SetPendingApproval(ctx context.Context, id string, pending run.PendingToolCall) error {
	b, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("marshal pending approval: %w", err)
	}
	return s.withRunTx(ctx, id, func(tx *sql.Tx, from run.Status) error {
		if !run.CanTransition(from, run.StatusAwaitingApproval) {
			return run.ErrInvalidStateTransition{RunID: id, From: from, To: run.StatusAwaitingApproval}
		}
		_, err := tx.ExecContext(ctx, `
UPDATE runs SET status='awaiting_approval', pending_approval=$2, updated_at=NOW()
WHERE id=$1`, id, b)
		return err
	})
}

// ClearPendingApproval resumes a suspended run back to running.
func (s *Store) ClearPendingApproval(ctx context.Context, id string) error {
	return s.withRunTx(ctx, id, func(tx *sql.Tx, from run.Status) error {
		if from != run.StatusAwaitingApproval {
			return run.ErrInvalidStateTransition{RunID: id, From: from, To: run.StatusRunning}
		}
		_, err := tx.ExecContext(ctx, `
UPDATE runs SET status='running', pending_approval=NULL, updated_at=NOW()
WHERE id=$1`, id)
		return err
	})
}

// withRunTx runs fn inside a transaction holding the run's row lock, giving
// fn the current status. Serializes writers to a single run.
func (s *Store) withRunTx(ctx context.Context, id string, fn func(tx *sql.Tx, from run.Status) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var from run.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id=$1 FOR UPDATE`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return run.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := fn(tx, from); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateUser inserts a user account. Emails are unique; the caller maps the
// constraint violation to a conflict response.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO users (email, password_hash) VALUES ($1, $2)`, email, passwordHash)
	return err
}

// GetUserByEmail returns the user id and password hash for a login check.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (string, string, error) {
	var id, hash string
	err := s.DB.QueryRowContext(ctx, `
SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	if err != nil {
		return "", "", err
	}
	return id, hash, nil
}

// AppendEvent appends one immutable entry to a run's log and returns its
// event id. Events are never updated or deleted.
func (s *Store) AppendEvent(ctx context.Context, runID string, stepIndex int, kind string, payload any) (int64, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	var id int64
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO run_events (run_id, step_index, kind, payload)
VALUES ($1, $2, $3, $4)
RETURNING id`, runID, stepIndex, kind, b).Scan(&id)
	if err != nil {
		return 0, err
	}
	if eventCounter != nil {
		eventCounter.Add(ctx, 1)
	}
	return id, nil
}

// ListEvents returns a run's events in insertion order, optionally only
// those after a given event id (used by the SSE handler to follow the log).
func (s *Store) ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]StoredEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, run_id, step_index, kind, payload, created_at
FROM run_events
WHERE run_id = $1 AND id > $2
ORDER BY id ASC
LIMIT $3`, runID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.StepIndex, &ev.Kind, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// StoredEvent is a run.Event with its log position.
type StoredEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepIndex int             `json:"step_index"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// AdvanceCheckpoint moves the checkpoint cursor forward. The guard keeps the
// cursor monotonic: a stale writer can never move it backwards. Callers must
// persist the step's event before calling this; that ordering is what makes
// crash recovery safe.
func (s *Store) AdvanceCheckpoint(ctx context.Context, runID string, stepIndex int) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE runs SET checkpoint_step_index=$2, updated_at=NOW()
WHERE id=$1 AND checkpoint_step_index < $2`, runID, stepIndex)
	return err
}

// ClaimIdempotency records (scope, key) once; the second claim returns false.
// Used by the worker to drop duplicate queue deliveries.
func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO idempotency_keys (scope, key) VALUES ($1, $2)
ON CONFLICT (scope, key) DO NOTHING`, scope, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RunLock holds a per-run advisory lock. Advisory locks are session scoped,
// so the lock pins a dedicated connection until released.
type RunLock struct {
	runID string
	conn  *sql.Conn
}

// TryLockRun takes the advisory lock for a run, returning nil when another
// worker already holds it. This is what enforces at-most-one-worker-per-run
// even under queue double delivery.
func (s *Store) TryLockRun(ctx context.Context, runID string) (*RunLock, error) {
	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	var locked bool
	if err := conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock(hashtext($1))`, runID).Scan(&locked); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !locked {
		_ = conn.Close()
		return nil, nil
	}
	return &RunLock{runID: runID, conn: conn}, nil
}

// Release unlocks the run and returns the pinned connection to the pool.
func (l *RunLock) Release(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.runID)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return err
	}
	return closeErr
}
