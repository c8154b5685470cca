// Package postgres implements loom.Store using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/loom"
)

// Store implements loom.Store backed by PostgreSQL. Documents live in
// JSONB columns keyed by their natural identifiers.
type Store struct {
	pool *pgxpool.Pool
}

var _ loom.Store = (*Store)(nil)

// New creates a Store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the schema.
func (s *Store) Init(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS workflow_states (
	user_id     TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	state       JSONB NOT NULL,
	last_active BIGINT NOT NULL,
	PRIMARY KEY (user_id, workflow_id)
);
CREATE TABLE IF NOT EXISTS unified_users (
	id     TEXT PRIMARY KEY,
	record JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS message_queue (
	id        TEXT PRIMARY KEY,
	entry     JSONB NOT NULL,
	queued_at BIGINT NOT NULL
);`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: init schema: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// --- StateStore ---

func (s *Store) CreateState(ctx context.Context, state loom.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_states (user_id, workflow_id, state, last_active)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, workflow_id) DO NOTHING`,
		state.UserID, state.WorkflowID, data, state.LastActiveAt)
	if err != nil {
		return fmt.Errorf("postgres: create state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loom.ErrStateExists
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, userID, workflowID string) (loom.WorkflowState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM workflow_states WHERE user_id = $1 AND workflow_id = $2`,
		userID, workflowID).Scan(&data)
	if err == pgx.ErrNoRows {
		return loom.WorkflowState{}, loom.ErrNoActiveWorkflow
	}
	if err != nil {
		return loom.WorkflowState{}, fmt.Errorf("postgres: get state: %w", err)
	}
	return decodeState(data)
}

func (s *Store) GetActiveForUser(ctx context.Context, userID string) (loom.WorkflowState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM workflow_states WHERE user_id = $1
		 ORDER BY last_active DESC LIMIT 1`, userID).Scan(&data)
	if err == pgx.ErrNoRows {
		return loom.WorkflowState{}, loom.ErrNoActiveWorkflow
	}
	if err != nil {
		return loom.WorkflowState{}, fmt.Errorf("postgres: get active: %w", err)
	}
	return decodeState(data)
}

func (s *Store) UpdateState(ctx context.Context, state loom.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_states (user_id, workflow_id, state, last_active)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, workflow_id)
		 DO UPDATE SET state = excluded.state, last_active = excluded.last_active`,
		state.UserID, state.WorkflowID, data, state.LastActiveAt)
	if err != nil {
		return fmt.Errorf("postgres: update state: %w", err)
	}
	return nil
}

func (s *Store) DeleteState(ctx context.Context, userID, workflowID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM workflow_states WHERE user_id = $1 AND workflow_id = $2`,
		userID, workflowID)
	if err != nil {
		return fmt.Errorf("postgres: delete state: %w", err)
	}
	return nil
}

func (s *Store) ListStates(ctx context.Context) ([]loom.WorkflowState, error) {
	rows, err := s.pool.Query(ctx, `SELECT state FROM workflow_states`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list states: %w", err)
	}
	defer rows.Close()

	var out []loom.WorkflowState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		state, err := decodeState(data)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func decodeState(data []byte) (loom.WorkflowState, error) {
	var state loom.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return loom.WorkflowState{}, fmt.Errorf("postgres: decode state: %w", err)
	}
	return state, nil
}

// --- IdentityStore ---

func (s *Store) PutUser(ctx context.Context, user loom.UnifiedUser) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO unified_users (id, record) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET record = excluded.record`,
		user.ID, data)
	if err != nil {
		return fmt.Errorf("postgres: put user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (loom.UnifiedUser, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM unified_users WHERE id = $1`, userID).Scan(&data)
	if err == pgx.ErrNoRows {
		return loom.UnifiedUser{}, false, nil
	}
	if err != nil {
		return loom.UnifiedUser{}, false, fmt.Errorf("postgres: get user: %w", err)
	}
	var u loom.UnifiedUser
	if err := json.Unmarshal(data, &u); err != nil {
		return loom.UnifiedUser{}, false, fmt.Errorf("postgres: decode user: %w", err)
	}
	return u, true, nil
}

func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM unified_users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("postgres: delete user: %w", err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]loom.UnifiedUser, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM unified_users`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list users: %w", err)
	}
	defer rows.Close()

	var out []loom.UnifiedUser
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var u loom.UnifiedUser
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, fmt.Errorf("postgres: decode user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- QueueStore ---

// SaveQueue replaces the persisted queue in one transaction.
func (s *Store) SaveQueue(ctx context.Context, entries []loom.QueueEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save queue: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM message_queue`); err != nil {
		return err
	}
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO message_queue (id, entry, queued_at) VALUES ($1, $2, $3)`,
			e.ID, data, e.QueuedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) LoadQueue(ctx context.Context) ([]loom.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT entry FROM message_queue ORDER BY queued_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load queue: %w", err)
	}
	defer rows.Close()

	var out []loom.QueueEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var e loom.QueueEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("postgres: decode queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
