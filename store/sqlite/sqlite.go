// Package sqlite implements loom.Store using pure-Go SQLite. Documents
// are stored as JSON columns; lookups go through small covering
// indexes. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nevindra/loom"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the
// store emits debug logs for every operation.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements loom.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ loom.Store = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection pool with SetMaxOpenConns(1) so that all
// goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with
		// the blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the schema.
func (s *Store) Init(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS workflow_states (
	user_id     TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	state       TEXT NOT NULL,
	last_active INTEGER NOT NULL,
	PRIMARY KEY (user_id, workflow_id)
);
CREATE TABLE IF NOT EXISTS users (
	id     TEXT PRIMARY KEY,
	record TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS message_queue (
	id    TEXT PRIMARY KEY,
	entry TEXT NOT NULL,
	queued_at INTEGER NOT NULL
);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// --- StateStore ---

func (s *Store) CreateState(ctx context.Context, state loom.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_states (user_id, workflow_id, state, last_active)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, workflow_id) DO NOTHING`,
		state.UserID, state.WorkflowID, string(data), state.LastActiveAt)
	if err != nil {
		return fmt.Errorf("sqlite: create state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loom.ErrStateExists
	}
	s.logger.Debug("sqlite: state created", "user", state.UserID, "workflow", state.WorkflowID)
	return nil
}

func (s *Store) GetState(ctx context.Context, userID, workflowID string) (loom.WorkflowState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM workflow_states WHERE user_id = ? AND workflow_id = ?`,
		userID, workflowID).Scan(&raw)
	if err == sql.ErrNoRows {
		return loom.WorkflowState{}, loom.ErrNoActiveWorkflow
	}
	if err != nil {
		return loom.WorkflowState{}, fmt.Errorf("sqlite: get state: %w", err)
	}
	return decodeState(raw)
}

func (s *Store) GetActiveForUser(ctx context.Context, userID string) (loom.WorkflowState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM workflow_states WHERE user_id = ?
		 ORDER BY last_active DESC LIMIT 1`, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return loom.WorkflowState{}, loom.ErrNoActiveWorkflow
	}
	if err != nil {
		return loom.WorkflowState{}, fmt.Errorf("sqlite: get active: %w", err)
	}
	return decodeState(raw)
}

func (s *Store) UpdateState(ctx context.Context, state loom.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_states (user_id, workflow_id, state, last_active)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, workflow_id)
		 DO UPDATE SET state = excluded.state, last_active = excluded.last_active`,
		state.UserID, state.WorkflowID, string(data), state.LastActiveAt)
	if err != nil {
		return fmt.Errorf("sqlite: update state: %w", err)
	}
	return nil
}

func (s *Store) DeleteState(ctx context.Context, userID, workflowID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_states WHERE user_id = ? AND workflow_id = ?`,
		userID, workflowID)
	if err != nil {
		return fmt.Errorf("sqlite: delete state: %w", err)
	}
	return nil
}

func (s *Store) ListStates(ctx context.Context) ([]loom.WorkflowState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM workflow_states`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list states: %w", err)
	}
	defer rows.Close()

	var out []loom.WorkflowState
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		state, err := decodeState(raw)
		if err != nil {
			s.logger.Warn("sqlite: skipping undecodable state", "error", err)
			continue
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func decodeState(raw string) (loom.WorkflowState, error) {
	var state loom.WorkflowState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return loom.WorkflowState{}, fmt.Errorf("sqlite: decode state: %w", err)
	}
	return state, nil
}

// --- IdentityStore ---

func (s *Store) PutUser(ctx context.Context, user loom.UnifiedUser) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, record) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET record = excluded.record`,
		user.ID, string(data))
	if err != nil {
		return fmt.Errorf("sqlite: put user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (loom.UnifiedUser, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM users WHERE id = ?`, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return loom.UnifiedUser{}, false, nil
	}
	if err != nil {
		return loom.UnifiedUser{}, false, fmt.Errorf("sqlite: get user: %w", err)
	}
	var u loom.UnifiedUser
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return loom.UnifiedUser{}, false, fmt.Errorf("sqlite: decode user: %w", err)
	}
	return u, true, nil
}

func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("sqlite: delete user: %w", err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]loom.UnifiedUser, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM users`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list users: %w", err)
	}
	defer rows.Close()

	var out []loom.UnifiedUser
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var u loom.UnifiedUser
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			s.logger.Warn("sqlite: skipping undecodable user", "error", err)
			continue
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- QueueStore ---

// SaveQueue replaces the persisted queue in one transaction.
func (s *Store) SaveQueue(ctx context.Context, entries []loom.QueueEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: save queue: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM message_queue`); err != nil {
		return err
	}
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_queue (id, entry, queued_at) VALUES (?, ?, ?)`,
			e.ID, string(data), e.QueuedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) LoadQueue(ctx context.Context) ([]loom.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entry FROM message_queue ORDER BY queued_at`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load queue: %w", err)
	}
	defer rows.Close()

	var out []loom.QueueEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e loom.QueueEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.logger.Warn("sqlite: skipping undecodable queue entry", "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
