// Package file implements loom.Store with per-user JSON documents under
// a data directory. Writes are crash-safe: every document is written to
// a temp file in the same directory and atomically renamed into place,
// so readers never observe a torn write.
//
// Layout:
//
//	<data>/workflows/<userId>.json       active workflow states
//	<data>/workflows/message-queue.json  retry queue
//	<data>/identity/users.json           unified users
//	<data>/config/manual-links.json      optional admin link overrides
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nevindra/loom"
)

// Store implements loom.Store over a data directory. A single process
// must own the directory; two instances pointing at the same data
// directory is undefined behavior.
type Store struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

var _ loom.Store = (*Store)(nil)

// StoreOption configures a file Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger. When set, the store emits debug
// logs for every operation.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// New creates a Store rooted at dir. Call Init to create the directory
// tree.
func New(dir string, opts ...StoreOption) *Store {
	s := &Store{dir: dir, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the directory layout.
func (s *Store) Init(_ context.Context) error {
	for _, sub := range []string{"workflows", "identity", "config"} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0o755); err != nil {
			return fmt.Errorf("file store: init: %w", err)
		}
	}
	s.logger.Debug("file store: initialized", "dir", s.dir)
	return nil
}

// Close is a no-op; the store holds no open handles between operations.
func (s *Store) Close() error { return nil }

// --- StateStore ---

func (s *Store) statePath(userID string) string {
	return filepath.Join(s.dir, "workflows", sanitize(userID)+".json")
}

// CreateState persists a new state, refusing to overwrite an existing
// active instance of the same workflow.
func (s *Store) CreateState(ctx context.Context, state loom.WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	states, err := s.readUserStates(state.UserID)
	if err != nil {
		return err
	}
	if _, exists := states[state.WorkflowID]; exists {
		return loom.ErrStateExists
	}
	states[state.WorkflowID] = state
	s.logger.Debug("file store: state created",
		"user", state.UserID, "workflow", state.WorkflowID, "step", state.CurrentStep)
	return s.writeUserStates(state.UserID, states)
}

func (s *Store) GetState(_ context.Context, userID, workflowID string) (loom.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	states, err := s.readUserStates(userID)
	if err != nil {
		return loom.WorkflowState{}, err
	}
	state, ok := states[workflowID]
	if !ok {
		return loom.WorkflowState{}, loom.ErrNoActiveWorkflow
	}
	return state, nil
}

func (s *Store) GetActiveForUser(_ context.Context, userID string) (loom.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	states, err := s.readUserStates(userID)
	if err != nil {
		return loom.WorkflowState{}, err
	}
	var best loom.WorkflowState
	found := false
	for _, state := range states {
		if !found || state.LastActiveAt > best.LastActiveAt {
			best = state
			found = true
		}
	}
	if !found {
		return loom.WorkflowState{}, loom.ErrNoActiveWorkflow
	}
	return best, nil
}

func (s *Store) UpdateState(_ context.Context, state loom.WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	states, err := s.readUserStates(state.UserID)
	if err != nil {
		return err
	}
	states[state.WorkflowID] = state
	return s.writeUserStates(state.UserID, states)
}

// DeleteState is idempotent: deleting an absent state is a no-op.
func (s *Store) DeleteState(_ context.Context, userID, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	states, err := s.readUserStates(userID)
	if err != nil {
		return err
	}
	if _, ok := states[workflowID]; !ok {
		return nil
	}
	delete(states, workflowID)
	s.logger.Debug("file store: state deleted", "user", userID, "workflow", workflowID)
	if len(states) == 0 {
		err := os.Remove(s.statePath(userID))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return s.writeUserStates(userID, states)
}

func (s *Store) ListStates(_ context.Context) ([]loom.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dir, "workflows")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var all []loom.WorkflowState
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == queueFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		var states map[string]loom.WorkflowState
		if err := readJSON(filepath.Join(dir, name), &states); err != nil {
			s.logger.Warn("file store: skipping unreadable state file", "file", name, "error", err)
			continue
		}
		for _, state := range states {
			all = append(all, state)
		}
	}
	return all, nil
}

func (s *Store) readUserStates(userID string) (map[string]loom.WorkflowState, error) {
	states := make(map[string]loom.WorkflowState)
	err := readJSON(s.statePath(userID), &states)
	if os.IsNotExist(err) {
		return states, nil
	}
	if err != nil {
		return nil, err
	}
	return states, nil
}

func (s *Store) writeUserStates(userID string, states map[string]loom.WorkflowState) error {
	return writeJSONAtomic(s.statePath(userID), states)
}

// --- IdentityStore ---

func (s *Store) usersPath() string {
	return filepath.Join(s.dir, "identity", "users.json")
}

func (s *Store) PutUser(_ context.Context, user loom.UnifiedUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.readUsers()
	if err != nil {
		return err
	}
	users[user.ID] = user
	s.logger.Debug("file store: user written", "user", user.ID, "surfaces", len(user.LinkedSurfaces))
	return writeJSONAtomic(s.usersPath(), users)
}

func (s *Store) GetUser(_ context.Context, userID string) (loom.UnifiedUser, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.readUsers()
	if err != nil {
		return loom.UnifiedUser{}, false, err
	}
	u, ok := users[userID]
	return u, ok, nil
}

func (s *Store) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.readUsers()
	if err != nil {
		return err
	}
	if _, ok := users[userID]; !ok {
		return nil
	}
	delete(users, userID)
	return writeJSONAtomic(s.usersPath(), users)
}

func (s *Store) ListUsers(_ context.Context) ([]loom.UnifiedUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.readUsers()
	if err != nil {
		return nil, err
	}
	out := make([]loom.UnifiedUser, 0, len(users))
	for _, u := range users {
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) readUsers() (map[string]loom.UnifiedUser, error) {
	users := make(map[string]loom.UnifiedUser)
	err := readJSON(s.usersPath(), &users)
	if os.IsNotExist(err) {
		return users, nil
	}
	if err != nil {
		return nil, err
	}
	return users, nil
}

// --- QueueStore ---

const queueFile = "message-queue.json"

func (s *Store) queuePath() string {
	return filepath.Join(s.dir, "workflows", queueFile)
}

func (s *Store) SaveQueue(_ context.Context, entries []loom.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entries == nil {
		entries = []loom.QueueEntry{}
	}
	return writeJSONAtomic(s.queuePath(), entries)
}

func (s *Store) LoadQueue(_ context.Context) ([]loom.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []loom.QueueEntry
	err := readJSON(s.queuePath(), &entries)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// --- Manual links ---

// LoadManualLinks reads the optional admin override file
// <data>/config/manual-links.json
// ({<userId>: {<surfaceId>: <surfaceUserId>}}). A missing file yields
// an empty map.
func LoadManualLinks(dir string) (map[string]map[string]string, error) {
	links := make(map[string]map[string]string)
	err := readJSON(filepath.Join(dir, "config", "manual-links.json"), &links)
	if os.IsNotExist(err) {
		return links, nil
	}
	if err != nil {
		return nil, err
	}
	return links, nil
}

// --- Helpers ---

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("file store: parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSONAtomic writes v to path via a temp file in the same
// directory followed by rename, so concurrent readers and crashes
// never see a partial document.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// sanitize keeps user ids filesystem-safe.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
