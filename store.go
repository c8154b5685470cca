package loom

import "context"

// StateStore persists active workflow states. Implementations must make
// Create/Update/Delete atomic with respect to crashes: a reader never
// observes a torn write. The file backend uses temp-file + rename; the
// SQL backends use transactions.
type StateStore interface {
	// CreateState persists a new state. Fails with ErrStateExists when
	// an active state for the same (userId, workflowId) is present.
	CreateState(ctx context.Context, state WorkflowState) error

	// GetState returns the state for (userId, workflowId), or
	// ErrNoActiveWorkflow.
	GetState(ctx context.Context, userID, workflowID string) (WorkflowState, error)

	// GetActiveForUser returns the user's sole active state, or
	// ErrNoActiveWorkflow.
	GetActiveForUser(ctx context.Context, userID string) (WorkflowState, error)

	// UpdateState overwrites an existing state atomically.
	UpdateState(ctx context.Context, state WorkflowState) error

	// DeleteState removes a state. Idempotent: deleting an unknown
	// state is a no-op.
	DeleteState(ctx context.Context, userID, workflowID string) error

	// ListStates returns every persisted state. Used by the TTL sweeper
	// and startup recovery.
	ListStates(ctx context.Context) ([]WorkflowState, error)
}

// UnifiedUser is one logical identity linked to one or more surfaces.
type UnifiedUser struct {
	ID string `json:"id"`
	// LinkedSurfaces maps surface id to the surface-native user id.
	LinkedSurfaces map[string]string `json:"linkedSurfaces"`
	DefaultSurface string            `json:"defaultSurface"`
	// LinkedAt maps surface id to the RFC3339 time it was linked.
	LinkedAt  map[string]string `json:"linkedAt,omitempty"`
	CreatedAt int64             `json:"createdAt"`
}

// IdentityStore persists unified users. The reverse index
// (surfaceId, surfaceUserId) -> userId is maintained in memory by the
// IdentityService and rebuilt from ListUsers on startup.
type IdentityStore interface {
	// PutUser inserts or replaces a user record atomically.
	PutUser(ctx context.Context, user UnifiedUser) error

	// GetUser returns a user by id, or ErrNoActiveWorkflow-style miss
	// reported as (zero, false, nil).
	GetUser(ctx context.Context, userID string) (UnifiedUser, bool, error)

	// DeleteUser removes a user record (used when merging identities).
	DeleteUser(ctx context.Context, userID string) error

	// ListUsers returns all user records.
	ListUsers(ctx context.Context) ([]UnifiedUser, error)
}

// QueueEntry is one pending proactive delivery.
type QueueEntry struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	TargetSurface string          `json:"targetSurface"`
	Message       OutboundMessage `json:"message"`

	// QueuedAt/LastAttemptAt are Unix milliseconds.
	QueuedAt      int64 `json:"queuedAt"`
	Attempts      int   `json:"attempts"`
	LastAttemptAt int64 `json:"lastAttemptAt,omitempty"`
	MaxAttempts   int   `json:"maxAttempts"`
}

// QueueStore persists the retry queue so delivery survives restarts.
// SaveQueue replaces the whole queue atomically; the router owns queue
// semantics (bounds, backoff, dedup).
type QueueStore interface {
	SaveQueue(ctx context.Context, entries []QueueEntry) error
	LoadQueue(ctx context.Context) ([]QueueEntry, error)
}

// Store bundles the three persistence interfaces. Backends (file,
// sqlite, postgres) implement all of them over one data location.
type Store interface {
	StateStore
	IdentityStore
	QueueStore

	// Init prepares the backend (creates directories or schema).
	Init(ctx context.Context) error
	Close() error
}
