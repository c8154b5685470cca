package loom

import (
	"errors"
	"fmt"
)

// Identity operation preconditions. Returned as typed errors to admin
// callers; never surfaced directly to end users.
var (
	// ErrLinkCodeNotFound indicates the quoted link code does not exist.
	ErrLinkCodeNotFound = errors.New("link code not found")
	// ErrLinkCodeExpired indicates the link code's TTL has elapsed.
	ErrLinkCodeExpired = errors.New("link code expired")
	// ErrLinkCodeClaimed indicates the link code was already claimed.
	ErrLinkCodeClaimed = errors.New("link code already claimed")
	// ErrSameSurface indicates a link code claimed from the surface that issued it.
	ErrSameSurface = errors.New("cannot claim a link code from the issuing surface")
	// ErrLastSurface indicates an unlink that would leave the user with no surfaces.
	ErrLastSurface = errors.New("cannot unlink the user's last surface")
	// ErrMaxCodes indicates the issuer already has the maximum number of
	// unclaimed link codes outstanding.
	ErrMaxCodes = errors.New("too many unclaimed link codes")
	// ErrSurfaceNotLinked indicates an operation on a surface the user has not linked.
	ErrSurfaceNotLinked = errors.New("surface not linked")
)

// Engine and store sentinels.
var (
	// ErrStateExists indicates create was called while an active state
	// already exists for the same (user, workflow).
	ErrStateExists = errors.New("active workflow state already exists")
	// ErrNoActiveWorkflow indicates the user has no active workflow state.
	ErrNoActiveWorkflow = errors.New("no active workflow")
)

// ErrWorkflowNotFound indicates a workflow id that is not registered.
type ErrWorkflowNotFound struct {
	WorkflowID string
}

func (e *ErrWorkflowNotFound) Error() string {
	return fmt.Sprintf("workflow %q not registered", e.WorkflowID)
}

// ErrAdapterNotFound indicates a surface id with no registered adapter.
type ErrAdapterNotFound struct {
	SurfaceID string
}

func (e *ErrAdapterNotFound) Error() string {
	return fmt.Sprintf("no adapter registered for surface %q", e.SurfaceID)
}

// ErrInvalidDefinition aggregates the structural problems found while
// validating a workflow definition. The definition is not installed.
type ErrInvalidDefinition struct {
	WorkflowID string
	Problems   []string
}

func (e *ErrInvalidDefinition) Error() string {
	return fmt.Sprintf("workflow %q: %d validation error(s): %v", e.WorkflowID, len(e.Problems), e.Problems)
}

// ErrDelivery indicates a transport refused or timed out while sending.
// The router treats any ErrDelivery as retryable.
type ErrDelivery struct {
	SurfaceID string
	Err       error
}

func (e *ErrDelivery) Error() string {
	return fmt.Sprintf("%s: delivery failed: %v", e.SurfaceID, e.Err)
}

func (e *ErrDelivery) Unwrap() error { return e.Err }
