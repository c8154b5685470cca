package loom

import "time"

// StepData is what the user supplied at one step.
type StepData struct {
	// Timestamp is Unix seconds when the data was recorded.
	Timestamp int64 `json:"timestamp"`
	// Input is the raw text for text-input steps.
	Input string `json:"input,omitempty"`
	// Selection holds the chosen option id(s) for choice, confirm, and
	// multi-choice steps. Single selections use Selection[0].
	Selection []string `json:"selection,omitempty"`
}

// WorkflowState is the durable record of one active workflow instance.
// It is created by the engine on start, mutated only under the
// per-(user, workflow) lock, and deleted on completion, cancellation,
// or TTL expiry.
type WorkflowState struct {
	WorkflowID  string              `json:"workflowId"`
	UserID      string              `json:"userId"`
	CurrentStep string              `json:"currentStep"`
	StepHistory []string            `json:"stepHistory"`
	Data        map[string]StepData `json:"data"`

	// StartedAt/LastActiveAt/ExpiresAt are Unix milliseconds.
	StartedAt    int64 `json:"startedAt"`
	LastActiveAt int64 `json:"lastActiveAt"`
	ExpiresAt    int64 `json:"expiresAt"`

	// OriginSurface is where the workflow was started; LastSurface is
	// where the latest inbound action arrived.
	OriginSurface string `json:"originSurface"`
	LastSurface   string `json:"lastSurface"`

	// LastMessageIDs maps surface id to the most recent rendered
	// message id on that surface, for in-place updates.
	LastMessageIDs map[string]string `json:"lastMessageIds,omitempty"`
}

// Expired reports whether the state's TTL has elapsed at time now
// (Unix milliseconds).
func (s *WorkflowState) Expired(now int64) bool {
	return s.ExpiresAt > 0 && now >= s.ExpiresAt
}

// touch refreshes LastActiveAt and records the surface that produced
// the latest action.
func (s *WorkflowState) touch(surfaceID string, now int64) {
	s.LastActiveAt = now
	if surfaceID != "" {
		s.LastSurface = surfaceID
	}
}

// NowMillis returns current time as Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
