// Package session tracks per-session workflow progress: which tools have
// completed and what data they produced, keyed by an opaque identifier.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session id has no state
var ErrNotFound = errors.New("session not found")

// State is the per-session record mutated by the kernel after each
// successful step. Results are stored in Data under the
// <tool>_result / <tool>_completed / <tool>_timestamp convention.
type State struct {
	ID             string                 `json:"id"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	CompletedSteps []string               `json:"completed_steps"`
	Data           map[string]interface{} `json:"data"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// Completed returns the completed steps as a set
func (s *State) Completed() map[string]bool {
	set := make(map[string]bool, len(s.CompletedSteps))
	for _, step := range s.CompletedSteps {
		set[step] = true
	}
	return set
}

// Delta is a partial update applied to a session. Data and Metadata are
// merged key-wise (shallow overwrite, not deep merge); CompletedSteps are
// appended in order, duplicates ignored.
type Delta struct {
	CompletedSteps []string
	Data           map[string]interface{}
	Metadata       map[string]interface{}
}

// Store is the four-operation session persistence boundary. The kernel
// has no knowledge of the backing medium; a durable store is a drop-in
// replacement behind this interface.
type Store interface {
	Create(ctx context.Context) (*State, error)
	Get(ctx context.Context, id string) (*State, error)
	Update(ctx context.Context, id string, delta Delta) (*State, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// applyDelta merges a delta into a state in place and refreshes the
// updated timestamp. Callers hold the per-session lock.
func applyDelta(state *State, delta Delta) {
	if state.Data == nil {
		state.Data = make(map[string]interface{})
	}
	if state.Metadata == nil {
		state.Metadata = make(map[string]interface{})
	}

	for k, v := range delta.Data {
		state.Data[k] = v
	}
	for k, v := range delta.Metadata {
		state.Metadata[k] = v
	}

	seen := state.Completed()
	for _, step := range delta.CompletedSteps {
		if !seen[step] {
			state.CompletedSteps = append(state.CompletedSteps, step)
			seen[step] = true
		}
	}

	state.UpdatedAt = time.Now()
}
