package kernel

import (
	"context"
	"errors"

	"github.com/harun/caravel/pkg/planner"
	"github.com/harun/caravel/pkg/session"
	"github.com/harun/caravel/pkg/telemetry"
)

// Readiness describes whether a tool can run right now against a
// session's completed steps.
type Readiness struct {
	Tool       string   `json:"tool"`
	CanExecute bool     `json:"can_execute"`
	Missing    []string `json:"missing,omitempty"`
	Completed  []string `json:"completed,omitempty"`
}

// GetPlan computes the execution plan a request would follow without
// executing anything. An empty sessionID plans from a blank slate.
func (k *Kernel) GetPlan(ctx context.Context, tool, sessionID string) (*planner.ExecutionPlan, error) {
	completed := map[string]bool{}

	if sessionID != "" {
		state, err := k.store.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		completed = state.Completed()
	}

	return planner.BuildPlan(k.registry, tool, completed)
}

// CanExecute checks a tool's direct dependencies against the session
func (k *Kernel) CanExecute(ctx context.Context, tool, sessionID string) (*Readiness, error) {
	var state *session.State
	if sessionID != "" {
		var err error
		state, err = k.store.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
	}

	completed := map[string]bool{}
	var completedSteps []string
	if state != nil {
		completed = state.Completed()
		completedSteps = state.CompletedSteps
	}

	ok, missing, err := planner.CanExecute(k.registry, tool, completed)
	if err != nil {
		return nil, err
	}

	return &Readiness{
		Tool:       tool,
		CanExecute: ok,
		Missing:    missing,
		Completed:  completedSteps,
	}, nil
}

// GetSession fetches a session's state
func (k *Kernel) GetSession(ctx context.Context, id string) (*session.State, error) {
	return k.store.Get(ctx, id)
}

// CreateSession creates an empty session and returns its state
func (k *Kernel) CreateSession(ctx context.Context) (*session.State, error) {
	state, err := k.store.Create(ctx)
	if err != nil {
		return nil, err
	}
	if k.metrics != nil {
		k.metrics.SessionsTotal.Inc()
		k.metrics.SessionsActive.Inc()
	}
	return state, nil
}

// DeleteSession removes a session. Deleting an unknown id is not an
// error to the caller.
func (k *Kernel) DeleteSession(ctx context.Context, id string) error {
	err := k.store.Delete(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err == nil && k.metrics != nil {
		k.metrics.SessionsActive.Dec()
	}
	return err
}

// ListSessions lists all session ids
func (k *Kernel) ListSessions(ctx context.Context) ([]string, error) {
	return k.store.List(ctx)
}

// ListTools returns all registered tool names
func (k *Kernel) ListTools() []string {
	return k.registry.List()
}

// GetHealth derives overall health from the recent telemetry window
func (k *Kernel) GetHealth() telemetry.Health {
	return k.sink.Health()
}

// GetTelemetry returns the current operation aggregates
func (k *Kernel) GetTelemetry() map[string]telemetry.Aggregate {
	return k.sink.Snapshot()
}

// RecentEvents returns the n most recent telemetry events
func (k *Kernel) RecentEvents(n int) []telemetry.Event {
	return k.sink.Events(n)
}
