package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MemoryStore is the in-process Store. State lives for the process
// lifetime only; eviction is the janitor's concern, never the store's.
type MemoryStore struct {
	sessions map[string]*State
	locks    map[string]*sync.Mutex
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*State),
		locks:    make(map[string]*sync.Mutex),
	}
}

// sessionLock gets or creates the per-session mutex. Two in-flight
// executions against the same session serialize their updates here.
func (ms *MemoryStore) sessionLock(id string) *sync.Mutex {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if lock, exists := ms.locks[id]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	ms.locks[id] = lock
	return lock
}

// Create generates a new session with a fresh identifier
func (ms *MemoryStore) Create(ctx context.Context) (*State, error) {
	now := time.Now()
	state := &State{
		ID:             uuid.New().String(),
		CreatedAt:      now,
		UpdatedAt:      now,
		CompletedSteps: []string{},
		Data:           make(map[string]interface{}),
		Metadata:       make(map[string]interface{}),
	}

	ms.mu.Lock()
	ms.sessions[state.ID] = state
	ms.mu.Unlock()

	log.Debug().Str("session_id", state.ID).Msg("Session created")

	return copyState(state), nil
}

// Get returns a copy of the session state
func (ms *MemoryStore) Get(ctx context.Context, id string) (*State, error) {
	ms.mu.RLock()
	state := ms.sessions[id]
	ms.mu.RUnlock()

	if state == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	lock := ms.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	return copyState(state), nil
}

// Update merges a delta into the session under its per-session lock
func (ms *MemoryStore) Update(ctx context.Context, id string, delta Delta) (*State, error) {
	ms.mu.RLock()
	state := ms.sessions[id]
	ms.mu.RUnlock()

	if state == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	lock := ms.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	applyDelta(state, delta)

	return copyState(state), nil
}

// Delete removes a session and its lock
func (ms *MemoryStore) Delete(ctx context.Context, id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.sessions[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	delete(ms.sessions, id)
	delete(ms.locks, id)

	log.Debug().Str("session_id", id).Msg("Session deleted")

	return nil
}

// List returns all session identifiers
func (ms *MemoryStore) List(ctx context.Context) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	ids := make([]string, 0, len(ms.sessions))
	for id := range ms.sessions {
		ids = append(ids, id)
	}

	return ids, nil
}

// copyState returns a shallow-collection copy so callers cannot mutate
// stored state without going through Update.
func copyState(state *State) *State {
	out := &State{
		ID:             state.ID,
		CreatedAt:      state.CreatedAt,
		UpdatedAt:      state.UpdatedAt,
		CompletedSteps: append([]string{}, state.CompletedSteps...),
		Data:           make(map[string]interface{}, len(state.Data)),
		Metadata:       make(map[string]interface{}, len(state.Metadata)),
	}
	for k, v := range state.Data {
		out.Data[k] = v
	}
	for k, v := range state.Metadata {
		out.Metadata[k] = v
	}
	return out
}
