package state

import "sync/atomic"

// State holds the bridge status and draining flag. Both fields are updated
// together so readers always observe a consistent snapshot.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
}

// Store persists bridge state across restarts. Implementations may keep it
// in memory or in an external service such as Redis.
type Store interface {
	Load() State
	Store(State)
}

// memoryStore implements Store using an atomic.Value. It is the default
// strategy and is safe for concurrent use within a single process.
type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "not_ready".
func NewMemoryStore() Store {
	ms := &memoryStore{}
	ms.v.Store(State{Status: "not_ready"})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: "unknown"}
}

func (m *memoryStore) Store(s State) {
	m.v.Store(s)
}
