package serverstate

import (
	"sync"
	"sync/atomic"
)

// Server status values.
const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
	StatusUnknown  = "unknown"
)

// State holds the server status and draining flag. All fields are updated
// together so callers always observe a consistent snapshot.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
}

// Store defines how the server state is persisted.
type Store interface {
	Load() State
	Store(State)
}

var (
	mu     sync.Mutex
	active Store = NewMemoryStore()
)

// UseStore replaces the active Store.
func UseStore(s Store) {
	if s == nil {
		return
	}
	mu.Lock()
	active = s
	mu.Unlock()
}

func current() Store {
	mu.Lock()
	defer mu.Unlock()
	return active
}

type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "not_ready".
func NewMemoryStore() Store {
	ms := &memoryStore{}
	ms.v.Store(State{Status: StatusNotReady})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: StatusUnknown}
}

func (m *memoryStore) Store(s State) { m.v.Store(s) }

// SetState updates the status unless the server is draining; a draining
// server never reports ready again.
func SetState(status string) {
	s := current()
	st := s.Load()
	if st.Draining {
		return
	}
	st.Status = status
	s.Store(st)
}

// GetState returns the current server status.
func GetState() string { return current().Load().Status }

// Snapshot returns the full state.
func Snapshot() State { return current().Load() }

// StartDrain marks the server as draining.
func StartDrain() {
	s := current()
	s.Store(State{Status: StatusDraining, Draining: true})
}

// IsDraining reports whether the server is draining.
func IsDraining() bool { return current().Load().Draining }
