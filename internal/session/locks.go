package session

import (
	"sync"
)

// LockMap provides a per-session mutex for process-local metadata
// operations. Cross-process concurrency control stays in the durable
// store; this only serializes work inside one orchestrator instance.
type LockMap struct {
	locks sync.Map // sessionID -> *sync.Mutex
}

// NewLockMap creates a new lock map
func NewLockMap() *LockMap {
	return &LockMap{}
}

func (m *LockMap) getOrCreateLock(sessionID string) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu, _ := lock.(*sync.Mutex)
	return mu
}

// Lock acquires the lock for a session
func (m *LockMap) Lock(sessionID string) {
	m.getOrCreateLock(sessionID).Lock()
}

// Unlock releases the lock for a session
func (m *LockMap) Unlock(sessionID string) {
	m.getOrCreateLock(sessionID).Unlock()
}

// Delete removes the lock for a session (call after session cleanup)
func (m *LockMap) Delete(sessionID string) {
	m.locks.Delete(sessionID)
}
