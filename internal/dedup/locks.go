package dedup

import "sync"

// keyLockManager provides per-key mutual exclusion so concurrent events
// for the same (source, logical key) serialize while events for
// different keys proceed in parallel.
type keyLockManager struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-key mutexes
}

func newKeyLockManager() *keyLockManager {
	return &keyLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the per-key mutex, creating it on first access.
func (m *keyLockManager) Lock(key string) {
	m.mu.Lock()
	keyLock, exists := m.locks[key]
	if !exists {
		keyLock = &sync.Mutex{}
		m.locks[key] = keyLock
	}
	m.mu.Unlock()

	// Acquire outside the manager lock to avoid contention.
	keyLock.Lock()
}

// Unlock releases the per-key mutex.
func (m *keyLockManager) Unlock(key string) {
	m.mu.Lock()
	keyLock, exists := m.locks[key]
	m.mu.Unlock()

	if exists {
		keyLock.Unlock()
	}
}
