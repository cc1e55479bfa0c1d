// Package keymutex provides a lock table keyed by logical identifier.
//
// It backs the per-key atomic read-modify-write contract of the session
// store: operations on the same key serialize, operations on distinct keys
// run fully in parallel. There is no global lock beyond the map guard.
package keymutex

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// KeyMutex is a set of mutexes addressed by string key. Idle entries are
// removed so the table only grows with concurrent contention, not with the
// number of distinct keys ever seen.
type KeyMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty lock table.
func New() *KeyMutex {
	return &KeyMutex{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *KeyMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
